// Command drnweb serves the network topology viewer.
package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/foelin/drn/num"
	"github.com/foelin/drn/web"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()
	router := web.NewRouter(num.NewCPUDevice())
	log.Println("serving on", *addr)
	log.Fatal(http.ListenAndServe(*addr, router))
}
