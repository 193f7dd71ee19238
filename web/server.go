// Package web has a web based viewer for the constructed network topologies.
package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strconv"

	"github.com/foelin/drn/nnet"
	"github.com/foelin/drn/num"
	"github.com/gorilla/mux"
)

// Models listed on the index page.
var models = []nnet.Config{
	{Family: nnet.Small10, Depth: 20},
	{Family: nnet.Small10, Depth: 56},
	{Family: nnet.Small100, Depth: 44},
	{Family: nnet.Full, Depth: 18, Variant: nnet.VariantA},
	{Family: nnet.Full, Depth: 34, Variant: nnet.VariantB},
	{Family: nnet.Full, Depth: 50, Variant: nnet.VariantC},
	{Family: nnet.Full, Depth: 101, Variant: nnet.VariantA},
	{Family: nnet.Full, Depth: 152, Variant: nnet.VariantA},
}

type Server struct {
	dev num.Device
}

type netPage struct {
	Title string
	Rows  []nodeRow
	Width int
}

type nodeRow struct {
	Index  int
	Op     string
	Role   string
	Shape  string
	Inputs string
	Params int
}

// NewRouter returns the http routes for the topology viewer.
func NewRouter(dev num.Device) *mux.Router {
	s := &Server{dev: dev}
	r := mux.NewRouter()
	r.HandleFunc("/", s.index)
	r.HandleFunc("/net/{family}/{depth:[0-9]+}", s.network)
	r.HandleFunc("/net/{family}/{depth:[0-9]+}/{variant}", s.network)
	return r
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	if err := indexTmpl.Execute(w, models); err != nil {
		log.Println("index:", err)
	}
}

func (s *Server) network(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	depth, err := strconv.Atoi(vars["depth"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conf := nnet.Config{
		Family:  nnet.DatasetFamily(vars["family"]),
		Depth:   depth,
		Variant: nnet.Variant(vars["variant"]),
	}
	net, _, err := nnet.Build(s.dev, conf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page := netPage{
		Title: ModelName(conf),
		Width: net.FinalWidth(),
	}
	for i, n := range net.Graph.Nodes {
		row := nodeRow{Index: i, Role: n.Role.String(), Shape: fmt.Sprint(n.Shape)}
		if n.Op != nil {
			row.Op = n.Op.ToString()
		} else {
			row.Op = "input"
		}
		for j, in := range n.In {
			if j > 0 {
				row.Inputs += ","
			}
			row.Inputs += strconv.Itoa(int(in))
		}
		if n.W != nil {
			row.Params += n.W.Size()
		}
		if n.B != nil {
			row.Params += n.B.Size()
		}
		page.Rows = append(page.Rows, row)
	}
	if err := netTmpl.Execute(w, page); err != nil {
		log.Println("network:", err)
	}
}

// ModelName gives the link label and page title for a config.
func ModelName(c nnet.Config) string {
	if c.Variant != "" {
		return fmt.Sprintf("%s drn-%s-%d", c.Family, c.Variant, c.Depth)
	}
	return fmt.Sprintf("%s drn-%d", c.Family, c.Depth)
}

// URL path for a model config.
func modelURL(c nnet.Config) string {
	if c.Variant != "" {
		return fmt.Sprintf("/net/%s/%d/%s", c.Family, c.Depth, c.Variant)
	}
	return fmt.Sprintf("/net/%s/%d", c.Family, c.Depth)
}

var tmplFuncs = template.FuncMap{"name": ModelName, "url": modelURL}

var indexTmpl = template.Must(template.New("index").Funcs(tmplFuncs).Parse(`<!DOCTYPE html>
<html><head><title>drn networks</title></head><body>
<h2>Networks</h2>
<ul>
{{range .}}<li><a href="{{url .}}">{{name .}}</a></li>
{{end}}</ul>
</body></html>`))

var netTmpl = template.Must(template.New("net").Parse(`<!DOCTYPE html>
<html><head><title>{{.Title}}</title></head><body>
<h2>{{.Title}}</h2>
<p>final feature width: {{.Width}}</p>
<table border="1" cellpadding="4">
<tr><th>#</th><th>op</th><th>role</th><th>shape</th><th>inputs</th><th>params</th></tr>
{{range .Rows}}<tr><td>{{.Index}}</td><td>{{.Op}}</td><td>{{.Role}}</td><td>{{.Shape}}</td><td>{{.Inputs}}</td><td>{{.Params}}</td></tr>
{{end}}</table>
<p><a href="/">back</a></p>
</body></html>`))
