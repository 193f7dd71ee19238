// Command drn builds a dilated residual network from configuration flags,
// prints the resulting graph and optionally saves the config.
package main

import (
	"flag"
	"fmt"

	"github.com/foelin/drn/nnet"
	"github.com/foelin/drn/num"
)

func main() {
	var conf nnet.Config
	var family, variant, shortcut, precision, save, saveNet, load string
	flag.StringVar(&family, "family", string(nnet.Small10), "dataset family: small-10, small-100 or full")
	flag.IntVar(&conf.Depth, "depth", 20, "network depth")
	flag.StringVar(&variant, "variant", "", "stem/tail variant for the full family: A, B or C")
	flag.StringVar(&shortcut, "shortcut", "", "shortcut policy: projection-always or projection-on-mismatch")
	flag.StringVar(&precision, "precision", "", "numeric precision: float32 or float16")
	flag.Int64Var(&conf.RandSeed, "seed", 0, "random number seed for weight init")
	flag.StringVar(&save, "save", "", "save config to this file under the data dir")
	flag.StringVar(&saveNet, "savenet", "", "save the resolved network definition to this file under the data dir")
	flag.StringVar(&load, "load", "", "print a previously saved network definition and exit")
	flag.Parse()

	dev := num.NewCPUDevice()
	if load != "" {
		net, err := nnet.LoadNetwork(dev, load)
		nnet.CheckErr(err)
		fmt.Println(net)
		fmt.Println("final feature width:", net.FinalWidth())
		return
	}

	conf.Family = nnet.DatasetFamily(family)
	conf.Variant = nnet.Variant(variant)
	conf.Shortcut = nnet.ShortcutPolicy(shortcut)
	conf.Precision = nnet.Precision(precision)

	net, loss, err := nnet.Build(dev, conf)
	nnet.CheckErr(err)
	fmt.Println(net)
	fmt.Println("loss:", loss)
	fmt.Println("final feature width:", net.FinalWidth())
	if save != "" {
		nnet.CheckErr(net.Config.Save(save))
		fmt.Println("saved config to", save)
	}
	if saveNet != "" {
		nnet.CheckErr(net.SaveDefinition(saveNet))
		fmt.Println("saved network definition to", saveNet)
	}
}
