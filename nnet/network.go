// Package nnet contains routines for constructing dilated residual network
// graphs and assigning their initial weights.
package nnet

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path"

	"github.com/chewxy/math32"
	"github.com/foelin/drn/num"
	"github.com/seehuhn/mt19937"
	"gonum.org/v1/gonum/stat/distuv"
)

// Network type represents a finished model graph plus its parameter tensors.
type Network struct {
	Config
	Graph *Graph
	dev   num.Device
}

// FinalWidth is the feature width entering the classifier.
func (n *Network) FinalWidth() int {
	for _, node := range n.Graph.Nodes {
		if node.Role == RoleClassifier {
			return node.W.Dims()[1]
		}
	}
	panic("network has no classifier node")
}

// InitWeights assigns the initialisation scheme to every node by its
// structural role:
//   - conv kernels are sampled from a zero mean normal with standard
//     deviation sqrt(2/(kH*kW*outChannels)), biases zeroed where present
//   - normalisation scale is set to 1 and shift to 0
//   - the classifier keeps the default uniform 1/sqrt(nIn) weights with a
//     zeroed bias
//
// The same seed always produces the same parameter values.
func (n *Network) InitWeights(seed int64) {
	src := mt19937.New()
	src.Seed(seed)
	for i := range n.Graph.Nodes {
		node := &n.Graph.Nodes[i]
		switch node.Role {
		case RoleConvKernel:
			dims := node.W.Dims()
			sigma := math32.Sqrt(2 / float32(dims[2]*dims[3]*dims[0]))
			writeNormal(node.W, sigma, src)
			if node.B != nil {
				num.Fill(node.B, 0)
			}
		case RoleNormScale:
			num.Fill(node.W, 1)
			num.Fill(node.B, 0)
		case RoleClassifier:
			dims := node.W.Dims()
			scale := 1 / math32.Sqrt(float32(dims[1]))
			writeUniform(node.W, scale, src)
			num.Fill(node.B, 0)
		}
	}
}

func writeNormal(a num.Array, sigma float32, src rand.Source) {
	dist := distuv.Normal{Mu: 0, Sigma: float64(sigma), Src: src}
	data := make([]float32, a.Size())
	for i := range data {
		data[i] = float32(dist.Rand())
	}
	num.Write(a, data)
}

func writeUniform(a num.Array, scale float32, src rand.Source) {
	dist := distuv.Uniform{Min: -float64(scale), Max: float64(scale), Src: src}
	data := make([]float32, a.Size())
	for i := range data {
		data[i] = float32(dist.Rand())
	}
	num.Write(a, data)
}

// CastTo converts every parameter tensor to the given numeric precision as
// one final pass over the whole graph.
func (n *Network) CastTo(p Precision) {
	dtype := num.Float32
	if p == PrecisionFloat16 {
		dtype = num.Float16
	}
	for i := range n.Graph.Nodes {
		node := &n.Graph.Nodes[i]
		if node.W != nil {
			node.W = num.Cast(n.dev, node.W, dtype)
		}
		if node.B != nil {
			node.B = num.Cast(n.dev, node.B, dtype)
		}
	}
}

// on disk format for a saved network definition
type netDef struct {
	Config
	Nodes []NodeConfig
}

// SaveDefinition writes the build config and the resolved topology as a JSON
// file under DataDir.
func (n *Network) SaveDefinition(name string) error {
	return saveJSON(name, netDef{Config: n.Config, Nodes: n.Graph.Definition()})
}

// LoadNetwork reads a saved definition file from DataDir, reconstructs the
// graph and reinitialises the weights from the saved seed.
func LoadNetwork(dev num.Device, name string) (*Network, error) {
	f, err := os.Open(path.Join(DataDir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var def netDef
	if err := json.NewDecoder(f).Decode(&def); err != nil {
		return nil, err
	}
	g, err := NewGraphFromDef(dev, def.Nodes)
	if err != nil {
		return nil, err
	}
	conf := def.Config.WithDefaults()
	net := &Network{Config: conf, Graph: g, dev: dev}
	net.InitWeights(conf.RandSeed)
	net.CastTo(conf.Precision)
	return net, nil
}

// Print network description
func (n *Network) String() string {
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config, n.Graph)
}
