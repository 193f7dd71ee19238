package nnet

import (
	"fmt"
	"strings"

	"github.com/foelin/drn/num"
)

// Role tags the structural function of a node so that the weight
// initialisation pass is a single typed traversal.
type Role int

const (
	RoleInput Role = iota
	RoleConvKernel
	RoleNormScale
	RoleActivation
	RolePool
	RolePad
	RoleMerge
	RoleFlatten
	RoleClassifier
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleConvKernel:
		return "conv"
	case RoleNormScale:
		return "norm"
	case RoleActivation:
		return "activation"
	case RolePool:
		return "pool"
	case RolePad:
		return "pad"
	case RoleMerge:
		return "merge"
	case RoleFlatten:
		return "flatten"
	case RoleClassifier:
		return "classifier"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Handle is an immutable reference to a node's output.
type Handle int

// Node is one operation in the graph together with its parameter arrays.
// Nodes are created and owned by the builders and never shared once wired.
type Node struct {
	Op    ConfigLayer
	Role  Role
	In    []Handle
	Shape []int // output shape [channels, height, width] or [features]
	W, B  num.Array
}

// Graph is a directed acyclic branch / merge structure of nodes. Nodes only
// refer to earlier nodes so the graph is acyclic by construction.
type Graph struct {
	dev   num.Device
	Nodes []Node
}

// Create a new graph with a single input node, returns the graph and the
// handle for the input.
func NewGraph(dev num.Device, inShape []int) (*Graph, Handle) {
	g := &Graph{dev: dev}
	g.Nodes = append(g.Nodes, Node{Role: RoleInput, Shape: append([]int{}, inShape...)})
	return g, 0
}

func (g *Graph) Node(h Handle) *Node {
	return &g.Nodes[h]
}

// Shape of the output of the given node.
func (g *Graph) ShapeAt(h Handle) []int {
	return g.Nodes[h].Shape
}

func (g *Graph) add(op ConfigLayer, role Role, in ...Handle) Handle {
	shape := op.OutShape(g.Nodes[in[0]].Shape)
	n := Node{Op: op, Role: role, In: in, Shape: shape}
	switch c := op.(type) {
	case Conv:
		inC := g.Nodes[in[0]].Shape[0]
		n.W = g.dev.NewArray(num.Float32, c.Nfeats, inC, c.Size, c.Size)
		if !c.NoBias {
			n.B = g.dev.NewArray(num.Float32, c.Nfeats)
		}
	case BatchNorm:
		n.W = g.dev.NewArray(num.Float32, shape[0])
		n.B = g.dev.NewArray(num.Float32, shape[0])
	case Linear:
		nIn := g.Nodes[in[0]].Shape[0]
		n.W = g.dev.NewArray(num.Float32, c.Nout, nIn)
		n.B = g.dev.NewArray(num.Float32, c.Nout)
	}
	g.Nodes = append(g.Nodes, n)
	return Handle(len(g.Nodes) - 1)
}

// Append a convolution node reading from x.
func (g *Graph) Conv(x Handle, c Conv) Handle {
	if c.Stride == 0 {
		c.Stride = 1
	}
	if c.Dilation == 0 {
		c.Dilation = 1
	}
	return g.add(c, RoleConvKernel, x)
}

// Append a batch normalisation node reading from x.
func (g *Graph) BatchNorm(x Handle) Handle {
	return g.add(BatchNorm{}, RoleNormScale, x)
}

// Append a relu activation node reading from x.
func (g *Graph) ReLU(x Handle) Handle {
	return g.add(Activation{Atype: "relu"}, RoleActivation, x)
}

// Append a pooling node reading from x.
func (g *Graph) Pool(x Handle, c Pool) Handle {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return g.add(c, RolePool, x)
}

// Append a zero-fill channel padding node reading from x.
func (g *Graph) ChannelPad(x Handle, nout int) Handle {
	return g.add(ChannelPad{Nout: nout}, RolePad, x)
}

// Append a flatten node reading from x.
func (g *Graph) Flatten(x Handle) Handle {
	return g.add(Flatten{}, RoleFlatten, x)
}

// Append the linear classifier node reading from x.
func (g *Graph) Linear(x Handle, nout int) Handle {
	return g.add(Linear{Nout: nout}, RoleClassifier, x)
}

// Merge the transform path a and the shortcut path b with an elementwise add.
func (g *Graph) Merge(a, b Handle) Handle {
	sa, sb := g.Nodes[a].Shape, g.Nodes[b].Shape
	if !shapeEq(sa, sb) {
		panic(fmt.Sprintf("Merge: shape mismatch %v %v", sa, sb))
	}
	return g.add(EltwiseAdd{}, RoleMerge, a, b)
}

// Output returns the handle of the last node added.
func (g *Graph) Output() Handle {
	return Handle(len(g.Nodes) - 1)
}

// Consumers returns how many nodes read the output of each node.
func (g *Graph) Consumers() []int {
	count := make([]int, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, in := range n.In {
			count[in]++
		}
	}
	return count
}

// Validate checks the branch / merge invariants: a node output is consumed at
// most twice, a doubly consumed node is a branch point whose two paths rejoin
// at exactly one two-input node, and every merge is followed by exactly one
// activation.
func (g *Graph) Validate() error {
	count := g.Consumers()
	for h, c := range count {
		if c > 2 {
			return fmt.Errorf("node %d has %d consumers", h, c)
		}
		if c == 2 {
			if err := g.checkBranch(Handle(h)); err != nil {
				return err
			}
		}
	}
	for h, n := range g.Nodes {
		if n.Role != RoleMerge {
			continue
		}
		next := g.consumersOf(Handle(h))
		if len(next) != 1 || g.Nodes[next[0]].Role != RoleActivation {
			return fmt.Errorf("merge node %d is not followed by a single activation", h)
		}
	}
	return nil
}

func (g *Graph) consumersOf(h Handle) []Handle {
	var out []Handle
	for i, n := range g.Nodes {
		for _, in := range n.In {
			if in == h {
				out = append(out, Handle(i))
			}
		}
	}
	return out
}

// follow a single-consumer chain from h until reaching a two-input node,
// returns that node or -1.
func (g *Graph) joinPoint(h Handle) Handle {
	for {
		next := g.consumersOf(h)
		if len(next) != 1 {
			return -1
		}
		h = next[0]
		if len(g.Nodes[h].In) == 2 {
			return h
		}
	}
}

func (g *Graph) checkBranch(h Handle) error {
	next := g.consumersOf(h)
	// a path may feed the join node directly (identity shortcut)
	join := func(n Handle) Handle {
		if len(g.Nodes[n].In) == 2 {
			return n
		}
		return g.joinPoint(n)
	}
	j1, j2 := join(next[0]), join(next[1])
	if j1 < 0 || j1 != j2 {
		return fmt.Errorf("branch at node %d does not rejoin at a single merge", h)
	}
	return nil
}

// NodeConfig is the serialised form of one node: the layer descriptor, its
// structural role and the indices of the nodes it reads from. The input node
// carries the shape, everything else is recomputed on load.
type NodeConfig struct {
	Layer *LayerConfig `json:",omitempty"`
	Role  Role
	In    []int `json:",omitempty"`
	Shape []int `json:",omitempty"`
}

// Definition returns the node list in serialisable form.
func (g *Graph) Definition() []NodeConfig {
	def := make([]NodeConfig, len(g.Nodes))
	for i, n := range g.Nodes {
		nc := NodeConfig{Role: n.Role}
		if n.Op != nil {
			l := n.Op.Marshal()
			nc.Layer = &l
		}
		if len(n.In) > 0 {
			nc.In = make([]int, len(n.In))
			for j, in := range n.In {
				nc.In[j] = int(in)
			}
		}
		if n.Role == RoleInput {
			nc.Shape = append([]int{}, n.Shape...)
		}
		def[i] = nc
	}
	return def
}

// NewGraphFromDef reconstructs a graph from a saved definition, reallocating
// the parameter arrays and revalidating the branch / merge structure.
func NewGraphFromDef(dev num.Device, def []NodeConfig) (*Graph, error) {
	if len(def) == 0 || def[0].Role != RoleInput || len(def[0].Shape) == 0 {
		return nil, fmt.Errorf("definition must start with an input node")
	}
	g, _ := NewGraph(dev, def[0].Shape)
	for i, nc := range def[1:] {
		if nc.Layer == nil || len(nc.In) == 0 {
			return nil, fmt.Errorf("node %d: missing layer or inputs", i+1)
		}
		in := make([]Handle, len(nc.In))
		for j, v := range nc.In {
			if v < 0 || v >= len(g.Nodes) {
				return nil, fmt.Errorf("node %d: input %d out of range", i+1, v)
			}
			in[j] = Handle(v)
		}
		g.add(nc.Layer.Unmarshal(), nc.Role, in...)
	}
	return g, g.Validate()
}

// Print the numbered node listing with output shapes.
func (g *Graph) String() string {
	s := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		desc := "input"
		if n.Op != nil {
			desc = n.Op.ToString()
		}
		from := ""
		if len(n.In) > 0 {
			refs := make([]string, len(n.In))
			for j, in := range n.In {
				refs[j] = fmt.Sprint(int(in))
			}
			from = " <- " + strings.Join(refs, ",")
		}
		s[i] = fmt.Sprintf("%3d: %-40s %v%s", i, desc, n.Shape, from)
	}
	return strings.Join(s, "\n")
}

func shapeEq(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
