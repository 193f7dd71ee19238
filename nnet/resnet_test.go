package nnet

import (
	"testing"

	"github.com/foelin/drn/num"
)

var buildCases = []struct {
	conf  Config
	width int
}{
	{Config{Family: Small10, Depth: 20}, 64},
	{Config{Family: Small10, Depth: 32}, 64},
	{Config{Family: Small10, Depth: 56}, 64},
	{Config{Family: Small100, Depth: 44}, 64},
	{Config{Family: Full, Depth: 18, Variant: VariantA}, 512},
	{Config{Family: Full, Depth: 34, Variant: VariantA}, 512},
	{Config{Family: Full, Depth: 50, Variant: VariantA}, 2048},
	{Config{Family: Full, Depth: 101, Variant: VariantA}, 2048},
	{Config{Family: Full, Depth: 152, Variant: VariantA}, 2048},
	{Config{Family: Full, Depth: 18, Variant: VariantB}, 512},
	{Config{Family: Full, Depth: 34, Variant: VariantC}, 512},
	{Config{Family: Full, Depth: 50, Variant: VariantB}, 2048},
	{Config{Family: Full, Depth: 50, Variant: VariantC}, 2048},
	{Config{Family: Full, Depth: 101, Variant: VariantC}, 2048},
}

func build(t *testing.T, conf Config) *Network {
	t.Helper()
	net, loss, err := Build(num.NewCPUDevice(), conf)
	if err != nil {
		t.Fatalf("Build(%+v): %v", conf, err)
	}
	if loss != SoftmaxCrossEntropy {
		t.Errorf("Build(%+v): loss = %q", conf, loss)
	}
	return net
}

func countRole(g *Graph, role Role) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Role == role {
			n++
		}
	}
	return n
}

func TestBuildAll(t *testing.T) {
	for _, tc := range buildCases {
		net := build(t, tc.conf)
		if w := net.FinalWidth(); w != tc.width {
			t.Errorf("%+v: final width = %d, want %d", tc.conf, w, tc.width)
		}
		if err := net.Graph.Validate(); err != nil {
			t.Errorf("%+v: %v", tc.conf, err)
		}
	}
}

func TestUnitCounts(t *testing.T) {
	// all 3+4+6+3 bottleneck units of variant A keep their residual merge
	net := build(t, Config{Family: Full, Depth: 50, Variant: VariantA})
	if n := countRole(net.Graph, RoleMerge); n != 16 {
		t.Errorf("depth 50: merge count = %d, want 16", n)
	}
	// stem + 16 units of 3 convs + 4 stage projections
	if n := countRole(net.Graph, RoleConvKernel); n != 53 {
		t.Errorf("depth 50: conv count = %d, want 53", n)
	}

	net = build(t, Config{Family: Full, Depth: 18, Variant: VariantA})
	if n := countRole(net.Graph, RoleMerge); n != 8 {
		t.Errorf("depth 18: merge count = %d, want 8", n)
	}
	// stem + 8 units of 2 convs + projections in stages 2..4 only
	if n := countRole(net.Graph, RoleConvKernel); n != 20 {
		t.Errorf("depth 18: conv count = %d, want 20", n)
	}

	// depth 20 small: n=3 units per stage, the terminal stage has no merges
	net = build(t, Config{Family: Small10, Depth: 20})
	if n := countRole(net.Graph, RoleMerge); n != 6 {
		t.Errorf("depth 20: merge count = %d, want 6", n)
	}
	// stem + 9 units of 2 convs + the dilated stage entry projection
	if n := countRole(net.Graph, RoleConvKernel); n != 20 {
		t.Errorf("depth 20: conv count = %d, want 20", n)
	}
}

// main path walk back from the merge's first input to the node reading from
// the shortcut input directly: only then is the shortcut the identity.
func isIdentityShortcut(g *Graph, m Handle) bool {
	sc := g.Nodes[m].In[1]
	switch g.Nodes[sc].Role {
	case RoleNormScale, RolePool, RolePad:
		return false
	}
	h := g.Nodes[m].In[0]
	for len(g.Nodes[h].In) > 0 {
		if g.Nodes[h].In[0] == sc {
			return true
		}
		h = g.Nodes[h].In[0]
	}
	return false
}

func TestIdentityShortcut(t *testing.T) {
	net := build(t, Config{Family: Small10, Depth: 20})
	g := net.Graph
	var merges []Handle
	for i, n := range g.Nodes {
		if n.Role == RoleMerge {
			merges = append(merges, Handle(i))
		}
	}
	ident := 0
	for _, m := range merges {
		if isIdentityShortcut(g, m) {
			ident++
		}
	}
	// stage 1 keeps 16 channels throughout and the dilated stage 2 runs at
	// stride 1, so only its first unit projects 16 -> 32
	if ident != 5 {
		t.Errorf("identity shortcut count = %d, want 5", ident)
	}
	if len(merges) > 0 && !isIdentityShortcut(g, merges[0]) {
		t.Error("first stage 1 unit should have an identity shortcut")
	}
	if len(merges) > 3 && isIdentityShortcut(g, merges[3]) {
		t.Error("first stage 2 unit should have a projection shortcut")
	}
}

func TestShortcutSelector(t *testing.T) {
	newBuilder := func(policy ShortcutPolicy) (*builder, Handle) {
		g, x := NewGraph(num.NewCPUDevice(), []int{16, 32, 32})
		return &builder{g: g, policy: policy}, x
	}

	// identity: equal channels, stride 1
	b, x := newBuilder(ProjectionOnMismatch)
	if s := b.shortcut(x, 16, 16, 1); s != x {
		t.Error("expected pure identity shortcut")
	}

	// zero-padded subsample: equal channels, stride > 1
	b, x = newBuilder(ProjectionOnMismatch)
	s := b.shortcut(x, 16, 16, 2)
	n := b.g.Node(s)
	if p, ok := n.Op.(Pool); !ok || !p.Average || p.Stride != 2 {
		t.Errorf("expected strided average pool, got %v", n.Op)
	}
	if !shapeEq(n.Shape, []int{16, 16, 16}) {
		t.Errorf("subsample shape = %v", n.Shape)
	}

	// learned projection on channel mismatch
	b, x = newBuilder(ProjectionOnMismatch)
	s = b.shortcut(x, 16, 32, 1)
	if b.g.Node(s).Role != RoleNormScale {
		t.Error("projection should end with a normalisation node")
	}
	conv := b.g.Node(b.g.Node(s).In[0])
	if c, ok := conv.Op.(Conv); !ok || c.Size != 1 || c.Nfeats != 32 {
		t.Errorf("expected 1x1 projection conv, got %v", conv.Op)
	}

	// projection-always projects even for equal channels at stride 1
	b, x = newBuilder(ProjectionAlways)
	s = b.shortcut(x, 16, 16, 1)
	if b.g.Node(s).Role != RoleNormScale {
		t.Error("projection-always should emit a projection")
	}
}

func TestProjectionAlways(t *testing.T) {
	net := build(t, Config{Family: Small10, Depth: 20, Shortcut: ProjectionAlways})
	g := net.Graph
	for i, n := range g.Nodes {
		if n.Role != RoleMerge {
			continue
		}
		if g.Nodes[n.In[1]].Role != RoleNormScale {
			t.Errorf("merge %d: shortcut is not a projection", i)
		}
		if isIdentityShortcut(g, Handle(i)) {
			t.Errorf("merge %d: identity shortcut under %s", i, ProjectionAlways)
		}
	}
}

func firstConvWithDilation(g *Graph, dilation int) int {
	for i, n := range g.Nodes {
		if c, ok := n.Op.(Conv); ok && c.Dilation == dilation {
			return i
		}
	}
	return -1
}

func mergesAfter(g *Graph, idx int) int {
	n := 0
	for i, node := range g.Nodes {
		if i > idx && node.Role == RoleMerge {
			n++
		}
	}
	return n
}

func TestNoResidualTail(t *testing.T) {
	// the small family terminal stage runs at scale 4 without residual
	net := build(t, Config{Family: Small10, Depth: 20})
	start := firstConvWithDilation(net.Graph, 4)
	if start < 0 {
		t.Fatal("no dilation 4 conv found")
	}
	if n := mergesAfter(net.Graph, start); n != 0 {
		t.Errorf("small terminal stage: %d merges after node %d", n, start)
	}

	// depth 34: 2 preliminary + 3+4+6+3 body units all carry a merge,
	// variant C drops the residual from both terminal units, B keeps it
	netC := build(t, Config{Family: Full, Depth: 34, Variant: VariantC})
	if n := countRole(netC.Graph, RoleMerge); n != 18 {
		t.Errorf("variant C: merge count = %d, want 18", n)
	}
	netB := build(t, Config{Family: Full, Depth: 34, Variant: VariantB})
	if n := countRole(netB.Graph, RoleMerge); n != 20 {
		t.Errorf("variant B: merge count = %d, want 20", n)
	}
}

func TestInvalidConfig(t *testing.T) {
	bad := []Config{
		{Family: Full, Depth: 19, Variant: VariantA},
		{Family: Full, Depth: 50, Variant: "D"},
		{Family: Full, Depth: 50},
		{Family: "mnist", Depth: 18},
		{Family: Small10, Depth: 21},
		{Family: Small10, Depth: 20, Variant: VariantA},
		{Family: Small10, Depth: 20, Shortcut: "zero-pad-always"},
		{Family: Small10, Depth: 20, Precision: "float64"},
	}
	for _, conf := range bad {
		if _, _, err := Build(num.NewCPUDevice(), conf); err == nil {
			t.Errorf("Build(%+v): expected configuration error", conf)
		} else {
			t.Logf("Build(%+v): %v", conf, err)
		}
	}
}

func TestIdempotence(t *testing.T) {
	conf := Config{Family: Small10, Depth: 20, RandSeed: 42}
	n1 := build(t, conf)
	n2 := build(t, conf)
	if len(n1.Graph.Nodes) != len(n2.Graph.Nodes) {
		t.Fatalf("node counts differ: %d vs %d", len(n1.Graph.Nodes), len(n2.Graph.Nodes))
	}
	for i := range n1.Graph.Nodes {
		a, b := n1.Graph.Nodes[i], n2.Graph.Nodes[i]
		if a.Role != b.Role || !shapeEq(a.Shape, b.Shape) {
			t.Fatalf("node %d topology differs", i)
		}
		if a.W == nil {
			continue
		}
		w1 := make([]float32, a.W.Size())
		w2 := make([]float32, b.W.Size())
		num.Read(a.W, w1)
		num.Read(b.W, w2)
		for j := range w1 {
			if w1[j] != w2[j] {
				t.Fatalf("node %d weights differ at %d: %v vs %v", i, j, w1[j], w2[j])
			}
		}
	}
}

func TestStridePlacement(t *testing.T) {
	// stride 2 is applied once per uniform stage, never in a dilated one
	net := build(t, Config{Family: Full, Depth: 34, Variant: VariantA})
	strided := 0
	for _, n := range net.Graph.Nodes {
		if c, ok := n.Op.(Conv); ok && c.Stride > 1 {
			strided++
			if c.Dilation > 1 {
				t.Errorf("conv %+v has both stride and dilation", c)
			}
		}
	}
	// stem + stage 2 entry (3x3 and its projection)
	if strided != 3 {
		t.Errorf("strided conv count = %d, want 3", strided)
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	saved := DataDir
	DataDir = t.TempDir()
	defer func() { DataDir = saved }()
	net := build(t, Config{Family: Full, Depth: 50, Variant: VariantC, RandSeed: 42})
	if err := net.SaveDefinition("drn50C.net"); err != nil {
		t.Fatal(err)
	}
	net2, err := LoadNetwork(num.NewCPUDevice(), "drn50C.net")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := net2.String(), net.String(); got != want {
		t.Errorf("reloaded network differs:\n%s\nwant:\n%s", got, want)
	}
	if net2.FinalWidth() != net.FinalWidth() {
		t.Errorf("final width = %d, want %d", net2.FinalWidth(), net.FinalWidth())
	}
	// same seed gives the same parameters after the reload
	for i := range net.Graph.Nodes {
		a, b := net.Graph.Nodes[i], net2.Graph.Nodes[i]
		if (a.W == nil) != (b.W == nil) {
			t.Fatalf("node %d: parameter mismatch", i)
		}
		if a.W == nil {
			continue
		}
		w1 := make([]float32, a.W.Size())
		w2 := make([]float32, b.W.Size())
		num.Read(a.W, w1)
		num.Read(b.W, w2)
		for j := range w1 {
			if w1[j] != w2[j] {
				t.Fatalf("node %d weights differ at %d", i, j)
			}
		}
	}
}

func TestLoadBadDefinition(t *testing.T) {
	saved := DataDir
	DataDir = t.TempDir()
	defer func() { DataDir = saved }()
	if err := saveJSON("broken.net", map[string]interface{}{"Nodes": []NodeConfig{{Role: RoleConvKernel}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadNetwork(num.NewCPUDevice(), "broken.net"); err == nil {
		t.Error("expected error for definition without an input node")
	} else {
		t.Log(err)
	}
}
