package nnet

// Dilated residual network construction: see https://arxiv.org/abs/1512.03385
// and https://arxiv.org/abs/1705.09914. Deep stages substitute dilation for
// stride so the receptive field keeps growing while the spatial resolution
// stays constant, which dense prediction backbones depend on.

import (
	"fmt"

	"github.com/foelin/drn/num"
)

// Loss identifies the loss function the external training loop should attach
// to the network output.
type Loss string

const SoftmaxCrossEntropy Loss = "softmaxCrossEntropy"

// BlockKind selects the dilation schedule within a dilated residual unit.
type BlockKind int

const (
	// first dilated unit of a stage transitioning from a strided stage
	KindTransition BlockKind = iota + 1
	// ramp up unit: first conv at half scale, second at full scale
	KindRamp
	// steady state unit: both convs at full scale
	KindSteady
	// steady state unit without the shortcut merge
	KindNoResidual
)

// Residual unit constructors. The running channel counter is threaded through
// explicitly: each constructor takes the current input channel count and
// returns the new one together with the handle of the unit's output.
type blockFunc func(in int, x Handle, width, stride int) (int, Handle)

type dilatedBlockFunc func(in int, x Handle, width, scale int, kind BlockKind) (int, Handle)

type builder struct {
	g      *Graph
	policy ShortcutPolicy
}

// shortcut returns the skip path from x: pure identity when shape and stride
// allow it, a strided average pool plus zero channel padding, or a learned
// 1x1 projection, depending on the policy.
func (b *builder) shortcut(x Handle, nIn, nOut, stride int) Handle {
	g := b.g
	project := func() Handle {
		s := g.Conv(x, Conv{Nfeats: nOut, Size: 1, Stride: stride, NoBias: true})
		return g.BatchNorm(s)
	}
	switch b.policy {
	case ProjectionAlways:
		return project()
	case ProjectionOnMismatch:
		if nIn != nOut {
			return project()
		}
		if stride > 1 {
			s := g.Pool(x, Pool{Size: 1, Stride: stride, Average: true})
			// the block builders always pass nIn == nOut here since a width
			// mismatch projects above; the pad keeps the selector total over
			// the widening subsample case
			if nOut > nIn {
				s = g.ChannelPad(s, nOut)
			}
			return s
		}
		return x
	}
	panic(fmt.Sprintf("invalid shortcut policy: %q", b.policy))
}

// basic residual unit: two 3x3 convolutions at channel width n.
func (b *builder) basicBlock(in int, x Handle, n, stride int) (int, Handle) {
	g := b.g
	s := g.Conv(x, Conv{Nfeats: n, Size: 3, Stride: stride, Pad: 1, NoBias: true})
	s = g.BatchNorm(s)
	s = g.ReLU(s)
	s = g.Conv(s, Conv{Nfeats: n, Size: 3, Pad: 1, NoBias: true})
	s = g.BatchNorm(s)
	y := g.Merge(s, b.shortcut(x, in, n, stride))
	return n, g.ReLU(y)
}

// bottleneck residual unit: 1x1 reduce, 3x3 spatial, 1x1 expand to 4n.
func (b *builder) bottleneckBlock(in int, x Handle, n, stride int) (int, Handle) {
	g := b.g
	s := g.Conv(x, Conv{Nfeats: n, Size: 1, NoBias: true})
	s = g.BatchNorm(s)
	s = g.ReLU(s)
	s = g.Conv(s, Conv{Nfeats: n, Size: 3, Stride: stride, Pad: 1, NoBias: true})
	s = g.BatchNorm(s)
	s = g.ReLU(s)
	s = g.Conv(s, Conv{Nfeats: 4 * n, Size: 1, NoBias: true})
	s = g.BatchNorm(s)
	y := g.Merge(s, b.shortcut(x, in, 4*n, stride))
	return 4 * n, g.ReLU(y)
}

// dilated basic unit: stride is always 1, the 3x3 convolutions are dilated
// according to kind. Dilation never changes the channel shape so the
// shortcut always sees stride 1.
func (b *builder) dilatedBasicBlock(in int, x Handle, n, scale int, kind BlockKind) (int, Handle) {
	g := b.g
	var s Handle
	switch kind {
	case KindTransition:
		s = g.Conv(x, Conv{Nfeats: n, Size: 3, Pad: 1, NoBias: true})
	case KindRamp:
		s = g.Conv(x, Conv{Nfeats: n, Size: 3, Pad: scale / 2, Dilation: scale / 2, NoBias: true})
	case KindSteady, KindNoResidual:
		s = g.Conv(x, Conv{Nfeats: n, Size: 3, Pad: scale, Dilation: scale, NoBias: true})
	default:
		panic(fmt.Sprintf("invalid block kind: %d", kind))
	}
	s = g.BatchNorm(s)
	s = g.ReLU(s)
	s = g.Conv(s, Conv{Nfeats: n, Size: 3, Pad: scale, Dilation: scale, NoBias: true})
	s = g.BatchNorm(s)
	if kind == KindNoResidual {
		return n, g.ReLU(s)
	}
	y := g.Merge(s, b.shortcut(x, in, n, 1))
	return n, g.ReLU(y)
}

// dilated bottleneck unit: the single 3x3 spatial convolution carries the
// dilation; kind 1 keeps it standard as the transition from a strided stage.
func (b *builder) dilatedBottleneckBlock(in int, x Handle, n, scale int, kind BlockKind) (int, Handle) {
	g := b.g
	s := g.Conv(x, Conv{Nfeats: n, Size: 1, NoBias: true})
	s = g.BatchNorm(s)
	s = g.ReLU(s)
	switch kind {
	case KindTransition:
		s = g.Conv(s, Conv{Nfeats: n, Size: 3, Pad: 1, NoBias: true})
	case KindRamp:
		s = g.Conv(s, Conv{Nfeats: n, Size: 3, Pad: scale / 2, Dilation: scale / 2, NoBias: true})
	case KindSteady, KindNoResidual:
		s = g.Conv(s, Conv{Nfeats: n, Size: 3, Pad: scale, Dilation: scale, NoBias: true})
	default:
		panic(fmt.Sprintf("invalid block kind: %d", kind))
	}
	s = g.BatchNorm(s)
	s = g.ReLU(s)
	s = g.Conv(s, Conv{Nfeats: 4 * n, Size: 1, NoBias: true})
	s = g.BatchNorm(s)
	if kind == KindNoResidual {
		return 4 * n, g.ReLU(s)
	}
	y := g.Merge(s, b.shortcut(x, in, 4*n, 1))
	return 4 * n, g.ReLU(y)
}

// uniformStage stacks count blocks, applying the stage stride to the first
// block only.
func (b *builder) uniformStage(block blockFunc, in int, x Handle, width, count, stride int) (int, Handle) {
	for i := 0; i < count; i++ {
		s := 1
		if i == 0 {
			s = stride
		}
		in, x = block(in, x, width, s)
	}
	return in, x
}

// dilatedStage stacks count dilated blocks at the given scale. The first
// unit transitions from a strided stage or ramps from a previous dilated
// stage, the rest run at steady state.
func (b *builder) dilatedStage(block dilatedBlockFunc, in int, x Handle, width, count, scale int, first bool) (int, Handle) {
	kind := KindRamp
	if first {
		kind = KindTransition
	}
	in, x = block(in, x, width, scale, kind)
	for i := 1; i < count; i++ {
		in, x = block(in, x, width, scale, KindSteady)
	}
	return in, x
}

// terminalDilatedStage stacks count trailing units which enlarge the
// receptive field without changing the spatial scale; without residual the
// shortcut merge is omitted entirely.
func (b *builder) terminalDilatedStage(block dilatedBlockFunc, in int, x Handle, width, count, scale int, withResidual bool) (int, Handle) {
	kind := KindNoResidual
	if withResidual {
		kind = KindSteady
	}
	for i := 0; i < count; i++ {
		in, x = block(in, x, width, scale, kind)
	}
	return in, x
}

// Per depth stage table for the full resolution family.
type stageConfig struct {
	units      [4]int
	width      int
	bottleneck bool
}

var fullStageCfg = map[int]stageConfig{
	18:  {[4]int{2, 2, 2, 2}, 512, false},
	34:  {[4]int{3, 4, 6, 3}, 512, false},
	50:  {[4]int{3, 4, 6, 3}, 2048, true},
	101: {[4]int{3, 4, 23, 3}, 2048, true},
	152: {[4]int{3, 8, 36, 3}, 2048, true},
}

type stageKind int

const (
	stageUniform stageKind = iota
	stageDilated
	stageTerminal
)

type blockType int

const (
	blockBasic blockType = iota
	blockBottleneck
)

// stagePlan is one resolved stage of the build plan.
type stagePlan struct {
	kind         stageKind
	block        blockType
	width        int
	count        int
	stride       int // uniform stages
	scale        int // dilated stages
	first        bool
	withResidual bool
}

// netPlan drives the stage builder calls for one configuration. It is
// created per build and discarded once the graph exists.
type netPlan struct {
	inShape  []int
	stem     Conv
	stemPool bool
	stages   []stagePlan
	poolSize int
	classes  int
	width    int
}

func planNetwork(conf Config) netPlan {
	switch conf.Family {
	case Small10, Small100:
		n := (conf.Depth - 2) / 6
		return netPlan{
			inShape: []int{3, 32, 32},
			stem:    Conv{Nfeats: 16, Size: 3, Pad: 1, NoBias: true},
			stages: []stagePlan{
				{kind: stageUniform, block: blockBasic, width: 16, count: n, stride: 1},
				{kind: stageDilated, block: blockBasic, width: 32, count: n, scale: 2, first: true},
				{kind: stageTerminal, block: blockBasic, width: 64, count: n, scale: 4},
			},
			poolSize: 32,
			classes:  conf.Classes(),
			width:    64,
		}
	case Full:
		cfg := fullStageCfg[conf.Depth]
		block := blockBasic
		if cfg.bottleneck {
			block = blockBottleneck
		}
		d := cfg.units
		plan := netPlan{
			inShape:  []int{3, 224, 224},
			poolSize: 28,
			classes:  conf.Classes(),
			width:    cfg.width,
		}
		switch conf.Variant {
		case VariantA:
			plan.stem = Conv{Nfeats: 64, Size: 7, Stride: 2, Pad: 3, NoBias: true}
			plan.stemPool = true
			plan.stages = []stagePlan{
				{kind: stageUniform, block: block, width: 64, count: d[0], stride: 1},
				{kind: stageUniform, block: block, width: 128, count: d[1], stride: 2},
				{kind: stageDilated, block: block, width: 256, count: d[2], scale: 2, first: true},
				{kind: stageDilated, block: block, width: 512, count: d[3], scale: 4},
			}
		case VariantB, VariantC:
			withRes := conf.Variant == VariantB
			plan.stem = Conv{Nfeats: 16, Size: 7, Pad: 3, NoBias: true}
			plan.stages = []stagePlan{
				{kind: stageUniform, block: blockBasic, width: 16, count: 1, stride: 1},
				{kind: stageUniform, block: blockBasic, width: 32, count: 1, stride: 2},
				{kind: stageUniform, block: block, width: 64, count: d[0], stride: 2},
				{kind: stageUniform, block: block, width: 128, count: d[1], stride: 2},
				{kind: stageDilated, block: block, width: 256, count: d[2], scale: 2, first: true},
				{kind: stageDilated, block: block, width: 512, count: d[3], scale: 4},
				{kind: stageTerminal, block: block, width: 512, count: 1, scale: 2, withResidual: withRes},
				{kind: stageTerminal, block: block, width: 512, count: 1, scale: 1, withResidual: withRes},
			}
		}
		return plan
	}
	panic(fmt.Sprintf("invalid dataset family: %q", conf.Family))
}

func (b *builder) stage(p stagePlan, in int, x Handle) (int, Handle) {
	switch p.kind {
	case stageUniform:
		return b.uniformStage(b.blockCtor(p.block), in, x, p.width, p.count, p.stride)
	case stageDilated:
		return b.dilatedStage(b.dilatedCtor(p.block), in, x, p.width, p.count, p.scale, p.first)
	case stageTerminal:
		return b.terminalDilatedStage(b.dilatedCtor(p.block), in, x, p.width, p.count, p.scale, p.withResidual)
	}
	panic(fmt.Sprintf("invalid stage kind: %d", p.kind))
}

func (b *builder) blockCtor(t blockType) blockFunc {
	if t == blockBottleneck {
		return b.bottleneckBlock
	}
	return b.basicBlock
}

func (b *builder) dilatedCtor(t blockType) dilatedBlockFunc {
	if t == blockBottleneck {
		return b.dilatedBottleneckBlock
	}
	return b.dilatedBasicBlock
}

// Build constructs the network graph for the given configuration, assigns
// initial weights and casts the result to the configured precision. Returns
// the network and the loss handle for the external training loop. All errors
// are configuration errors: construction is deterministic, so a failure
// always means the caller must fix the config and rebuild.
func Build(dev num.Device, conf Config) (*Network, Loss, error) {
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, "", err
	}
	plan := planNetwork(conf)
	g, x := NewGraph(dev, plan.inShape)
	b := &builder{g: g, policy: conf.Shortcut}
	x = g.Conv(x, plan.stem)
	x = g.BatchNorm(x)
	x = g.ReLU(x)
	in := plan.stem.Nfeats
	if plan.stemPool {
		x = g.Pool(x, Pool{Size: 3, Stride: 2, Pad: 1})
	}
	for _, p := range plan.stages {
		in, x = b.stage(p, in, x)
	}
	x = g.Pool(x, Pool{Size: plan.poolSize, Stride: 1, Average: true})
	x = g.Flatten(x)
	g.Linear(x, plan.classes)
	if err := g.Validate(); err != nil {
		return nil, "", fmt.Errorf("graph invariant violated: %v", err)
	}
	net := &Network{Config: conf, Graph: g, dev: dev}
	net.InitWeights(conf.RandSeed)
	net.CastTo(conf.Precision)
	return net, SoftmaxCrossEntropy, nil
}
