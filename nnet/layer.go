package nnet

import (
	"encoding/json"
	"fmt"
)

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

// ConfigLayer is the descriptor for one graph operation. Each descriptor
// knows its output shape given the input shape, where shapes are
// [channels, height, width] before the flatten and [features] after it.
type ConfigLayer interface {
	Marshal() LayerConfig
	OutShape(inShape []int) []int
	ToString() string
}

// Unmarshal JSON data and construct the layer descriptor
func (l LayerConfig) Unmarshal() ConfigLayer {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		unmarshal(l.Data, cfg)
		return *cfg
	case "batchNorm":
		return BatchNorm{}
	case "activation":
		cfg := new(Activation)
		unmarshal(l.Data, cfg)
		return *cfg
	case "pool":
		cfg := new(Pool)
		unmarshal(l.Data, cfg)
		return *cfg
	case "linear":
		cfg := new(Linear)
		unmarshal(l.Data, cfg)
		return *cfg
	case "channelPad":
		cfg := new(ChannelPad)
		unmarshal(l.Data, cfg)
		return *cfg
	case "eltwiseAdd":
		return EltwiseAdd{}
	case "flatten":
		return Flatten{}
	default:
		panic("invalid layer type: " + l.Type)
	}
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Convolutional layer. Stride and Dilation default to 1, Pad is the spatial
// padding on each edge. Dilation spaces the kernel taps so the effective
// kernel extent is Dilation*(Size-1)+1.
type Conv struct {
	Nfeats   int
	Size     int
	Stride   int  `json:",omitempty"`
	Pad      int  `json:",omitempty"`
	Dilation int  `json:",omitempty"`
	NoBias   bool `json:",omitempty"`
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	if c.Dilation == 0 {
		c.Dilation = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c Conv) OutShape(inShape []int) []int {
	stride, dilation := c.Stride, c.Dilation
	if stride == 0 {
		stride = 1
	}
	if dilation == 0 {
		dilation = 1
	}
	span := dilation*(c.Size-1) + 1
	h := (inShape[1]+2*c.Pad-span)/stride + 1
	w := (inShape[2]+2*c.Pad-span)/stride + 1
	return []int{c.Nfeats, h, w}
}

// Spatial batch normalisation layer, should follow a conv layer.
type BatchNorm struct{}

func (c BatchNorm) Marshal() LayerConfig {
	return LayerConfig{Type: "batchNorm"}
}

func (c BatchNorm) ToString() string { return "batchNorm" }

func (c BatchNorm) OutShape(inShape []int) []int {
	return append([]int{}, inShape...)
}

// Activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c Activation) OutShape(inShape []int) []int {
	return append([]int{}, inShape...)
}

// Max or average pooling layer. Stride defaults to Size.
type Pool struct {
	Size    int
	Stride  int  `json:",omitempty"`
	Pad     int  `json:",omitempty"`
	Average bool `json:",omitempty"`
}

func (c Pool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "pool", Data: marshal(c)}
}

func (c Pool) ToString() string {
	return fmt.Sprintf("pool %+v", c)
}

func (c Pool) OutShape(inShape []int) []int {
	stride := c.Stride
	if stride == 0 {
		stride = c.Size
	}
	h := (inShape[1]+2*c.Pad-c.Size)/stride + 1
	w := (inShape[2]+2*c.Pad-c.Size)/stride + 1
	return []int{inShape[0], h, w}
}

// Linear fully connected layer.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c Linear) OutShape(inShape []int) []int {
	return []int{c.Nout}
}

// ChannelPad layer appends zero filled channels up to Nout, used by the
// zero-padded identity shortcut.
type ChannelPad struct {
	Nout int
}

func (c ChannelPad) Marshal() LayerConfig {
	return LayerConfig{Type: "channelPad", Data: marshal(c)}
}

func (c ChannelPad) ToString() string {
	return fmt.Sprintf("channelPad %+v", c)
}

func (c ChannelPad) OutShape(inShape []int) []int {
	return []int{c.Nout, inShape[1], inShape[2]}
}

// EltwiseAdd merges the transform and shortcut paths of a residual unit.
type EltwiseAdd struct{}

func (c EltwiseAdd) Marshal() LayerConfig {
	return LayerConfig{Type: "eltwiseAdd"}
}

func (c EltwiseAdd) ToString() string { return "eltwiseAdd" }

func (c EltwiseAdd) OutShape(inShape []int) []int {
	return append([]int{}, inShape...)
}

// Flatten layer reshapes from 3 to 1 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

func (c Flatten) ToString() string { return "flatten" }

func (c Flatten) OutShape(inShape []int) []int {
	n := 1
	for _, d := range inShape {
		n *= d
	}
	return []int{n}
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}
