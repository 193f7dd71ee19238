package nnet

import (
	"math"
	"testing"

	"github.com/foelin/drn/num"
	"gonum.org/v1/gonum/stat"
)

func TestConvInit(t *testing.T) {
	net := build(t, Config{Family: Full, Depth: 18, Variant: VariantA, RandSeed: 1})
	for i, n := range net.Graph.Nodes {
		if n.Role != RoleConvKernel {
			continue
		}
		dims := n.W.Dims()
		want := math.Sqrt(2 / float64(dims[2]*dims[3]*dims[0]))
		w := make([]float32, n.W.Size())
		num.Read(n.W, w)
		data := make([]float64, len(w))
		var mean float64
		for j, v := range w {
			data[j] = float64(v)
			mean += float64(v)
		}
		mean /= float64(len(w))
		got := stat.StdDev(data, nil)
		if math.Abs(got-want)/want > 0.15 {
			t.Errorf("conv %d %v: stddev = %.4f, want %.4f", i, dims, got, want)
		}
		if math.Abs(mean) > want {
			t.Errorf("conv %d %v: mean = %.4f, not centred on zero", i, dims, mean)
		}
		if n.B != nil {
			b := make([]float32, n.B.Size())
			num.Read(n.B, b)
			for _, v := range b {
				if v != 0 {
					t.Errorf("conv %d: bias not zeroed", i)
					break
				}
			}
		}
	}
}

func TestNormInit(t *testing.T) {
	net := build(t, Config{Family: Small10, Depth: 20})
	for i, n := range net.Graph.Nodes {
		if n.Role != RoleNormScale {
			continue
		}
		w := make([]float32, n.W.Size())
		b := make([]float32, n.B.Size())
		num.Read(n.W, w)
		num.Read(n.B, b)
		for j := range w {
			if w[j] != 1 {
				t.Fatalf("norm %d: scale[%d] = %v, want 1", i, j, w[j])
			}
			if b[j] != 0 {
				t.Fatalf("norm %d: shift[%d] = %v, want 0", i, j, b[j])
			}
		}
	}
}

func TestClassifierInit(t *testing.T) {
	net := build(t, Config{Family: Small10, Depth: 20, RandSeed: 7})
	for i, n := range net.Graph.Nodes {
		if n.Role != RoleClassifier {
			continue
		}
		dims := n.W.Dims()
		limit := float32(1 / math.Sqrt(float64(dims[1])))
		w := make([]float32, n.W.Size())
		num.Read(n.W, w)
		nonzero := false
		for _, v := range w {
			if v < -limit || v > limit {
				t.Fatalf("classifier %d: weight %v outside [%v, %v]", i, v, -limit, limit)
			}
			if v != 0 {
				nonzero = true
			}
		}
		if !nonzero {
			t.Errorf("classifier %d: weights were not initialised", i)
		}
		b := make([]float32, n.B.Size())
		num.Read(n.B, b)
		for _, v := range b {
			if v != 0 {
				t.Errorf("classifier %d: bias not zeroed", i)
				break
			}
		}
	}
}

func TestCastFloat16(t *testing.T) {
	net := build(t, Config{Family: Small10, Depth: 20, Precision: PrecisionFloat16})
	for i, n := range net.Graph.Nodes {
		if n.W == nil {
			continue
		}
		if n.W.Dtype() != num.Float16 {
			t.Errorf("node %d: weight dtype = %v, want float16", i, n.W.Dtype())
		}
		if n.B != nil && n.B.Dtype() != num.Float16 {
			t.Errorf("node %d: bias dtype = %v, want float16", i, n.B.Dtype())
		}
		if n.Role == RoleNormScale {
			// exact values must survive the cast
			w := make([]float32, n.W.Size())
			num.Read(n.W, w)
			for _, v := range w {
				if v != 1 {
					t.Fatalf("node %d: norm scale = %v after cast", i, v)
				}
			}
		}
	}
}
