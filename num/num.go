// Package num contains the tensor runtime capabilities consumed by the network
// builder: typed parameter arrays and the device which allocates them. The
// builder only creates and initialises arrays; executing the graph is the job
// of whichever runtime implements these interfaces.
package num

import "fmt"

// Data type of an element of the array
type DataType int

const (
	Float32 DataType = iota
	Float16
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Array interface type represents an opaque tensor handle.
type Array interface {
	Dims() []int
	Dtype() DataType
	Size() int
}

// Device interface allocates arrays for the layer parameters.
type Device interface {
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
}

// Create a new reference CPU device.
func NewCPUDevice() Device {
	return cpuDevice{}
}

type cpuDevice struct{}

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	a := &arrayCPU{dims: append([]int{}, dims...), dtype: dtype}
	n := Prod(dims)
	switch dtype {
	case Float32:
		a.f32 = make([]float32, n)
	case Float16:
		a.f16 = make([]uint16, n)
	default:
		panic("NewArray: invalid data type")
	}
	return a
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return d.NewArray(a.Dtype(), a.Dims()...)
}

type arrayCPU struct {
	dims  []int
	dtype DataType
	f32   []float32
	f16   []uint16
}

func (a *arrayCPU) Dims() []int { return a.dims }

func (a *arrayCPU) Dtype() DataType { return a.dtype }

func (a *arrayCPU) Size() int { return Prod(a.dims) }

// Product of elements of the array
func Prod(arr []int) int {
	prod := 1
	for _, x := range arr {
		prod *= x
	}
	return prod
}

// Read data from array into a float32 slice, converting from the storage type.
func Read(a Array, data []float32) {
	arr := a.(*arrayCPU)
	if len(data) != arr.Size() {
		panic("Read: length mismatch")
	}
	switch arr.dtype {
	case Float32:
		copy(data, arr.f32)
	case Float16:
		for i, v := range arr.f16 {
			data[i] = Float16ToF32(v)
		}
	default:
		panic("Read: invalid data type")
	}
}

// Write data from a float32 slice into the given array.
func Write(a Array, data []float32) {
	arr := a.(*arrayCPU)
	if len(data) != arr.Size() {
		panic("Write: length mismatch")
	}
	switch arr.dtype {
	case Float32:
		copy(arr.f32, data)
	case Float16:
		for i, v := range data {
			arr.f16[i] = Float16FromF32(v)
		}
	default:
		panic("Write: invalid data type")
	}
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) {
	arr := a.(*arrayCPU)
	switch arr.dtype {
	case Float32:
		for i := range arr.f32 {
			arr.f32[i] = scalar
		}
	case Float16:
		v := Float16FromF32(scalar)
		for i := range arr.f16 {
			arr.f16[i] = v
		}
	}
}

// Cast returns a copy of the array converted to the given element type.
// Casting to the array's own type returns it unchanged.
func Cast(dev Device, a Array, dtype DataType) Array {
	if a.Dtype() == dtype {
		return a
	}
	data := make([]float32, a.Size())
	Read(a, data)
	out := dev.NewArray(dtype, a.Dims()...)
	Write(out, data)
	return out
}
