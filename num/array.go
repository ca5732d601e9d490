package num

import (
	"fmt"
	"math"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array is an n dimensional tensor stored in column major order, so the first dimension varies
// fastest. Batches of samples use the last dimension.
type Array interface {
	// Dims returns the shape of the array in rows, cols, ... order
	Dims() []int
	// Size is total number of elements
	Size() int
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Reference to the raw data
	Data() []float32
	// Formatted output
	String(q Queue) string
	// Release any allocated memory
	Release()
}

// array resident in main memory
type arrayCPU struct {
	arrayBase
	data []float32
}

func (d cpuDevice) NewArray(dims ...int) Array {
	return newArrayCPU(dims, make([]float32, Prod(dims)))
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return newArrayCPU(a.Dims(), make([]float32, a.Size()))
}

// View returns an array of the given shape which shares the leading elements of the data in a.
func View(a Array, dims ...int) Array {
	size := Prod(dims)
	if size > a.Size() {
		panic(fmt.Sprintf("View: %v is larger than source array %v", dims, a.Dims()))
	}
	return newArrayCPU(dims, a.Data()[:size])
}

func newArrayCPU(dims []int, data []float32) *arrayCPU {
	dims = append([]int{}, dims...)
	return &arrayCPU{arrayBase: arrayBase{size: Prod(dims), dims: dims}, data: data}
}

func (a *arrayCPU) Data() []float32 { return a.data }

func (a *arrayCPU) Release() {}

func (a *arrayCPU) Reshape(dims ...int) Array {
	return &arrayCPU{arrayBase: a.reshape(dims), data: a.data}
}

func (a *arrayCPU) String(q Queue) string { return toString(a, q) }

// common array functions
type arrayBase struct {
	size int
	dims []int
}

func (a arrayBase) Size() int { return a.size }

func (a arrayBase) Dims() []int { return a.dims }

func (a arrayBase) reshape(dims []int) arrayBase {
	dims = append([]int{}, dims...)
	n := a.size
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic("reshape must be to array of same size")
	}
	return arrayBase{size: n, dims: dims}
}

// toString prints one matrix row per line. Arrays with more than 2 dims are printed
// as a sequence of matrices over the trailing dimensions.
func toString(a Array, q Queue) string {
	data := make([]float32, a.Size())
	q.Call(Read(a, data)).Finish()
	dims := a.Dims()
	var b strings.Builder
	switch len(dims) {
	case 0:
		b.WriteString(formatValue(data[0]))
	case 1:
		writeRow(&b, data, 0, 1, dims[0])
	default:
		rows, cols := dims[0], dims[1]
		mats := Prod(dims[2:])
		for m := 0; m < mats; m++ {
			if mats > 1 {
				fmt.Fprintf(&b, "[%d]\n", m)
			}
			base := m * rows * cols
			forEach(rows, func(i int) {
				writeRow(&b, data, base+i, rows, cols)
				b.WriteByte('\n')
			}, func() { b.WriteString(" ...\n") })
		}
	}
	return b.String()
}

// row of n values starting at offset with given stride
func writeRow(b *strings.Builder, data []float32, offset, stride, n int) {
	b.WriteByte('[')
	forEach(n, func(i int) {
		b.WriteString(formatValue(data[offset+i*stride]))
	}, func() { b.WriteString("    ... ") })
	b.WriteByte(']')
}

// call fn for each index, eliding the middle of long sequences
func forEach(n int, fn func(int), elide func()) {
	for i := 0; i < n; i++ {
		if n > PrintThreshold+1 && i == PrintEdgeitems {
			elide()
			i = n - PrintEdgeitems - 1
			continue
		}
		fn(i)
	}
}

func formatValue(v float32) string {
	if v > -1 && v < 1 {
		v = float32(math.Round(10000*float64(v))) / 10000
	}
	return fmt.Sprintf("%7.5g ", v)
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}

// Release one or more arrays
func Release(arr ...Array) {
	for _, a := range arr {
		if a != nil {
			a.Release()
		}
	}
}
