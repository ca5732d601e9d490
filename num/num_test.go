package num

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(6)
	x = x.Reshape(2, 3)
	assert.Equal(t, []int{2, 3}, x.Dims())
	assert.Equal(t, []int{3, 2}, x.Reshape(-1, 2).Dims())
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	assert.Equal(t, xd, res)
	assert.Panics(t, func() { x.Reshape(4, 2) })
	t.Logf("x\n%s", x.String(q))
}

func TestCopy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	// tile columns
	y := dev.NewArray(2, 1)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{1, 2}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	assert.Equal(t, []float32{1, 2, 1, 2, 1, 2}, res)
	// tile rows
	y = dev.NewArray(3)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	assert.Equal(t, []float32{3, 3, 2, 2, 1, 1}, res)
}

func TestTranspose(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	y := dev.NewArray(3, 2)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Transpose(x, y),
		Read(y, res),
	).Finish()
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3}, res)
}

func TestAxpy(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	y := dev.NewArray(2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Fill(y, 0.5),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	assert.Equal(t, []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}, res)
	q.Call(Scale(2, y), Read(y, res)).Finish()
	assert.Equal(t, []float32{5, 5, 9, 9, 13, 13}, res)
}

func TestSum(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	sum := dev.NewArray()
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	assert.InDelta(t, 3.5, res[0], 1e-6)
	// sum for each column
	sum = dev.NewArray(3)
	res = make([]float32, 3)
	ones := dev.NewArray(2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, Trans),
		Read(sum, res),
	).Finish()
	assert.Equal(t, []float32{3, 7, 11}, res)
	// sum for each row
	ones = dev.NewArray(3)
	sum = dev.NewArray(2)
	res = make([]float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, NoTrans),
		Read(sum, res),
	).Finish()
	assert.Equal(t, []float32{9, 12}, res)
}

func TestGemm(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	y := dev.NewArray(3, 2)
	z := dev.NewArray(2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		assert.Equal(t, []float32{58, 139, 64, 154}, res, "trans=%v", trans)
	}
	assert.Panics(t, func() { Gemm(1, 0, x, x, z, NoTrans, NoTrans) })
}

func TestActivation(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(4)
	y := dev.NewArray(4)
	g := dev.NewArray(4)
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{-2, -0.5, 0.5, 2}),
		Relu(x, y),
		Read(y, res),
	).Finish()
	assert.Equal(t, []float32{0, 0, 0.5, 2}, res)
	q.Call(
		Fill(g, 3),
		ReluD(x, g, y),
		Read(y, res),
	).Finish()
	assert.Equal(t, []float32{0, 0, 3, 3}, res)
	q.Call(Sigmoid(x, y), Read(y, res)).Finish()
	for i, v := range []float64{-2, -0.5, 0.5, 2} {
		assert.InDelta(t, 1/(1+math.Exp(-v)), res[i], 1e-6)
	}
	q.Call(Threshold(y, g, 0.5), Read(g, res)).Finish()
	assert.Equal(t, []float32{0, 0, 1, 1}, res)
}

func TestLoss(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	y := dev.NewArray(1, 3)
	p := dev.NewArray(3)
	loss := dev.NewArray(3)
	res := make([]float32, 3)
	q.Call(
		Write(y, []float32{1, 0, 1}),
		Write(p, []float32{0.5, 0.5, 1}),
		CrossEntropyLoss(y, p, loss),
		Read(loss, res),
	).Finish()
	assert.InDelta(t, math.Ln2, res[0], 1e-6)
	assert.InDelta(t, math.Ln2, res[1], 1e-6)
	assert.InDelta(t, 0, res[2], 1e-6)
	q.Call(QuadraticLoss(y, p, loss), Read(loss, res)).Finish()
	assert.Equal(t, []float32{0.25, 0.25, 0}, res)
}

func TestAdam(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(1)
	w, dw, m, v := dev.NewArray(2), dev.NewArray(2), dev.NewArray(2), dev.NewArray(2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, 1}),
		Write(dw, []float32{0.5, -0.5}),
		Adam(w, dw, m, v, 0.001, 0.9, 0.999, 1e-8, 1, 1),
		Read(w, res),
	).Finish()
	// first step moves each weight by the learning rate against the gradient sign
	assert.InDelta(t, 0.999, res[0], 1e-6)
	assert.InDelta(t, 1.001, res[1], 1e-6)
}

func TestProfile(t *testing.T) {
	dev := NewDevice()
	q := dev.NewQueue(2)
	assert.Equal(t, 2, q.Threads())
	q.Profiling(true)
	x := dev.NewArray(10)
	for i := 0; i < QueueSize+5; i++ {
		q.Call(Fill(x, float32(i)))
	}
	q.Finish()
	require.Contains(t, q.Profile(), "fill")
	assert.Contains(t, q.Profile(), fmt.Sprintf("%d calls", QueueSize+5))
	t.Log(dev)
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	dev := NewDevice()
	q := dev.NewQueue(4)
	x := dev.NewArray(size, size)
	y := dev.NewArray(size, size)
	z := dev.NewArray(size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}
