// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

var impl = blas32.Implementation()

// Read data from array into a slice.
func Read(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic("Read: buffer too small")
	}
	return args("copy", func(int) {
		copy(data, a.Data()[:a.Size()])
	})
}

// Write data from a slice into the given array.
func Write(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic("Write: buffer too small")
	}
	return args("copy", func(int) {
		copy(a.Data(), data[:a.Size()])
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		d := a.Data()
		for i := range d {
			d[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) {
		return args("copy", func(int) { copy(dst.Data(), src.Data()) })
	} else if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] {
		return tile1(dst, src, ddim)
	} else if len(sdim) == 2 && sdim[1] == 1 && len(ddim) == 2 && sdim[0] == ddim[0] {
		return args("tile0", func(int) {
			d, s := dst.Data(), src.Data()
			rows := ddim[0]
			for j := 0; j < ddim[1]; j++ {
				copy(d[j*rows:(j+1)*rows], s)
			}
		})
	} else if len(sdim) == 2 && sdim[0] == 1 && len(ddim) == 2 && sdim[1] == ddim[1] {
		return tile1(dst, src, ddim)
	} else {
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

func tile1(dst, src Array, ddim []int) Function {
	return args("tile1", func(int) {
		d, s := dst.Data(), src.Data()
		rows := ddim[0]
		for j := 0; j < ddim[1]; j++ {
			for i := 0; i < rows; i++ {
				d[i+j*rows] = s[j]
			}
		}
	})
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return args("neq", func(int) {
		xd, yd, rd := x.Data(), y.Data(), res.Data()
		for i := range rd {
			if xd[i] != yd[i] {
				rd[i] = 1
			} else {
				rd[i] = 0
			}
		}
	})
}

// Threshold sets y to 1 where x > level else 0
func Threshold(x, y Array, level float32) Function {
	if x.Size() != y.Size() {
		panic("Threshold: arrays must be same size")
	}
	return args("threshold", func(int) {
		xd, yd := x.Data(), y.Data()
		for i, v := range xd[:x.Size()] {
			if v > level {
				yd[i] = 1
			} else {
				yd[i] = 0
			}
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	return args("scale", func(int) {
		impl.Sscal(x.Size(), alpha, x.Data(), 1)
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic("Axpy: arrays must be same shape")
	}
	return args("axpy", func(int) {
		impl.Saxpy(x.Size(), alpha, x.Data(), 1, y.Data(), 1)
	})
}

// Transpose sets mB to a copy of mA with the data transposed.
func Transpose(mA, mB Array) Function {
	adim, bdim := mA.Dims(), mB.Dims()
	if len(adim) != 2 || len(bdim) != 2 {
		panic("Transpose: arrays must be 2D")
	}
	if adim[0] != bdim[1] || adim[1] != bdim[0] {
		panic("Transpose: destination matrix is wrong shape")
	}
	return args("trans", func(int) {
		a, b := mA.Data(), mB.Data()
		rows, cols := adim[0], adim[1]
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				b[j+i*cols] = a[i+j*rows]
			}
		}
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 {
		panic("Sum: result type should be scalar")
	}
	return args("sum", func(int) {
		sum := float32(0)
		for _, v := range a.Data()[:a.Size()] {
			sum += v
		}
		total.Data()[0] = scale * sum
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// column major m x n matrix is the row major n x m transpose
	t := blas.Trans
	if aTrans == Trans {
		t = blas.NoTrans
	}
	return args("gemv", func(int) {
		impl.Sgemv(t, n, m, alpha, mA.Data(), m, x.Data(), 1, beta, y.Data(), 1)
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func(int) {
		gemm(alpha, beta, mA.Data(), mB.Data(), mC.Data(), adim[0], bdim[0], m, n, k, aTrans, bTrans)
	})
}

// column major gemm: C(m x n) = alpha*op(A)*op(B) + beta*C computed as the row major C' = op(B)'*op(A)'
func gemm(alpha, beta float32, a, b, c []float32, lda, ldb, m, n, k int, aTrans, bTrans TransType) {
	impl.Sgemm(bTrans.blas(), aTrans.blas(), n, m, k, alpha, b, ldb, a, lda, beta, c, m)
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, sigmoid)
}

func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(x, g float32) float32 {
		s := sigmoid(x)
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(x, g float32) float32 {
		t := float32(math.Tanh(float64(x)))
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return elemFunc("quad_loss", x, y, res, func(x, y float32) float32 {
		return (x - y) * (x - y)
	})
}

// Binary cross entropy loss function for target x and predicted probability y
func CrossEntropyLoss(x, y, res Array) Function {
	const eps = 1e-7
	return elemFunc("xentropy_loss", x, y, res, func(t, p float32) float32 {
		pd := math.Min(math.Max(float64(p), eps), 1-eps)
		td := float64(t)
		return float32(-(td*math.Log(pd) + (1-td)*math.Log(1-pd)))
	})
}

// Adam optimiser update step t for weights w with gradient sum dw. m and v hold the moment estimates.
func Adam(w, dw, m, v Array, eta, beta1, beta2, eps, scale float32, t int) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("Adam: arrays must be same shape")
	}
	return args("adam", func(int) {
		b1t := 1 - math.Pow(float64(beta1), float64(t))
		b2t := 1 - math.Pow(float64(beta2), float64(t))
		lr := float32(float64(eta) * math.Sqrt(b2t) / b1t)
		wd, gd, md, vd := w.Data(), dw.Data(), m.Data(), v.Data()
		for i := range wd[:w.Size()] {
			g := gd[i] * scale
			md[i] = beta1*md[i] + (1-beta1)*g
			vd[i] = beta2*vd[i] + (1-beta2)*g*g
			wd[i] -= lr * md[i] / (float32(math.Sqrt(float64(vd[i]))) + eps)
		}
	})
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func unaryFunc(desc string, x, y Array, fn func(float32) float32) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic("UnaryFunc: arrays must be same shape")
	}
	return args(desc, func(int) {
		xd, yd := x.Data(), y.Data()
		for i, v := range xd[:x.Size()] {
			yd[i] = fn(v)
		}
	})
}

func binaryFunc(desc string, x, y, z Array, fn func(x, y float32) float32) Function {
	if !SameShape(x.Dims(), z.Dims()) || !SameShape(y.Dims(), z.Dims()) {
		panic("BinaryFunc: arrays must be same shape")
	}
	return args(desc, func(int) {
		xd, yd, zd := x.Data(), y.Data(), z.Data()
		for i := range zd[:z.Size()] {
			zd[i] = fn(xd[i], yd[i])
		}
	})
}

// as binaryFunc but only requires the same number of elements, e.g. [1 n] labels vs [n] predictions
func elemFunc(desc string, x, y, z Array, fn func(x, y float32) float32) Function {
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("ElemFunc: arrays must be same size")
	}
	return args(desc, func(int) {
		xd, yd, zd := x.Data(), y.Data(), z.Data()
		for i := range zd[:z.Size()] {
			zd[i] = fn(xd[i], yd[i])
		}
	})
}
