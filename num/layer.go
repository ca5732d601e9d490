package num

import (
	"fmt"
	"math"
	"math/rand"
)

// Layer interface type represents a DNN layer. Shapes exclude the trailing batch dimension.
type Layer interface {
	Type() string
	InShape() []int
	OutShape() []int
}

type layerShape struct {
	name     string
	inShape  []int
	outShape []int
}

func (l *layerShape) Type() string { return l.name }

func (l *layerShape) InShape() []int { return l.inShape }

func (l *layerShape) OutShape() []int { return l.outShape }

func (l *layerShape) String() string {
	return fmt.Sprintf("[%s]  inShape=%v  outShape=%v", l.name, l.inShape, l.outShape)
}

// batch size from last dimension of the array
func batchSize(a Array) int {
	dims := a.Dims()
	return dims[len(dims)-1]
}

// per worker scratch buffers, reserve must be called before the workers are started
type workspace [][]float32

func (w *workspace) reserve(workers int) {
	for len(*w) < workers {
		*w = append(*w, nil)
	}
}

func (w *workspace) get(worker, size int) []float32 {
	if len((*w)[worker]) < size {
		(*w)[worker] = make([]float32, size)
	}
	return (*w)[worker][:size]
}

// ConvLayer holds the geometry of a 2d convolution over [width height depth batch] input.
type ConvLayer struct {
	layerShape
	w, h, d        int
	wOut, hOut     int
	nFeats, size   int
	stride, pad    int
	col, dcol, dwP workspace
	dbP            workspace
}

// Setup new convolution layer
func NewConvLayer(depth, h, w, nFeats, size, stride, pad int) *ConvLayer {
	wOut := outSize(w, size, stride, pad)
	hOut := outSize(h, size, stride, pad)
	return &ConvLayer{
		layerShape: layerShape{name: "conv", inShape: []int{w, h, depth}, outShape: []int{wOut, hOut, nFeats}},
		w:          w, h: h, d: depth,
		wOut: wOut, hOut: hOut,
		nFeats: nFeats, size: size, stride: stride, pad: pad,
	}
}

// FilterShape is the weight array shape: [size size depth nFeats]
func (l *ConvLayer) FilterShape() []int { return []int{l.size, l.size, l.d, l.nFeats} }

func (l *ConvLayer) BiasShape() []int { return []int{l.nFeats} }

func (l *ConvLayer) kdim() int { return l.size * l.size * l.d }

// unpack input patches for sample b into col matrix [wOut*hOut, size*size*depth]
func (l *ConvLayer) im2col(x, col []float32) {
	P := l.wOut * l.hOut
	for c := 0; c < l.d; c++ {
		for ky := 0; ky < l.size; ky++ {
			for kx := 0; kx < l.size; kx++ {
				k := kx + ky*l.size + c*l.size*l.size
				dst := col[k*P : (k+1)*P]
				for oy := 0; oy < l.hOut; oy++ {
					iy := oy*l.stride + ky - l.pad
					for ox := 0; ox < l.wOut; ox++ {
						ix := ox*l.stride + kx - l.pad
						if iy < 0 || iy >= l.h || ix < 0 || ix >= l.w {
							dst[ox+oy*l.wOut] = 0
						} else {
							dst[ox+oy*l.wOut] = x[ix+iy*l.w+c*l.w*l.h]
						}
					}
				}
			}
		}
	}
}

// accumulate col matrix gradients back into the input gradient for one sample
func (l *ConvLayer) col2im(dcol, dx []float32) {
	for i := range dx {
		dx[i] = 0
	}
	P := l.wOut * l.hOut
	for c := 0; c < l.d; c++ {
		for ky := 0; ky < l.size; ky++ {
			for kx := 0; kx < l.size; kx++ {
				k := kx + ky*l.size + c*l.size*l.size
				src := dcol[k*P : (k+1)*P]
				for oy := 0; oy < l.hOut; oy++ {
					iy := oy*l.stride + ky - l.pad
					if iy < 0 || iy >= l.h {
						continue
					}
					for ox := 0; ox < l.wOut; ox++ {
						ix := ox*l.stride + kx - l.pad
						if ix >= 0 && ix < l.w {
							dx[ix+iy*l.w+c*l.w*l.h] += src[ox+oy*l.wOut]
						}
					}
				}
			}
		}
	}
}

// Convolution forward propagation: y = conv(x, W) + B
func ConvFprop(l *ConvLayer, x, W, B, y Array) Function {
	return args("conv_fprop", func(threads int) {
		n := batchSize(x)
		inSize, outSize := Prod(l.inShape), Prod(l.outShape)
		P, K := l.wOut*l.hOut, l.kdim()
		xd, yd, wd, bd := x.Data(), y.Data(), W.Data(), B.Data()
		l.col.reserve(threads)
		parallelWorkers(n, threads, func(worker, b int) {
			col := l.col.get(worker, P*K)
			l.im2col(xd[b*inSize:(b+1)*inSize], col)
			yb := yd[b*outSize : (b+1)*outSize]
			gemm(1, 0, col, wd, yb, P, K, P, l.nFeats, K, NoTrans, NoTrans)
			for f := 0; f < l.nFeats; f++ {
				out := yb[f*P : (f+1)*P]
				for i := range out {
					out[i] += bd[f]
				}
			}
		})
	})
}

// Convolution back propagation: sets dW, dB to the gradient summed over the batch and dx to the input gradient.
// dx may be nil for the first layer in the network.
func ConvBprop(l *ConvLayer, x, W, dy, dW, dB, dx Array) Function {
	return args("conv_bprop", func(threads int) {
		n := batchSize(x)
		if threads > n {
			threads = n
		}
		if threads < 1 {
			threads = 1
		}
		inSize, outSize := Prod(l.inShape), Prod(l.outShape)
		P, K, F := l.wOut*l.hOut, l.kdim(), l.nFeats
		xd, wd, dyd := x.Data(), W.Data(), dy.Data()
		for _, ws := range []*workspace{&l.col, &l.dcol, &l.dwP, &l.dbP} {
			ws.reserve(threads)
		}
		for t := 0; t < threads; t++ {
			zero(l.dwP.get(t, K*F))
			zero(l.dbP.get(t, F))
		}
		parallelWorkers(n, threads, func(worker, b int) {
			col := l.col.get(worker, P*K)
			dwp, dbp := l.dwP.get(worker, K*F), l.dbP.get(worker, F)
			l.im2col(xd[b*inSize:(b+1)*inSize], col)
			dyb := dyd[b*outSize : (b+1)*outSize]
			gemm(1, 1, col, dyb, dwp, P, P, K, F, P, Trans, NoTrans)
			for f := 0; f < F; f++ {
				sum := float32(0)
				for _, v := range dyb[f*P : (f+1)*P] {
					sum += v
				}
				dbp[f] += sum
			}
			if dx != nil {
				dcol := l.dcol.get(worker, P*K)
				gemm(1, 0, dyb, wd, dcol, P, K, P, K, F, NoTrans, Trans)
				l.col2im(dcol, dx.Data()[b*inSize:(b+1)*inSize])
			}
		})
		dwd, dbd := dW.Data(), dB.Data()
		zero(dwd)
		zero(dbd)
		for t := 0; t < threads; t++ {
			impl.Saxpy(K*F, 1, l.dwP.get(t, K*F), 1, dwd, 1)
			impl.Saxpy(F, 1, l.dbP.get(t, F), 1, dbd, 1)
		}
	})
}

// PoolLayer holds the geometry of a max pooling layer.
type PoolLayer struct {
	layerShape
	size, stride int
	mask         []int32
}

// Setup new max pooling layer
func NewMaxPoolLayer(inShape []int, size, stride int) *PoolLayer {
	if len(inShape) != 3 {
		panic("MaxPool: expect 3 dimensional input shape")
	}
	wOut := outSize(inShape[0], size, stride, 0)
	hOut := outSize(inShape[1], size, stride, 0)
	return &PoolLayer{
		layerShape: layerShape{name: "maxPool", inShape: inShape, outShape: []int{wOut, hOut, inShape[2]}},
		size:       size,
		stride:     stride,
	}
}

// Max pooling forward propagation, records the index of each maximum for the backward pass.
func MaxPoolFprop(l *PoolLayer, x, y Array) Function {
	return args("maxpool_fprop", func(threads int) {
		n := batchSize(x)
		w, h, c := l.inShape[0], l.inShape[1], l.inShape[2]
		wo, ho := l.outShape[0], l.outShape[1]
		if len(l.mask) < wo*ho*c*n {
			l.mask = make([]int32, wo*ho*c*n)
		}
		xd, yd := x.Data(), y.Data()
		parallel(n*c, threads, func(plane int) {
			in := plane * w * h
			out := plane * wo * ho
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					best := in + ox*l.stride + oy*l.stride*w
					for ky := 0; ky < l.size; ky++ {
						for kx := 0; kx < l.size; kx++ {
							ix := in + (ox*l.stride + kx) + (oy*l.stride+ky)*w
							if xd[ix] > xd[best] {
								best = ix
							}
						}
					}
					yd[out+ox+oy*wo] = xd[best]
					l.mask[out+ox+oy*wo] = int32(best)
				}
			}
		})
	})
}

// Max pooling back propagation: routes each output gradient to the input which was the maximum.
func MaxPoolBprop(l *PoolLayer, dy, dx Array) Function {
	return args("maxpool_bprop", func(int) {
		dxd := dx.Data()
		zero(dxd)
		for i, g := range dy.Data()[:dy.Size()] {
			dxd[l.mask[i]] += g
		}
	})
}

// BatchNormLayer normalises each channel over the batch and spatial dimensions.
type BatchNormLayer struct {
	layerShape
	Epsilon  float64
	Momentum float64
	channels int
	xhat     []float32
	invStd   []float32
}

// Setup new batch normalisation layer, input shape is [w h channels] or [features]
func NewBatchNormLayer(inShape []int, epsilon, momentum float64) *BatchNormLayer {
	return &BatchNormLayer{
		layerShape: layerShape{name: "batchNorm", inShape: inShape, outShape: inShape},
		Epsilon:    epsilon,
		Momentum:   momentum,
		channels:   inShape[len(inShape)-1],
	}
}

// ParamShape is the shape of the scale, shift and running mean and variance arrays
func (l *BatchNormLayer) ParamShape() []int { return []int{l.channels} }

func (l *BatchNormLayer) planeSize() int {
	return Prod(l.inShape) / l.channels
}

// Batch normalisation forward propagation. In train mode the batch statistics are used and the
// running mean and variance are updated, else the running values are used.
func BatchNormFprop(l *BatchNormLayer, x, gamma, beta, runMean, runVar, y Array, trainMode bool) Function {
	return args("batchnorm_fprop", func(threads int) {
		n := batchSize(x)
		plane, C := l.planeSize(), l.channels
		if len(l.xhat) < x.Size() {
			l.xhat = make([]float32, x.Size())
		}
		if len(l.invStd) < C {
			l.invStd = make([]float32, C)
		}
		xd, yd := x.Data(), y.Data()
		gd, bd, md, vd := gamma.Data(), beta.Data(), runMean.Data(), runVar.Data()
		count := float64(plane * n)
		parallel(C, threads, func(c int) {
			var mean, variance float64
			if trainMode {
				for b := 0; b < n; b++ {
					for _, v := range xd[(b*C+c)*plane : (b*C+c+1)*plane] {
						mean += float64(v)
					}
				}
				mean /= count
				for b := 0; b < n; b++ {
					for _, v := range xd[(b*C+c)*plane : (b*C+c+1)*plane] {
						d := float64(v) - mean
						variance += d * d
					}
				}
				variance /= count
				md[c] = float32(l.Momentum*float64(md[c]) + (1-l.Momentum)*mean)
				vd[c] = float32(l.Momentum*float64(vd[c]) + (1-l.Momentum)*variance)
			} else {
				mean, variance = float64(md[c]), float64(vd[c])
			}
			inv := 1 / math.Sqrt(variance+l.Epsilon)
			l.invStd[c] = float32(inv)
			for b := 0; b < n; b++ {
				start := (b*C + c) * plane
				for i := start; i < start+plane; i++ {
					xh := float32((float64(xd[i]) - mean) * inv)
					l.xhat[i] = xh
					yd[i] = gd[c]*xh + bd[c]
				}
			}
		})
	})
}

// Batch normalisation back propagation using the normalised input saved in the last forward pass.
func BatchNormBprop(l *BatchNormLayer, gamma, dy, dGamma, dBeta, dx Array) Function {
	return args("batchnorm_bprop", func(threads int) {
		n := batchSize(dy)
		plane, C := l.planeSize(), l.channels
		dyd, dxd := dy.Data(), dx.Data()
		gd, dgd, dbd := gamma.Data(), dGamma.Data(), dBeta.Data()
		count := float32(plane * n)
		parallel(C, threads, func(c int) {
			var sumDy, sumDyXhat float32
			for b := 0; b < n; b++ {
				start := (b*C + c) * plane
				for i := start; i < start+plane; i++ {
					sumDy += dyd[i]
					sumDyXhat += dyd[i] * l.xhat[i]
				}
			}
			dbd[c] = sumDy
			dgd[c] = sumDyXhat
			scale := gd[c] * l.invStd[c] / count
			for b := 0; b < n; b++ {
				start := (b*C + c) * plane
				for i := start; i < start+plane; i++ {
					dxd[i] = scale * (count*dyd[i] - sumDy - l.xhat[i]*sumDyXhat)
				}
			}
		})
	})
}

// DropoutLayer zeros a random fraction of its inputs in train mode, scaling the rest by 1/(1-ratio).
type DropoutLayer struct {
	layerShape
	Ratio float64
	mask  []float32
	rng   *rand.Rand
}

func NewDropoutLayer(inShape []int, ratio float64, rng *rand.Rand) *DropoutLayer {
	return &DropoutLayer{
		layerShape: layerShape{name: "dropout", inShape: inShape, outShape: inShape},
		Ratio:      ratio,
		rng:        rng,
	}
}

// Dropout forward propagation, in inference mode the input is copied unchanged.
func DropoutFprop(l *DropoutLayer, x, y Array, trainMode bool) Function {
	return args("dropout_fprop", func(int) {
		xd, yd := x.Data(), y.Data()
		if !trainMode || l.Ratio <= 0 {
			copy(yd, xd[:x.Size()])
			return
		}
		if len(l.mask) < x.Size() {
			l.mask = make([]float32, x.Size())
		}
		scale := float32(1 / (1 - l.Ratio))
		for i := range xd[:x.Size()] {
			if l.rng.Float64() < l.Ratio {
				l.mask[i] = 0
			} else {
				l.mask[i] = scale
			}
			yd[i] = xd[i] * l.mask[i]
		}
	})
}

func DropoutBprop(l *DropoutLayer, dy, dx Array) Function {
	return args("dropout_bprop", func(int) {
		dyd, dxd := dy.Data(), dx.Data()
		if l.Ratio <= 0 {
			copy(dxd, dyd[:dy.Size()])
			return
		}
		for i := range dyd[:dy.Size()] {
			dxd[i] = dyd[i] * l.mask[i]
		}
	})
}

// utilities
func outSize(x, size, stride, pad int) int {
	ns := (x-size+2*pad)/stride + 1
	if x-size+2*pad < 0 || ns < 1 {
		panic(fmt.Sprintf("output size invalid: input=%d size=%d stride=%d pad=%d", x, size, stride, pad))
	}
	return ns
}

// OutSize returns the output width of a convolution or pooling window, or 0 if the input is too small.
func OutSize(x, size, stride, pad int) int {
	if stride < 1 || x-size+2*pad < 0 {
		return 0
	}
	return (x-size+2*pad)/stride + 1
}

func zero(x []float32) {
	for i := range x {
		x[i] = 0
	}
}

// as parallel but also passes the worker index in [0, threads)
func parallelWorkers(n, threads int, fn func(worker, i int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	chunk := (n + threads - 1) / threads
	done := make(chan struct{})
	workers := 0
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		go func(worker, start, end int) {
			for i := start; i < end; i++ {
				fn(worker, i)
			}
			done <- struct{}{}
		}(workers, start, end)
		workers++
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}
