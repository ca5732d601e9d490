package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/NemoCpp/deep-splicing/num"
	"github.com/pkg/errors"
)

// Layer interface type represents one layer of the neural net. Shapes exclude the batch dimension,
// the batch size is taken from the last dimension of the input array.
type Layer interface {
	Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error
	InShape() []int
	OutShape() []int
	Fprop(q num.Queue, in num.Array, trainMode bool) num.Array
	Bprop(q num.Queue, grad num.Array) num.Array
	Type() string
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(q num.Queue, bias float32, normal bool, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	UpdateParams(q num.Queue, opt *Optimiser, nBatch int)
}

// StateLayer has non-trainable state which must be saved with the weights.
type StateLayer interface {
	State() []num.Array
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(q num.Queue, y, yPred num.Array) num.Array
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	var layer Layer
	var err error
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		err = unmarshal(l.Data, cfg)
		layer = &conv{Conv: *cfg}
	case "maxPool":
		cfg := new(MaxPool)
		err = unmarshal(l.Data, cfg)
		layer = &maxPool{MaxPool: *cfg}
	case "batchNorm":
		cfg := new(BatchNorm)
		err = unmarshal(l.Data, cfg)
		layer = &batchNorm{BatchNorm: *cfg}
	case "dropout":
		cfg := new(Dropout)
		err = unmarshal(l.Data, cfg)
		layer = &dropout{Dropout: *cfg}
	case "linear":
		cfg := new(Linear)
		err = unmarshal(l.Data, cfg)
		layer = &linear{Linear: *cfg}
	case "activation":
		cfg := new(Activation)
		if err = unmarshal(l.Data, cfg); err == nil {
			layer, err = newActivation(*cfg)
		}
	case "flatten":
		layer = &flatten{}
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
	return layer, errors.Wrapf(err, "layer %s", l.Type)
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

// Batch normalisation layer with learned scale and shift per channel.
type BatchNorm struct {
	Epsilon, Momentum float64
}

func (c BatchNorm) Marshal() LayerConfig {
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

// Dropout layer, only active when training.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

// Sigmoid, tanh or relu activation layer, implements OutputLayer interface.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

func (c Flatten) ToString() string { return "flatten" }

// base layer type with output and input gradient arrays which are reallocated if the batch size changes
type layerBase struct {
	inShape  []int
	outShape []int
	src      num.Array
	dst      num.Array
	dsrc     num.Array
}

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) setShape(inShape, outShape []int) {
	l.inShape = append([]int{}, inShape...)
	l.outShape = append([]int{}, outShape...)
}

func (l *layerBase) allocDst(q num.Queue, nBatch int) num.Array {
	l.dst = realloc(q, l.dst, l.outShape, nBatch)
	return l.dst
}

func (l *layerBase) allocDsrc(q num.Queue, nBatch int) num.Array {
	l.dsrc = realloc(q, l.dsrc, l.inShape, nBatch)
	return l.dsrc
}

func realloc(q num.Queue, a num.Array, shape []int, nBatch int) num.Array {
	if a != nil && batchSize(a) == nBatch {
		return a
	}
	return q.NewArray(append(append([]int{}, shape...), nBatch)...)
}

func batchSize(a num.Array) int {
	dims := a.Dims()
	return dims[len(dims)-1]
}

// convolutional layer implementation
type conv struct {
	Conv
	layerBase
	paramBase
	layer *num.ConvLayer
	first bool
}

func (l *conv) Type() string { return "conv" }

func (l *conv) Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error {
	if len(inShape) != 3 {
		return errors.Errorf("conv: expect 3 dimensional input, got %v", inShape)
	}
	w, h, d := inShape[0], inShape[1], inShape[2]
	if l.Stride == 0 {
		l.Stride = 1
	}
	if num.OutSize(w, l.Size, l.Stride, l.Pad) < 1 || num.OutSize(h, l.Size, l.Stride, l.Pad) < 1 {
		return errors.Errorf("conv: input %v too small for filter size %d", inShape, l.Size)
	}
	l.layer = num.NewConvLayer(d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.setShape(inShape, l.layer.OutShape())
	l.paramBase = newParams(q, l.layer.FilterShape(), l.layer.BiasShape())
	l.first = prev == nil
	return nil
}

func (l *conv) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	q.Call(num.ConvFprop(l.layer, in, l.w, l.b, l.allocDst(q, batchSize(in))))
	return l.dst
}

func (l *conv) Bprop(q num.Queue, grad num.Array) num.Array {
	var dsrc num.Array
	if !l.first {
		dsrc = l.allocDsrc(q, batchSize(grad))
	}
	q.Call(num.ConvBprop(l.layer, l.src, l.w, grad, l.dw, l.db, dsrc))
	return dsrc
}

// max pool layer implementation
type maxPool struct {
	MaxPool
	layerBase
	layer *num.PoolLayer
}

func (l *maxPool) Type() string { return "maxPool" }

func (l *maxPool) Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error {
	if len(inShape) != 3 {
		return errors.Errorf("maxPool: expect 3 dimensional input, got %v", inShape)
	}
	if l.Stride == 0 {
		l.Stride = l.Size
	}
	if num.OutSize(inShape[0], l.Size, l.Stride, 0) < 1 || num.OutSize(inShape[1], l.Size, l.Stride, 0) < 1 {
		return errors.Errorf("maxPool: input %v too small for pool size %d", inShape, l.Size)
	}
	l.layer = num.NewMaxPoolLayer(inShape, l.Size, l.Stride)
	l.setShape(inShape, l.layer.OutShape())
	return nil
}

func (l *maxPool) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	q.Call(num.MaxPoolFprop(l.layer, in, l.allocDst(q, batchSize(in))))
	return l.dst
}

func (l *maxPool) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(num.MaxPoolBprop(l.layer, grad, l.allocDsrc(q, batchSize(grad))))
	return l.dsrc
}

// batch normalisation layer, the scale and shift are the layer weight and bias
type batchNorm struct {
	BatchNorm
	layerBase
	paramBase
	layer           *num.BatchNormLayer
	runMean, runVar num.Array
}

func (l *batchNorm) Type() string { return "batchNorm" }

func (l *batchNorm) Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error {
	if len(inShape) < 1 {
		return errors.New("batchNorm: missing input shape")
	}
	l.layer = num.NewBatchNormLayer(inShape, l.Epsilon, l.Momentum)
	l.setShape(inShape, inShape)
	shape := l.layer.ParamShape()
	l.paramBase = newParams(q, shape, shape)
	l.runMean = q.NewArray(shape...)
	l.runVar = q.NewArray(shape...)
	q.Call(num.Fill(l.w, 1), num.Fill(l.runVar, 1))
	return nil
}

func (l *batchNorm) InitParams(q num.Queue, bias float32, normal bool, rng *rand.Rand) {
	q.Call(
		num.Fill(l.w, 1),
		num.Fill(l.b, 0),
		num.Fill(l.runMean, 0),
		num.Fill(l.runVar, 1),
	)
}

func (l *batchNorm) State() []num.Array { return []num.Array{l.runMean, l.runVar} }

func (l *batchNorm) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	q.Call(num.BatchNormFprop(l.layer, in, l.w, l.b, l.runMean, l.runVar, l.allocDst(q, batchSize(in)), trainMode))
	return l.dst
}

func (l *batchNorm) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(num.BatchNormBprop(l.layer, l.w, grad, l.dw, l.db, l.allocDsrc(q, batchSize(grad))))
	return l.dsrc
}

// dropout layer
type dropout struct {
	Dropout
	layerBase
	layer *num.DropoutLayer
}

func (l *dropout) Type() string { return "dropout" }

func (l *dropout) Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error {
	if l.Ratio < 0 || l.Ratio >= 1 {
		return errors.Errorf("dropout: ratio %g out of range", l.Ratio)
	}
	l.layer = num.NewDropoutLayer(inShape, l.Ratio, rng)
	l.setShape(inShape, inShape)
	return nil
}

func (l *dropout) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	q.Call(num.DropoutFprop(l.layer, in, l.allocDst(q, batchSize(in)), trainMode))
	return l.dst
}

func (l *dropout) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(num.DropoutBprop(l.layer, grad, l.allocDsrc(q, batchSize(grad))))
	return l.dsrc
}

// linear layer implementation
type linear struct {
	Linear
	layerBase
	paramBase
	ones num.Array
}

func (l *linear) Type() string { return "linear" }

func (l *linear) Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error {
	if len(inShape) != 1 {
		return errors.Errorf("linear: expect 1 dimensional input, got %v - add a flatten layer", inShape)
	}
	l.setShape(inShape, []int{l.Nout})
	l.paramBase = newParams(q, []int{inShape[0], l.Nout}, []int{l.Nout})
	return nil
}

func (l *linear) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	dst := l.allocDst(q, batchSize(in))
	q.Call(
		num.Copy(dst, l.b.Reshape(l.Nout, 1)),
		num.Gemm(1, 1, l.w, in, dst, num.Trans, num.NoTrans),
	)
	return dst
}

func (l *linear) Bprop(q num.Queue, grad num.Array) num.Array {
	n := batchSize(grad)
	if l.ones == nil || l.ones.Size() != n {
		l.ones = q.NewArray(n)
		q.Call(num.Fill(l.ones, 1))
	}
	dsrc := l.allocDsrc(q, n)
	q.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.NoTrans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.NoTrans, num.Trans),
		num.Gemm(1, 0, l.w, grad, dsrc, num.NoTrans, num.NoTrans),
	)
	return dsrc
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ    func(x, y num.Array) num.Function
	deriv    func(x, y, z num.Array) num.Function
	loss     num.Array
	output   bool
	xentropy bool
}

func newActivation(c Activation) (*activation, error) {
	layer := &activation{Activation: c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		return nil, errors.Errorf("activation type %q invalid", c.Atype)
	}
	return layer, nil
}

func (l *activation) Type() string { return "activation" }

func (l *activation) Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error {
	l.setShape(inShape, inShape)
	return nil
}

func (l *activation) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	q.Call(l.activ(in, l.allocDst(q, batchSize(in))))
	return l.dst
}

// For a sigmoid output with cross entropy loss the gradient at the output is already with respect
// to the activation input so it is passed back unchanged.
func (l *activation) Bprop(q num.Queue, grad num.Array) num.Array {
	if l.output && l.xentropy {
		return grad
	}
	q.Call(l.deriv(l.src, grad, l.allocDsrc(q, batchSize(grad))))
	return l.dsrc
}

func (l *activation) Loss(q num.Queue, y, yPred num.Array) num.Array {
	l.loss = realloc(q, l.loss, l.outShape, batchSize(yPred))
	if l.xentropy {
		q.Call(num.CrossEntropyLoss(y, yPred, l.loss))
	} else {
		q.Call(num.QuadraticLoss(y, yPred, l.loss))
	}
	return l.loss
}

type flatten struct {
	Flatten
	layerBase
}

func (l *flatten) Type() string { return "flatten" }

func (l *flatten) Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) error {
	l.setShape(inShape, []int{num.Prod(inShape)})
	return nil
}

func (l *flatten) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	l.dst = in.Reshape(l.outShape[0], batchSize(in))
	return l.dst
}

func (l *flatten) Bprop(q num.Queue, grad num.Array) num.Array {
	l.dsrc = grad.Reshape(l.src.Dims()...)
	return l.dsrc
}

// weight and bias parameters with optional moment estimates for the Adam optimiser
type paramBase struct {
	w, b   num.Array
	dw, db num.Array
	mw, vw num.Array
	mb, vb num.Array
}

func newParams(q num.Queue, wShape, bShape []int) paramBase {
	return paramBase{
		w:  q.NewArray(wShape...),
		b:  q.NewArray(bShape...),
		dw: q.NewArray(wShape...),
		db: q.NewArray(bShape...),
	}
}

func (p *paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p *paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// Initialise weights with uniform or normal distribution scaled by 1/sqrt(fan in)
func (p *paramBase) InitParams(q num.Queue, bias float32, normal bool, rng *rand.Rand) {
	dims := p.w.Dims()
	scale := float32(1 / math.Sqrt(float64(num.Prod(dims[:len(dims)-1]))))
	weights := make([]float32, p.w.Size())
	for i := range weights {
		if normal {
			weights[i] = float32(rng.NormFloat64()) * scale
		} else {
			weights[i] = (2*rng.Float32() - 1) * scale
		}
	}
	q.Call(
		num.Write(p.w, weights),
		num.Fill(p.b, bias),
	)
	p.mw, p.vw, p.mb, p.vb = nil, nil, nil, nil
}

// Apply gradient update, gradients are summed over the batch so are scaled by 1/nBatch
func (p *paramBase) UpdateParams(q num.Queue, opt *Optimiser, nBatch int) {
	scale := 1 / float32(nBatch)
	if opt.Lambda != 0 {
		q.Call(num.Axpy(opt.Lambda*float32(nBatch), p.w, p.dw))
	}
	switch opt.Type {
	case "adam":
		if p.mw == nil {
			p.mw, p.vw = q.NewArrayLike(p.w), q.NewArrayLike(p.w)
			p.mb, p.vb = q.NewArrayLike(p.b), q.NewArrayLike(p.b)
		}
		q.Call(
			num.Adam(p.w, p.dw, p.mw, p.vw, opt.Eta, opt.Beta1, opt.Beta2, opt.Epsilon, scale, opt.Step),
			num.Adam(p.b, p.db, p.mb, p.vb, opt.Eta, opt.Beta1, opt.Beta2, opt.Epsilon, scale, opt.Step),
		)
	default:
		q.Call(
			num.Axpy(-opt.Eta*scale, p.dw, p.w),
			num.Axpy(-opt.Eta*scale, p.db, p.b),
		)
	}
}

// Optimiser settings shared by all of the layers, Step is incremented for each batch.
type Optimiser struct {
	Type                  string
	Eta, Lambda           float32
	Beta1, Beta2, Epsilon float32
	Step                  int
}

func newOptimiser(c Config) *Optimiser {
	return &Optimiser{
		Type:    c.Optimiser,
		Eta:     float32(c.Eta),
		Lambda:  float32(c.Lambda),
		Beta1:   float32(c.Beta1),
		Beta2:   float32(c.Beta2),
		Epsilon: float32(c.Epsilon),
	}
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
