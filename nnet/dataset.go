package nnet

import (
	"math/rand"
	"sync"

	"github.com/NemoCpp/deep-splicing/num"
)

// Data interface type represents the raw data for a training or test set. Shape is the
// [width height channels] shape of one sample and Input copies the samples in column major order.
type Data interface {
	Len() int
	Shape() []int
	Label(index []int, label []float32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training or test data. The next batch is loaded in the
// background while the current one is processed.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []float32
	x, y      [2]num.Array
	xv, yv    [2]num.Array
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size.
func NewDataset(dev num.Device, data Data, batchSize int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	if d.BatchSize == 0 {
		return d
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]float32, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(append(append([]int{}, data.Shape()...), d.BatchSize)...)
		d.y[i] = dev.NewArray(1, d.BatchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue(1)
	return d
}

// Index of the sample at position i in the current ordering
func (d *Dataset) Index(i int) int { return d.indexes[i] }

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i])
	}
}

// kick off load of next batch of data in background
func (d *Dataset) loadBatch() {
	start := d.batch * d.BatchSize
	end := start + d.BatchSize
	if end > d.Samples {
		end = d.Samples
	}
	buf := d.buf
	d.Add(1)
	go func() {
		n := end - start
		d.Input(d.indexes[start:end], d.xBuffer)
		d.Label(d.indexes[start:end], d.yBuffer)
		if n == d.BatchSize {
			d.xv[buf], d.yv[buf] = d.x[buf], d.y[buf]
		} else {
			d.xv[buf] = num.View(d.x[buf], append(append([]int{}, d.Shape()...), n)...)
			d.yv[buf] = num.View(d.y[buf], 1, n)
		}
		d.queue.Call(
			num.Write(d.xv[buf], d.xBuffer),
			num.Write(d.yv[buf], d.yBuffer),
		)
		d.queue.Finish()
		d.Done()
	}()
}

// Get next batch of data, x has shape [width height channels n] and y has shape [1 n].
func (d *Dataset) NextBatch() (x, y num.Array) {
	d.Wait()
	x, y = d.xv[d.buf], d.yv[d.buf]
	d.batch++
	d.buf = (d.buf + 1) % 2
	if d.batch < d.Batches {
		d.loadBatch()
	}
	return
}

// Rewind to start of data
func (d *Dataset) Rewind() {
	d.Wait()
	d.batch = 0
	if d.Batches > 0 {
		d.loadBatch()
	}
}

// Shuffle the data set, called at the start of an epoch before Rewind.
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Samples)
}
