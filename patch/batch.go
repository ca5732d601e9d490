package patch

import (
	"github.com/NemoCpp/deep-splicing/img"
	"github.com/NemoCpp/deep-splicing/logging"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
)

// ErrInvalidLabel is returned when an image label is not 0 or 1.
var ErrInvalidLabel = errors.New("image label must be 0 or 1")

// Batch holds the patches from a set of images. X stores the patches one after another in
// channel, row, column order, so it has shape (count, channels, height, width). Y has the label
// for each patch and Index the position of the source image in the input list.
type Batch struct {
	Size     int
	Channels int
	X        []float32
	Y        []float32
	Index    []int
}

// NewBatch creates an empty batch for patches of the given size.
func NewBatch(size, channels int) *Batch {
	return &Batch{Size: size, Channels: channels}
}

// Number of patches in the batch
func (b *Batch) Len() int { return len(b.Y) }

// Shape of one patch in [width height channels] order.
func (b *Batch) Shape() []int { return []int{b.Size, b.Size, b.Channels} }

func (b *Batch) sampleSize() int { return b.Size * b.Size * b.Channels }

// Label copies the labels for the given patches.
func (b *Batch) Label(index []int, label []float32) {
	for i, ix := range index {
		label[i] = b.Y[ix]
	}
}

// Input copies the pixels for the given patches. The planar layout is the same as column major
// order with dims [width height channels].
func (b *Batch) Input(index []int, buf []float32) {
	n := b.sampleSize()
	for i, ix := range index {
		copy(buf[i*n:(i+1)*n], b.X[ix*n:(ix+1)*n])
	}
}

// Append adds patches from the image with the given index and label.
func (b *Batch) Append(patches []Patch, label float32, index int) {
	for _, p := range patches {
		if p.Size != b.Size || p.Channels != b.Channels {
			panic(errors.Errorf("patch shape %dx%dx%d does not match batch", p.Size, p.Size, p.Channels))
		}
		b.X = append(b.X, p.Pix...)
		b.Y = append(b.Y, label)
		b.Index = append(b.Index, index)
	}
}

// Patch returns the pixels of patch i, sharing the batch storage.
func (b *Batch) Patch(i int) []float32 {
	n := b.sampleSize()
	return b.X[i*n : (i+1)*n]
}

// Bytes is the size of the patch and label data.
func (b *Batch) Bytes() int {
	return 4 * (len(b.X) + len(b.Y))
}

// Options for building a batch.
type Options struct {
	PatchSize int
	Stride    int
	Progress  bool
}

// Loader decodes the image at the given path.
type Loader func(path string) (*img.Image, error)

// BuildBatch loads each image, extracts its patches and appends them to the batch with the image
// label. The patches are stored in input order. An image smaller than the patch size adds nothing.
func BuildBatch(images []img.LabeledImage, opts Options, load Loader) (*Batch, error) {
	if opts.PatchSize <= 0 || opts.Stride <= 0 {
		return nil, errors.Errorf("invalid patch size %d or stride %d", opts.PatchSize, opts.Stride)
	}
	if load == nil {
		load = img.Load
	}
	log := logging.Named("patch")
	b := NewBatch(opts.PatchSize, img.Channels)
	var cs img.ChannelStats
	add := func(i int) error {
		m := images[i]
		if m.Label != 0 && m.Label != 1 {
			return errors.Wrapf(ErrInvalidLabel, "image %d %s: label %d", i, m.Path, m.Label)
		}
		src, err := load(m.Path)
		if err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
		cs.Add(src)
		patches := Extract(src, opts.PatchSize, opts.Stride)
		if len(patches) == 0 {
			log.Debugf("%s: %dx%d image has no patches", m.Path, src.Width, src.Height)
		}
		b.Append(patches, float32(m.Label), i)
		return nil
	}
	if opts.Progress {
		var addErr error
		err := tqdm.With(iterators.Interval(0, len(images)), "Extracting patches", func(c interface{}) (brk bool) {
			if addErr = add(c.(int)); addErr != nil {
				brk = true
			}
			return
		})
		if addErr != nil {
			return nil, addErr
		}
		if err != nil {
			return nil, errors.Wrap(err, "build batch")
		}
	} else {
		for i := range images {
			if err := add(i); err != nil {
				return nil, err
			}
		}
	}
	log.Infof("%d images => %s patches (%s)", len(images), humanize.Comma(int64(b.Len())),
		humanize.Bytes(uint64(b.Bytes())))
	if len(images) > 0 {
		log.Debugf("channel stats: %s", &cs)
	}
	return b, nil
}
