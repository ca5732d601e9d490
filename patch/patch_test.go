package patch

import (
	"math/rand"
	"testing"

	"github.com/NemoCpp/deep-splicing/img"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randImage(w, h int, rng *rand.Rand) *img.Image {
	m := img.NewImage(w, h)
	for i := range m.Pix {
		m.Pix[i] = rng.Float32()
	}
	return m
}

func TestOffsets(t *testing.T) {
	assert.Equal(t, []int{10, 30, 50}, Offsets(100, 40, 20))
	assert.Equal(t, []int{0}, Offsets(40, 40, 20))
	assert.Equal(t, []int{10}, Offsets(60, 40, 20))
	assert.Equal(t, []int{0, 20, 40}, Offsets(80, 40, 20))
	assert.Equal(t, []int{2}, Offsets(43, 40, 20))
	assert.Empty(t, Offsets(39, 40, 20))
	assert.Empty(t, Offsets(0, 40, 20))
}

func TestFixture(t *testing.T) {
	m := randImage(100, 100, rand.New(rand.NewSource(1)))
	patches := Extract(m, 40, 20)
	require.Len(t, patches, 9)
	var pos [][2]int
	for _, p := range patches {
		pos = append(pos, [2]int{p.Row, p.Col})
	}
	assert.Equal(t, [][2]int{
		{10, 10}, {10, 30}, {10, 50},
		{30, 10}, {30, 30}, {30, 50},
		{50, 10}, {50, 30}, {50, 50},
	}, pos)
	// top left pixel of patch 1 is image pixel (row 10, col 30)
	p := patches[1]
	for ch := 0; ch < 3; ch++ {
		assert.Equal(t, m.Pix[(10*100+30)*3+ch], p.Pix[ch*40*40])
	}
}

func TestExtractBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		w, h := 1+rng.Intn(120), 1+rng.Intn(120)
		size, stride := 1+rng.Intn(50), 1+rng.Intn(30)
		m := img.NewImage(w, h)
		patches := Extract(m, size, stride)
		if w >= size && h >= size {
			assert.NotEmpty(t, patches, "w=%d h=%d size=%d stride=%d", w, h, size, stride)
		} else {
			assert.Empty(t, patches, "w=%d h=%d size=%d stride=%d", w, h, size, stride)
		}
		assert.Equal(t, Count(h, w, size, stride), len(patches))
		for _, p := range patches {
			assert.True(t, p.Row >= 0 && p.Row+size-1 <= h-1, "row %d h=%d size=%d", p.Row, h, size)
			assert.True(t, p.Col >= 0 && p.Col+size-1 <= w-1, "col %d w=%d size=%d", p.Col, w, size)
			assert.Len(t, p.Pix, size*size*img.Channels)
		}
	}
}

func TestCountIndependentOfContent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := Extract(randImage(97, 83, rng), 32, 16)
	b := Extract(img.NewImage(97, 83), 32, 16)
	assert.Equal(t, len(a), len(b))
}

func TestLayoutRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	h, w, c := 5, 7, 3
	pix := make([]float32, h*w*c)
	for i := range pix {
		pix[i] = rng.Float32()
	}
	chw := ToCHW(pix, h, w, c)
	assert.Equal(t, pix[(2*w+3)*c+1], chw[(1*h+2)*w+3])
	assert.Equal(t, pix, ToHWC(chw, h, w, c))
}

func loader(images map[string]*img.Image) Loader {
	return func(path string) (*img.Image, error) {
		m, ok := images[path]
		if !ok {
			return nil, errors.Errorf("%s not found", path)
		}
		return m, nil
	}
}

func TestBuildBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	files := map[string]*img.Image{
		"a.png": randImage(100, 100, rng),
		"b.png": randImage(80, 40, rng),
		"c.png": randImage(30, 30, rng),
	}
	list := []img.LabeledImage{{Path: "a.png", Label: 1}, {Path: "c.png", Label: 1}, {Path: "b.png", Label: 0}}
	b, err := BuildBatch(list, Options{PatchSize: 40, Stride: 20}, loader(files))
	require.NoError(t, err)
	assert.Equal(t, 12, b.Len())
	assert.Equal(t, []int{40, 40, 3}, b.Shape())
	assert.Len(t, b.X, 12*40*40*3)
	for i := 0; i < 9; i++ {
		assert.Equal(t, float32(1), b.Y[i])
		assert.Equal(t, 0, b.Index[i])
	}
	for i := 9; i < 12; i++ {
		assert.Equal(t, float32(0), b.Y[i])
		assert.Equal(t, 2, b.Index[i])
	}
	patches := Extract(files["b.png"], 40, 20)
	assert.Equal(t, patches[1].Pix, b.Patch(10))

	buf := make([]float32, 2*40*40*3)
	b.Input([]int{10, 0}, buf)
	assert.Equal(t, b.Patch(10), buf[:40*40*3])
	assert.Equal(t, b.Patch(0), buf[40*40*3:])
	labels := make([]float32, 2)
	b.Label([]int{10, 0}, labels)
	assert.Equal(t, []float32{0, 1}, labels)
	assert.Equal(t, 4*(len(b.X)+len(b.Y)), b.Bytes())
}

func TestBuildBatchProgress(t *testing.T) {
	files := map[string]*img.Image{"a.png": img.NewImage(40, 40)}
	list := []img.LabeledImage{{Path: "a.png", Label: 0}, {Path: "a.png", Label: 1}}
	b, err := BuildBatch(list, Options{PatchSize: 40, Stride: 20, Progress: true}, loader(files))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, b.Y)
}

func TestBuildBatchErrors(t *testing.T) {
	files := map[string]*img.Image{"a.png": img.NewImage(40, 40)}
	for _, progress := range []bool{false, true} {
		opts := Options{PatchSize: 40, Stride: 20, Progress: progress}
		_, err := BuildBatch([]img.LabeledImage{{Path: "a.png", Label: 2}}, opts, loader(files))
		require.Error(t, err)
		assert.Equal(t, ErrInvalidLabel, errors.Cause(err))
		assert.Contains(t, err.Error(), "a.png")

		_, err = BuildBatch([]img.LabeledImage{{Path: "missing.png", Label: 0}}, opts, loader(files))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing.png")
	}
	_, err := BuildBatch(nil, Options{PatchSize: 0, Stride: 20}, loader(files))
	assert.Error(t, err)
}

func TestVote(t *testing.T) {
	d := Vote([]int32{0, 0, 1}, 1)
	assert.Equal(t, Decision{Nb0: 2, Nb1: 1, Label: 0}, d)
	d = Vote([]int32{1, 0, 1, 1}, 0)
	assert.Equal(t, Decision{Nb0: 1, Nb1: 3, Label: 1}, d)
	d = Vote([]int32{1, 0}, 1)
	assert.Equal(t, Decision{Nb0: 1, Nb1: 1, Label: 1, Uncertain: true}, d)
	d = Vote([]int32{1, 0}, 0)
	assert.Equal(t, 0, d.Label)
	assert.True(t, d.Uncertain)
	d = Vote(nil, 1)
	assert.Equal(t, Decision{Label: 1, Uncertain: true}, d)
	assert.Equal(t, "label=1 (0:0) uncertain", d.String())
}
