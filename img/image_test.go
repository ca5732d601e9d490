package img

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, filePath string, src image.Image) {
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	src.Set(1, 2, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	src.Set(3, 0, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
	filePath := filepath.Join(dir, "test.png")
	writePNG(t, filePath, src)

	m, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Width)
	assert.Equal(t, 3, m.Height)
	assert.Equal(t, 3, m.Channels)
	assert.Len(t, m.Pix, 4*3*3)
	assert.Equal(t, RGB{R: 1, G: 0, B: 0.2}, m.RGBAt(1, 2))
	// pixels are stored interleaved in row order
	i := (2*4 + 1) * 3
	assert.Equal(t, []float32{1, 0, 0.2}, m.Pix[i:i+3])
	assert.Equal(t, float32(1), m.Pix[(0*4+3)*3+1])

	_, err = Load(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestGrayExpanded(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 2, 2))
	src.SetGray(0, 1, color.Gray{Y: 255})
	m := FromImage(src)
	assert.Equal(t, RGB{R: 1, G: 1, B: 1}, m.RGBAt(0, 1))
	assert.Equal(t, RGB{}, m.RGBAt(1, 1))
	assert.Equal(t, RGB{}, m.RGBAt(5, 5))
}

func TestReadList(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "train.csv")
	list := []LabeledImage{{Path: "a.png", Label: 0}, {Path: "/data/b.png", Label: 1}}
	require.NoError(t, WriteList(listPath, list))
	got, err := ReadList(listPath)
	require.NoError(t, err)
	assert.Equal(t, []LabeledImage{
		{Path: filepath.Join(dir, "a.png"), Label: 0},
		{Path: "/data/b.png", Label: 1},
	}, got)

	require.NoError(t, os.WriteFile(listPath, []byte("path,label\nx.png,one\n"), 0644))
	_, err = ReadList(listPath)
	assert.Error(t, err)
	_, err = ReadList(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestChannelStats(t *testing.T) {
	m := NewImage(2, 1)
	m.Set(0, 0, RGB{R: 0, G: 0.5, B: 1})
	m.Set(1, 0, RGB{R: 1, G: 0.5, B: 1})
	var s ChannelStats
	s.Add(m)
	mean, std := s.Get()
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 1}, mean, 1e-6)
	assert.InDelta(t, 0.7071, std[0], 1e-4)
	assert.InDelta(t, 0, std[1], 1e-6)
	assert.Equal(t, "R 0.500±0.707 G 0.500±0.000 B 1.000±0.000", s.String())
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.PNG", "a.jpg", "notes.txt", "c.gif"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0755))
	list, err := Scan(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, []LabeledImage{
		{Path: filepath.Join(dir, "a.jpg"), Label: 1},
		{Path: filepath.Join(dir, "b.PNG"), Label: 1},
		{Path: filepath.Join(dir, "c.gif"), Label: 1},
	}, list)
	_, err = Scan(filepath.Join(dir, "missing"), 0)
	assert.Error(t, err)
}
