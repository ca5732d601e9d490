// Package patch slices images into square patches on a regular grid and combines the per patch
// predictions into a single label for each image.
package patch

import (
	"fmt"
	"math"

	"github.com/NemoCpp/deep-splicing/img"
)

// Patch is a square region of an image with the pixels stored in channel, row, column order,
// i.e. Pix[(ch*Size+row)*Size+col]. Row and Col give the position of the top left corner.
type Patch struct {
	Row      int
	Col      int
	Size     int
	Channels int
	Pix      []float32
}

func (p Patch) String() string {
	return fmt.Sprintf("patch(%d,%d) %dx%dx%d", p.Row, p.Col, p.Size, p.Size, p.Channels)
}

// Offsets returns the start positions of the patches along one axis. The leftover pixels are
// split between both edges and every patch lies inside the image. If dim is less than size then
// there are none.
func Offsets(dim, size, stride int) []int {
	if size <= 0 || stride <= 0 || dim < size {
		return nil
	}
	bias := int(math.RoundToEven(float64(dim%size) / 2))
	var offs []int
	for r := bias; r+size <= dim; r += stride {
		offs = append(offs, r)
	}
	return offs
}

// Count is the number of patches for an image with the given dimensions.
func Count(height, width, size, stride int) int {
	return len(Offsets(height, size, stride)) * len(Offsets(width, size, stride))
}

// Extract returns the patches from the image with rows in the outer loop.
func Extract(m *img.Image, size, stride int) []Patch {
	rows := Offsets(m.Height, size, stride)
	cols := Offsets(m.Width, size, stride)
	patches := make([]Patch, 0, len(rows)*len(cols))
	hwc := make([]float32, size*size*m.Channels)
	for _, r := range rows {
		for _, c := range cols {
			for y := 0; y < size; y++ {
				src := ((r+y)*m.Width + c) * m.Channels
				copy(hwc[y*size*m.Channels:(y+1)*size*m.Channels], m.Pix[src:src+size*m.Channels])
			}
			patches = append(patches, Patch{
				Row:      r,
				Col:      c,
				Size:     size,
				Channels: m.Channels,
				Pix:      ToCHW(hwc, size, size, m.Channels),
			})
		}
	}
	return patches
}

// ToCHW converts pixels from interleaved row, column, channel order to planar channel, row,
// column order.
func ToCHW(pix []float32, h, w, c int) []float32 {
	res := make([]float32, h*w*c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				res[(ch*h+y)*w+x] = pix[(y*w+x)*c+ch]
			}
		}
	}
	return res
}

// ToHWC is the inverse of ToCHW.
func ToHWC(pix []float32, h, w, c int) []float32 {
	res := make([]float32, h*w*c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				res[(y*w+x)*c+ch] = pix[(ch*h+y)*w+x]
			}
		}
	}
	return res
}
