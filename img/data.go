package img

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/NemoCpp/deep-splicing/stats"
	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// LabeledImage is an image file path with its binary class label.
type LabeledImage struct {
	Path  string `csv:"path"`
	Label int    `csv:"label"`
}

// ReadList loads a list of labeled images from a CSV file with path and label columns.
// Relative paths are taken relative to the directory containing the list.
func ReadList(listPath string) ([]LabeledImage, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrap(err, "read image list")
	}
	defer f.Close()
	var list []LabeledImage
	if err = gocsv.UnmarshalFile(f, &list); err != nil {
		return nil, errors.Wrapf(err, "decode image list %s", listPath)
	}
	dir := filepath.Dir(listPath)
	for i, m := range list {
		if m.Path == "" {
			return nil, errors.Errorf("%s: entry %d has empty path", listPath, i+1)
		}
		if !filepath.IsAbs(m.Path) {
			list[i].Path = filepath.Join(dir, m.Path)
		}
	}
	return list, nil
}

// WriteList saves a list of labeled images in the format read by ReadList.
func WriteList(listPath string, list []LabeledImage) error {
	f, err := os.Create(listPath)
	if err != nil {
		return errors.Wrap(err, "write image list")
	}
	if err = gocsv.MarshalFile(&list, f); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode image list %s", listPath)
	}
	return f.Close()
}

// Scan lists the png, jpeg and gif files in a directory with the given label, sorted by name.
func Scan(dir string, label int) ([]LabeledImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "scan images")
	}
	var list []LabeledImage
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".gif":
			list = append(list, LabeledImage{Path: filepath.Join(dir, e.Name()), Label: label})
		}
	}
	return list, nil
}

// ChannelStats accumulates the mean and stddev of each colour channel over a set of images.
type ChannelStats [Channels]stats.Average

func (s *ChannelStats) Add(m *Image) {
	for i, val := range m.Pix {
		s[i%m.Channels].Add(float64(val))
	}
}

// Get returns the mean and stddev for each channel.
func (s *ChannelStats) Get() (mean, std []float32) {
	mean = make([]float32, Channels)
	std = make([]float32, Channels)
	for i := range s {
		mean[i] = float32(s[i].Mean)
		std[i] = float32(s[i].StdDev)
	}
	return mean, std
}

func (s *ChannelStats) String() string {
	return fmt.Sprintf("R %s G %s B %s", &s[0], &s[1], &s[2])
}
