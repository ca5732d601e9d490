package patch

import "fmt"

// Decision is the image label chosen by majority vote over the patch predictions.
type Decision struct {
	Nb0       int
	Nb1       int
	Label     int
	Uncertain bool
}

func (d Decision) String() string {
	s := fmt.Sprintf("label=%d (%d:%d)", d.Label, d.Nb0, d.Nb1)
	if d.Uncertain {
		s += " uncertain"
	}
	return s
}

// Vote counts the patches predicted as 0 and 1 and returns the label with the most votes. If the
// counts are equal, including when there are no patches, the label is set to tie and the
// decision is flagged as uncertain.
func Vote(pred []int32, tie int) Decision {
	var d Decision
	for _, p := range pred {
		if p == 0 {
			d.Nb0++
		} else {
			d.Nb1++
		}
	}
	switch {
	case d.Nb0 > d.Nb1:
		d.Label = 0
	case d.Nb1 > d.Nb0:
		d.Label = 1
	default:
		d.Label = tie
		d.Uncertain = true
	}
	return d
}
