package metrics

import (
	"os"
	"path/filepath"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// LossFile is the name of the history array inside the log directory.
const LossFile = "loss_all.npy"

// LossHistory is the per-batch loss of a run, oldest first.
type LossHistory struct {
	values []float64
}

// NewLossHistory starts a history from prior values, which are copied.
func NewLossHistory(prior []float64) *LossHistory {
	return &LossHistory{values: append([]float64(nil), prior...)}
}

// Append records one batch loss.
func (h *LossHistory) Append(v float64) { h.values = append(h.values, v) }

// Len returns the number of recorded batches.
func (h *LossHistory) Len() int { return len(h.values) }

// Values returns a copy of the history.
func (h *LossHistory) Values() []float64 { return append([]float64(nil), h.values...) }

// Truncate drops every value after the first n. It returns false, leaving the
// history unchanged, when fewer than n values are recorded.
func (h *LossHistory) Truncate(n int) bool {
	if n < 0 || n > len(h.values) {
		return false
	}
	h.values = h.values[:n]
	return true
}

// Since returns the values recorded at or after position i.
func (h *LossHistory) Since(i int) []float64 {
	if i < 0 {
		i = 0
	}
	if i > len(h.values) {
		i = len(h.values)
	}
	return append([]float64(nil), h.values[i:]...)
}

// Save overwrites path with the full history as a 1-D float64 .npy array.
func (h *LossHistory) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "loss history: create")
	}
	if err := npyio.Write(f, h.values); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "loss history: encode")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "loss history: close")
	}
	return errors.Wrap(os.Rename(tmp, path), "loss history: rename")
}

// LoadLossHistory reads a history written by Save. A missing file yields an
// empty history.
func LoadLossHistory(path string) (*LossHistory, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewLossHistory(nil), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loss history: open")
	}
	defer f.Close()
	var values []float64
	if err := npyio.Read(f, &values); err != nil {
		return nil, errors.Wrapf(err, "loss history: decode %s", path)
	}
	return &LossHistory{values: values}, nil
}

// Plot renders the history as a line chart. The image format follows the
// extension of path.
func (h *LossHistory) Plot(path, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "batch"
	p.Y.Label.Text = "loss"

	pts := make(plotter.XYs, len(h.values))
	for i, v := range h.values {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "loss plot")
	}
	p.Add(line)
	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "loss plot")
	}
	return errors.Wrapf(p.Save(8*vg.Inch, 4*vg.Inch, path), "loss plot: save %s", path)
}

// Summary describes a slice of losses.
type Summary struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes Summary over values.
func Summarize(values []float64) (Summary, error) {
	s := Summary{Count: len(values)}
	if len(values) == 0 {
		return s, errors.New("summarize: no values")
	}
	data := stats.Float64Data(values)
	var err error
	if s.Mean, err = data.Mean(); err != nil {
		return s, errors.Wrap(err, "summarize")
	}
	if s.Median, err = data.Median(); err != nil {
		return s, errors.Wrap(err, "summarize")
	}
	if s.StdDev, err = data.StandardDeviation(); err != nil {
		return s, errors.Wrap(err, "summarize")
	}
	if s.Min, err = data.Min(); err != nil {
		return s, errors.Wrap(err, "summarize")
	}
	if s.Max, err = data.Max(); err != nil {
		return s, errors.Wrap(err, "summarize")
	}
	return s, nil
}
