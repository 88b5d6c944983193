// Package metrics tracks loss history and step throughput for the training
// loop.
package metrics

import "time"

// EpochWindow accumulates per-batch timings and losses until the next
// Snapshot. The trainer takes one snapshot per epoch.
type EpochWindow struct {
	images  int
	batches int
	data    time.Duration
	compute time.Duration
	lossSum float64
	last    float64
}

// Record adds one optimizer step over a batch of images.
func (w *EpochWindow) Record(images int, dataTime, computeTime time.Duration, loss float64) {
	w.images += images
	w.batches++
	w.data += dataTime
	w.compute += computeTime
	w.lossSum += loss
	w.last = loss
}

// Batches returns the number of steps recorded since the last snapshot.
func (w *EpochWindow) Batches() int { return w.batches }

// Snapshot aggregates the window and clears it.
func (w *EpochWindow) Snapshot() EpochStats {
	s := EpochStats{Batches: w.batches, Images: w.images, LastLoss: w.last}
	if total := w.data + w.compute; total > 0 {
		s.ImagesPerSec = float64(w.images) / total.Seconds()
		s.DataFraction = w.data.Seconds() / total.Seconds()
	}
	if w.batches > 0 {
		n := float64(w.batches)
		s.AvgDataMS = float64(w.data.Microseconds()) / 1000 / n
		s.AvgComputeMS = float64(w.compute.Microseconds()) / 1000 / n
		s.MeanLoss = w.lossSum / n
	}
	*w = EpochWindow{}
	return s
}

// EpochStats is what the trainer logs at the end of an epoch.
type EpochStats struct {
	Batches      int
	Images       int
	ImagesPerSec float64
	// DataFraction is the share of wall time spent waiting on the loader.
	DataFraction float64
	AvgDataMS    float64
	AvgComputeMS float64
	MeanLoss     float64
	LastLoss     float64
}
