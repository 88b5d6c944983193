package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"harmony-forge/internal/tensor"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize int
	Seed      int64
	// Workers decode samples concurrently; batches are still emitted in
	// shuffle order.
	Workers int
	// Prefetch is the number of assembled batches buffered ahead of the
	// consumer.
	Prefetch int
}

// Batch is a stacked group of samples.
type Batch struct {
	Index  int
	Keys   []string
	Image  *tensor.Tensor // [N,3,H,W]
	Mask   *tensor.Tensor // [N,1,H,W]
	Target *tensor.Tensor // [N,3,H,W]
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Keys) }

// Loader shuffles a Source each epoch and streams batches from background
// goroutines.
type Loader struct {
	src  Source
	opts LoaderOptions
}

// NewLoader validates opts and fills defaults.
func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if src.Len() == 0 {
		return nil, errors.New("loader: empty source")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be positive (got %d)", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &Loader{src: src, opts: opts}, nil
}

// Len returns the number of batches per epoch. The last batch may be short.
func (l *Loader) Len() int {
	n, bs := l.src.Len(), l.opts.BatchSize
	return (n + bs - 1) / bs
}

// Order returns the sample permutation used for epoch. It depends only on
// the seed and the epoch number, so a resumed run sees the same order.
func (l *Loader) Order(epoch int) []int {
	return rand.New(rand.NewSource(l.opts.Seed + int64(epoch))).Perm(l.src.Len())
}

type job struct {
	id    int
	index int
}

type result struct {
	id     int
	sample *Sample
	err    error
}

// Epoch streams the batches of one epoch. The error channel yields at most
// one error and is closed after the batch channel. Cancelling ctx stops the
// pipeline; the consumer must either drain the batch channel or cancel.
func (l *Loader) Epoch(parent context.Context, epoch int) (<-chan Batch, <-chan error) {
	ctx, cancel := context.WithCancel(parent)
	order := l.Order(epoch)

	jobs := make(chan job, l.opts.Workers)
	results := make(chan result, l.opts.Workers)
	out := make(chan Batch, l.opts.Prefetch)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, order)

	var wg sync.WaitGroup
	for i := 0; i < l.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.worker(ctx, jobs, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		if err := l.aggregate(ctx, len(order), results, out); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	return out, errCh
}

func produceJobs(ctx context.Context, jobs chan<- job, order []int) {
	defer close(jobs)
	for id, index := range order {
		select {
		case <-ctx.Done():
			return
		case jobs <- job{id: id, index: index}:
		}
	}
}

func (l *Loader) worker(ctx context.Context, jobs <-chan job, results chan<- result) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			s, err := l.src.Sample(j.index)
			select {
			case <-ctx.Done():
				return
			case results <- result{id: j.id, sample: s, err: err}:
			}
		}
	}
}

// aggregate restores shuffle order from the out-of-order worker results and
// groups samples into batches.
func (l *Loader) aggregate(ctx context.Context, total int, results <-chan result, out chan<- Batch) error {
	pending := make(map[int]*Sample)
	next, index := 0, 0
	buf := make([]*Sample, 0, l.opts.BatchSize)

	emit := func() error {
		b, err := stack(index, buf)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- b:
		}
		index++
		buf = buf[:0]
		return nil
	}

	for next < total {
		var r result
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok = <-results:
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.Errorf("loader: workers stopped after %d of %d samples", next, total)
		}
		if r.err != nil {
			return r.err
		}
		pending[r.id] = r.sample
		for {
			s, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			buf = append(buf, s)
			if len(buf) == l.opts.BatchSize {
				if err := emit(); err != nil {
					return err
				}
			}
		}
	}
	if len(buf) > 0 {
		return emit()
	}
	return nil
}

func stack(index int, samples []*Sample) (Batch, error) {
	b := Batch{Index: index, Keys: make([]string, len(samples))}
	images := make([]*tensor.Tensor, len(samples))
	masks := make([]*tensor.Tensor, len(samples))
	targets := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		b.Keys[i] = s.Key
		images[i], masks[i], targets[i] = s.Image, s.Mask, s.Target
	}
	var err error
	if b.Image, err = Stack(images); err != nil {
		return b, errors.Wrapf(err, "batch %d images", index)
	}
	if b.Mask, err = Stack(masks); err != nil {
		return b, errors.Wrapf(err, "batch %d masks", index)
	}
	if b.Target, err = Stack(targets); err != nil {
		return b, errors.Wrapf(err, "batch %d targets", index)
	}
	return b, nil
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("stack: no tensors")
	}
	shape := ts[0].Shape()
	size := ts[0].Size()
	data := make([]float64, 0, size*len(ts))
	for _, t := range ts {
		if !tensor.SameShape(t, ts[0]) {
			return nil, errors.WithStack(&tensor.ShapeError{Op: "Stack", Shapes: [][]int{shape, t.Shape()}, Reason: "samples differ in shape"})
		}
		data = append(data, t.Values()...)
	}
	return tensor.FromData(data, append([]int{len(ts)}, shape...)...), nil
}
