package dataset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harmony-forge/internal/tensor"
)

func memorySamples(n int) Samples {
	out := make(Samples, n)
	for i := range out {
		out[i] = &Sample{
			Key:    fmt.Sprintf("s%02d", i),
			Image:  tensor.Full(float64(i), 3, 2, 2),
			Mask:   tensor.Full(1, 1, 2, 2),
			Target: tensor.Full(float64(i)/2, 3, 2, 2),
		}
	}
	return out
}

func collect(t *testing.T, l *Loader, epoch int) []Batch {
	t.Helper()
	batches, errCh := l.Epoch(context.Background(), epoch)
	var out []Batch
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-batches:
			if !ok {
				require.NoError(t, <-errCh)
				return out
			}
			out = append(out, b)
		case <-timeout:
			t.Fatal("timed out waiting for batches")
		}
	}
}

func TestLoaderCoversEverySampleOnce(t *testing.T) {
	src := memorySamples(7)
	l, err := NewLoader(src, LoaderOptions{BatchSize: 3, Seed: 5, Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())

	batches := collect(t, l, 1)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{3, 3, 1}, []int{batches[0].Size(), batches[1].Size(), batches[2].Size()})
	assert.Equal(t, []int{3, 3, 2, 2}, batches[0].Image.Shape())
	assert.Equal(t, []int{1, 1, 2, 2}, batches[2].Mask.Shape())

	seen := map[string]bool{}
	order := l.Order(1)
	pos := 0
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
		for j, k := range b.Keys {
			assert.False(t, seen[k], "duplicate %s", k)
			seen[k] = true
			// Batches follow the epoch permutation even with several workers.
			assert.Equal(t, src[order[pos]].Key, k)
			assert.Equal(t, float64(order[pos]), b.Image.At(j, 0, 0, 0))
			pos++
		}
	}
	assert.Len(t, seen, 7)
}

func TestLoaderOrderIsSeededPerEpoch(t *testing.T) {
	l, err := NewLoader(memorySamples(20), LoaderOptions{BatchSize: 4, Seed: 9})
	require.NoError(t, err)
	assert.Equal(t, l.Order(3), l.Order(3))
	assert.NotEqual(t, l.Order(3), l.Order(4))
}

type failingSource struct{ Samples }

func (f failingSource) Sample(i int) (*Sample, error) {
	if i == 2 {
		return nil, fmt.Errorf("corrupt sample %d", i)
	}
	return f.Samples[i], nil
}

func TestLoaderPropagatesSampleErrors(t *testing.T) {
	l, err := NewLoader(failingSource{memorySamples(4)}, LoaderOptions{BatchSize: 1, Workers: 2})
	require.NoError(t, err)
	batches, errCh := l.Epoch(context.Background(), 1)
	for range batches {
	}
	assert.EqualError(t, <-errCh, "corrupt sample 2")
}

func TestLoaderStopsOnCancel(t *testing.T) {
	l, err := NewLoader(memorySamples(50), LoaderOptions{BatchSize: 1, Prefetch: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	batches, errCh := l.Epoch(ctx, 1)
	<-batches
	cancel()
	for range batches {
	}
	assert.NoError(t, <-errCh)
}

func TestLoaderRejectsMixedSizes(t *testing.T) {
	src := memorySamples(2)
	src[1].Image = tensor.New(3, 4, 4)
	l, err := NewLoader(src, LoaderOptions{BatchSize: 2})
	require.NoError(t, err)
	batches, errCh := l.Epoch(context.Background(), 1)
	for range batches {
	}
	var se *tensor.ShapeError
	assert.ErrorAs(t, <-errCh, &se)
}

func TestNewLoaderValidates(t *testing.T) {
	_, err := NewLoader(Samples{}, LoaderOptions{BatchSize: 1})
	assert.Error(t, err)
	_, err = NewLoader(memorySamples(1), LoaderOptions{})
	assert.Error(t, err)
}

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestOpenReadsLooseFilesAndShards(t *testing.T) {
	dir := t.TempDir()
	gray := encodePNG(t, 6, 6, color.NRGBA{R: 51, G: 102, B: 204, A: 255})
	white := encodePNG(t, 6, 6, color.White)
	for _, role := range []string{"composite", "gt"} {
		writeFile(t, filepath.Join(dir, "loose."+role+".png"), gray)
	}
	writeFile(t, filepath.Join(dir, "loose.mask.png"), white)
	writeShard(t, dir, "shards/shard-000000.tar", []entry{
		{"packed.composite.png", gray},
		{"packed.mask.png", white},
		{"packed.gt.png", gray},
	})

	set, err := Open(context.Background(), dir, Options{ImageSize: 4})
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	s, err := set.Sample(1)
	require.NoError(t, err)
	assert.Equal(t, "packed", s.Key)
	assert.Equal(t, []int{3, 4, 4}, s.Image.Shape())
	assert.Equal(t, []int{1, 4, 4}, s.Mask.Shape())
	assert.InDelta(t, 0.2, s.Image.At(0, 1, 1), 1e-9)
	assert.InDelta(t, 0.8, s.Target.At(2, 3, 3), 1e-9)
	for _, v := range s.Mask.Values() {
		assert.Equal(t, 1.0, v)
	}
}

func TestOpenRejectsDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	for _, role := range []string{"composite", "mask", "gt"} {
		writeFile(t, filepath.Join(dir, "x."+role+".png"), []byte("p"))
	}
	writeShard(t, dir, "shard-000000.tar", []entry{
		{"x.composite.png", []byte("c")},
		{"x.mask.png", []byte("m")},
		{"x.gt.png", []byte("g")},
	})
	_, err := Open(context.Background(), dir, Options{})
	assert.ErrorContains(t, err, "duplicate key")
}

func TestOpenRejectsMissingRoot(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope"), Options{})
	assert.Error(t, err)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
