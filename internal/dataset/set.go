// Package dataset indexes composite/mask/ground-truth triples stored as loose
// files or WebDataset shards and serves shuffled, batched tensors.
package dataset

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"harmony-forge/internal/imageio"
	"harmony-forge/internal/tensor"
)

// Sample is one decoded training example.
type Sample struct {
	Key    string
	Image  *tensor.Tensor // [3,H,W]
	Mask   *tensor.Tensor // [1,H,W]
	Target *tensor.Tensor // [3,H,W]
}

// Source is an indexed collection of samples.
type Source interface {
	Len() int
	Sample(i int) (*Sample, error)
}

// Samples is an in-memory Source.
type Samples []*Sample

// Len implements Source.
func (s Samples) Len() int { return len(s) }

// Sample implements Source.
func (s Samples) Sample(i int) (*Sample, error) { return s[i], nil }

// Options configures Open.
type Options struct {
	// ImageSize is the square side every image is resized to; 0 keeps the
	// stored size.
	ImageSize  int
	PendingCap int
	Logger     *zap.Logger
}

// Set is a Source decoding triples on demand.
type Set struct {
	triples []*Triple
	size    int
}

// Open indexes every loose triple and every shard beneath root.
func Open(ctx context.Context, root string, opts Options) (*Set, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := checkRoot(root); err != nil {
		return nil, err
	}
	triples, err := DiscoverLoose(root)
	if err != nil {
		return nil, err
	}
	loose := len(triples)

	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	for _, shard := range shards {
		ts, err := ReadShard(ctx, shard, opts.PendingCap)
		if err != nil {
			return nil, errors.Wrapf(err, "shard %s", shard)
		}
		triples = append(triples, ts...)
	}

	sort.SliceStable(triples, func(i, j int) bool { return triples[i].Key < triples[j].Key })
	for i := 1; i < len(triples); i++ {
		if triples[i].Key == triples[i-1].Key {
			return nil, errors.Errorf("dataset: duplicate key %q", triples[i].Key)
		}
	}
	if len(triples) == 0 {
		return nil, errors.Errorf("dataset: no samples under %s", root)
	}
	opts.Logger.Info("dataset indexed",
		zap.String("root", root),
		zap.Int("samples", len(triples)),
		zap.Int("loose", loose),
		zap.Int("shards", len(shards)),
	)
	return &Set{triples: triples, size: opts.ImageSize}, nil
}

// NewSet wraps already indexed triples.
func NewSet(triples []*Triple, imageSize int) *Set {
	return &Set{triples: triples, size: imageSize}
}

// Len implements Source.
func (s *Set) Len() int { return len(s.triples) }

// Sample decodes triple i.
func (s *Set) Sample(i int) (*Sample, error) {
	t := s.triples[i]
	var out [numRoles]*tensor.Tensor
	for r := Role(0); r < numRoles; r++ {
		rc, err := t.Open(r)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", t.Key, r)
		}
		img, err := imageio.Decode(rc, s.size)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", t.Key, r)
		}
		if r == RoleMask {
			out[r] = imageio.Mask(img)
		} else {
			out[r] = imageio.RGB(img)
		}
	}
	return &Sample{Key: t.Key, Image: out[RoleComposite], Mask: out[RoleMask], Target: out[RoleGT]}, nil
}
