package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Role names one member of a training triple.
type Role int

const (
	RoleComposite Role = iota
	RoleMask
	RoleGT
	numRoles
)

var roleNames = [numRoles]string{"composite", "mask", "gt"}

func (r Role) String() string { return roleNames[r] }

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending triple buffer exceeded")

// ErrIncomplete is returned when a key lacks one of its three images.
var ErrIncomplete = errors.New("dataset: incomplete triple")

const defaultPendingCap = 1024

type part struct {
	path string
	data []byte
}

func (p part) present() bool { return p.path != "" || len(p.data) > 0 }

func (p part) open() (io.ReadCloser, error) {
	if len(p.data) > 0 {
		return io.NopCloser(bytes.NewReader(p.data)), nil
	}
	f, err := os.Open(p.path)
	return f, errors.Wrap(err, "open image")
}

// Triple is the encoded composite, mask and ground-truth images sharing a
// key. Parts are either loose files or bytes read from a shard.
type Triple struct {
	Key   string
	parts [numRoles]part
}

// NewTriple builds a triple from encoded image bytes.
func NewTriple(key string, composite, mask, gt []byte) *Triple {
	return &Triple{Key: key, parts: [numRoles]part{{data: composite}, {data: mask}, {data: gt}}}
}

// Open returns a reader over the encoded image for role.
func (t *Triple) Open(role Role) (io.ReadCloser, error) {
	return t.parts[role].open()
}

func (t *Triple) complete() bool {
	for _, p := range t.parts {
		if !p.present() {
			return false
		}
	}
	return true
}

func (t *Triple) missing() []string {
	var out []string
	for r, p := range t.parts {
		if !p.present() {
			out = append(out, Role(r).String())
		}
	}
	return out
}

// splitName parses <key>.<role>.<ext>.
func splitName(name string) (string, Role, bool) {
	ext := filepath.Ext(name)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png":
	default:
		return "", 0, false
	}
	stem := strings.TrimSuffix(name, ext)
	dot := strings.LastIndexByte(stem, '.')
	if dot <= 0 {
		return "", 0, false
	}
	key, suffix := stem[:dot], strings.ToLower(stem[dot+1:])
	for r, n := range roleNames {
		if suffix == n {
			return key, Role(r), true
		}
	}
	return "", 0, false
}

// StreamShard streams complete triples from the shard at path. Members of a
// triple may appear in any order; at most pendingCap keys are held while
// waiting for their remaining members.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan *Triple, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan *Triple)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*Triple)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, role, ok := splitName(filepath.Base(hdr.Name))
			if !ok {
				continue
			}
			if dir := filepath.Dir(hdr.Name); dir != "." {
				key = filepath.ToSlash(filepath.Join(dir, key))
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "read %s", hdr.Name)
				return
			}

			t := pending[key]
			if t == nil {
				t = &Triple{Key: key}
				pending[key] = t
			}
			t.parts[role] = part{data: data}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if t.complete() {
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- t:
				}
			}
		}

		if len(pending) > 0 {
			keys := make([]string, 0, len(pending))
			for k := range pending {
				keys = append(keys, k)
			}
			errCh <- errors.Wrapf(ErrIncomplete, "%s: %d keys incomplete (e.g. %s)", filepath.Base(path), len(pending), keys[0])
		}
	}()

	return out, errCh
}

// ReadShard collects every triple of a shard.
func ReadShard(ctx context.Context, path string, pendingCap int) ([]*Triple, error) {
	triples, errCh := StreamShard(ctx, path, pendingCap)
	var out []*Triple
	for t := range triples {
		out = append(out, t)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}
