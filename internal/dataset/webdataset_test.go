package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
)

type entry struct {
	name string
	data []byte
}

func TestStreamShardGroupsTriples(t *testing.T) {
	shard := writeShard(t, t.TempDir(), "shard-000000.tar", []entry{
		{"000001.composite.jpg", []byte("c1")},
		{"000002.mask.png", []byte("m2")},
		{"000001.mask.png", []byte("m1")},
		{"000002.gt.png", []byte("g2")},
		{"000001.gt.jpg", []byte("g1")},
		{"000001.cls", []byte("3")},
		{"000002.composite.png", []byte("c2")},
	})

	triples, err := ReadShard(context.Background(), shard, 4)
	if err != nil {
		t.Fatalf("ReadShard error: %v", err)
	}
	if len(triples) != 2 {
		t.Fatalf("expected 2 triples, got %d", len(triples))
	}
	sort.Slice(triples, func(i, j int) bool { return triples[i].Key < triples[j].Key })
	rc, err := triples[1].Open(RoleMask)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != "m2" {
		t.Fatalf("mask of 000002 = %q", got)
	}
}

func TestStreamShardReportsIncomplete(t *testing.T) {
	shard := writeShard(t, t.TempDir(), "shard-000000.tar", []entry{
		{"a.composite.png", []byte("c")},
		{"a.mask.png", []byte("m")},
	})
	_, err := ReadShard(context.Background(), shard, 4)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestStreamShardPendingOverflow(t *testing.T) {
	shard := writeShard(t, t.TempDir(), "shard-000000.tar", []entry{
		{"a.composite.png", []byte("c")},
		{"b.composite.png", []byte("c")},
		{"c.composite.png", []byte("c")},
	})
	_, err := ReadShard(context.Background(), shard, 2)
	if !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
}

func TestStreamShardHonoursCancel(t *testing.T) {
	shard := writeShard(t, t.TempDir(), "shard-000000.tar", []entry{
		{"a.composite.png", []byte("c")},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadShard(ctx, shard, 4)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func writeShard(t *testing.T, dir, name string, entries []entry) string {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		addTarEntry(t, tw, e.name, e.data)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return path
}

func addTarEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
