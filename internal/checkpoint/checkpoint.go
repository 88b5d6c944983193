// Package checkpoint persists training state as ckpt<epoch>.pth files and
// finds the most recent one on resume.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"harmony-forge/internal/engine"
)

// ErrBadCheckpointName is returned by Latest when the directory holds a file
// that does not follow the <letters><digits>.pth naming scheme.
var ErrBadCheckpointName = errors.New("checkpoint: file name has no numeric epoch suffix")

// ErrNotFound is returned by Latest when the directory holds no checkpoint.
var ErrNotFound = errors.New("checkpoint: none found")

var namePattern = regexp.MustCompile(`.*[a-z]+(\d+)\.pth$`)

// Record is everything needed to continue training. Batches is the length of
// the loss history when the record was written.
type Record struct {
	Epoch     int
	Batches   int
	Model     engine.State
	Optimizer engine.State
}

// Path returns the file name a checkpoint for epoch is saved under.
func Path(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("ckpt%d.pth", epoch))
}

// Save writes rec to path. The file is written to a temporary name and renamed
// so a crash never leaves a truncated checkpoint behind.
func Save(path string, rec *Record) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, "checkpoint: create temp file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := gob.NewEncoder(f).Encode(rec); err != nil {
		f.Close()
		return errors.Wrapf(err, "checkpoint: encode epoch %d", rec.Epoch)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "checkpoint: sync")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "checkpoint: close")
	}
	return errors.Wrap(os.Rename(tmp, path), "checkpoint: rename")
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: open")
	}
	defer f.Close()
	var rec Record
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: decode %s", path)
	}
	return &rec, nil
}

// Latest returns the path and epoch of the checkpoint in dir with the highest
// numeric suffix. Suffixes compare as integers, so ckpt250 wins over ckpt99.
// Subdirectories and dotfiles are skipped; any other file that does not match
// the naming scheme is an error.
func Latest(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, errors.Wrapf(err, "checkpoint: read %s", dir)
	}
	best, bestEpoch := "", -1
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name[0] == '.' {
			continue
		}
		m := namePattern.FindStringSubmatch(name)
		if m == nil {
			return "", 0, errors.Wrapf(ErrBadCheckpointName, "%s", name)
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			return "", 0, errors.Wrapf(ErrBadCheckpointName, "%s: %v", name, err)
		}
		if epoch > bestEpoch {
			best, bestEpoch = name, epoch
		}
	}
	if bestEpoch < 0 {
		return "", 0, ErrNotFound
	}
	return filepath.Join(dir, best), bestEpoch, nil
}
