package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns paths to shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverLoose groups the image files beneath root into triples. Keys are
// qualified by their directory relative to root so equal names in different
// folders do not collide. Files that do not follow <key>.<role>.<ext> are
// ignored; a key missing one of its roles is an error.
func DiscoverLoose(root string) ([]*Triple, error) {
	byKey := make(map[string]*Triple)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		key, role, ok := splitName(d.Name())
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		if rel != "." {
			key = filepath.ToSlash(filepath.Join(rel, key))
		}
		tr := byKey[key]
		if tr == nil {
			tr = &Triple{Key: key}
			byKey[key] = tr
		}
		tr.parts[role] = part{path: path}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover files")
	}

	out := make([]*Triple, 0, len(byKey))
	for _, tr := range byKey {
		if !tr.complete() {
			return nil, errors.Wrapf(ErrIncomplete, "%s: missing %s", tr.Key, strings.Join(tr.missing(), ", "))
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// checkRoot reports a useful error when root is missing or not a directory.
func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return errors.Wrap(err, "dataset root")
	}
	if !info.IsDir() {
		return errors.Errorf("dataset root %s is not a directory", root)
	}
	return nil
}
