package fastbuild

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

func imageName(name, version string) string {
	return fmt.Sprintf("fastbuild-%s-%s-qemu.qcow2", name, strings.ReplaceAll(version, "/", "_"))
}

// pruneImages removes every earlier fast-build image of name in dir, the
// per-target output directory.
func pruneImages(dir, name string) ([]string, error) {
	pattern, err := glob.Compile("fastbuild-" + glob.QuoteMeta(name) + "-*-qemu.qcow2")
	if err != nil {
		return nil, fmt.Errorf("compile prune pattern: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output dir: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || !pattern.Match(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("prune %s: %w", entry.Name(), err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
