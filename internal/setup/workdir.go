package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/arch"
)

// Workdir is the explicit context shared by every component of a run.
type Workdir struct {
	Root string
	Arch arch.Architecture
}

// Open validates that root looks like a kiln working directory (it has a
// builds/ directory) and resolves it to an absolute path.
func Open(root string, architecture arch.Architecture) (Workdir, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Workdir{}, fmt.Errorf("resolve workdir %q: %w", root, err)
	}
	if !architecture.IsValid() {
		return Workdir{}, fmt.Errorf("workdir %s: invalid architecture %q", abs, architecture)
	}

	wd := Workdir{Root: abs, Arch: architecture}
	if err := wd.Verify(); err != nil {
		return Workdir{}, err
	}
	return wd, nil
}

// Verify checks the directories every command relies on.
func (w Workdir) Verify() error {
	info, err := os.Stat(w.BuildsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s is not a kiln workdir: missing builds/", w.Root)
		}
		return fmt.Errorf("stat builds dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", w.BuildsDir())
	}
	return nil
}

func (w Workdir) BuildsDir() string { return filepath.Join(w.Root, "builds") }
func (w Workdir) TmpDir() string { return filepath.Join(w.Root, "tmp") }
func (w Workdir) RepoDir() string { return filepath.Join(w.Root, "tmp", "repo") }
func (w Workdir) ConfigDir() string { return filepath.Join(w.Root, "src", "config") }
func (w Workdir) OverlayDir() string { return filepath.Join(w.Root, "overrides", "rootfs") }
func (w Workdir) FastbuildDir() string { return filepath.Join(w.Root, "fastbuilds") }

// Scratch is a per-run temporary directory under tmp/.
type Scratch struct {
	Dir string
}

// NewScratch creates tmp/kiln-<uuid>. The caller must defer Remove.
func (w Workdir) NewScratch() (*Scratch, error) {
	if err := os.MkdirAll(w.TmpDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	dir := filepath.Join(w.TmpDir(), "kiln-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	getLogger().Debug("created scratch directory", "path", dir)
	return &Scratch{Dir: dir}, nil
}

// Path joins elem onto the scratch directory.
func (s *Scratch) Path(elem ...string) string {
	return filepath.Join(append([]string{s.Dir}, elem...)...)
}

// Remove deletes the scratch directory and everything in it. It is safe to
// call more than once.
func (s *Scratch) Remove() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	getLogger().Debug("removed scratch directory", "path", s.Dir)
	return nil
}
