package fastbuild

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/command"
)

// overlay is a directory committed on top of the previous tree.
type overlay struct {
	dir string
	// reusable overlays get their etc rename reverted.
	reusable bool
	renamed  bool
	madeUsr  bool
}

// checkNotEmpty fails with ErrEmptyOverlay when dir is missing or empty.
func checkNotEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", dir, ErrEmptyOverlay)
		}
		return fmt.Errorf("read overlay: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%s: %w", dir, ErrEmptyOverlay)
	}
	return nil
}

// installProject runs make install for project into destDir.
func installProject(ctx context.Context, run command.Func, project, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create install root: %w", err)
	}
	if err := command.Passthrough(ctx, run, "make", "-C", project, "install", "DESTDIR="+destDir); err != nil {
		return fmt.Errorf("install %s: %w", filepath.Base(project), err)
	}
	return nil
}

// projectVersion describes the project's checkout.
func projectVersion(ctx context.Context, run command.Func, project string) (string, error) {
	out, err := command.Output(ctx, run, "git", "-C", project, "describe", "--tags", "--always", "--dirty")
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", filepath.Base(project), err)
	}
	return out, nil
}

// moveEtc moves etc/ to usr/etc/, where the tree keeps its default
// configuration.
func (o *overlay) moveEtc() error {
	etc := filepath.Join(o.dir, "etc")
	if _, err := os.Lstat(etc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat overlay etc: %w", err)
	}
	usr := filepath.Join(o.dir, "usr")
	usrEtc := filepath.Join(usr, "etc")
	if _, err := os.Lstat(usrEtc); err == nil {
		return fmt.Errorf("overlay has both etc/ and usr/etc/")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat overlay usr/etc: %w", err)
	}

	if _, err := os.Lstat(usr); errors.Is(err, fs.ErrNotExist) {
		if err := os.Mkdir(usr, 0o755); err != nil {
			return fmt.Errorf("create overlay usr: %w", err)
		}
		o.madeUsr = true
	}
	if err := os.Rename(etc, usrEtc); err != nil {
		return fmt.Errorf("move overlay etc: %w", err)
	}
	o.renamed = true
	return nil
}

// restore undoes moveEtc for reusable overlays.
func (o *overlay) restore() error {
	if !o.reusable || !o.renamed {
		return nil
	}
	usr := filepath.Join(o.dir, "usr")
	if err := os.Rename(filepath.Join(usr, "etc"), filepath.Join(o.dir, "etc")); err != nil {
		return fmt.Errorf("restore overlay etc: %w", err)
	}
	o.renamed = false
	if o.madeUsr {
		if err := os.Remove(usr); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove overlay usr: %w", err)
		}
	}
	return nil
}
