package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cochaviz/kiln/internal/command"
)

// CreateImage creates an empty disk image of the given format and size.
func CreateImage(ctx context.Context, run command.Func, path, format string, sizeBytes int64) error {
	if path == "" {
		return errors.New("image path is empty")
	}
	if sizeBytes <= 0 {
		return fmt.Errorf("image %s: invalid size %d", path, sizeBytes)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing image %q: %w", path, err)
	}
	_, err := command.Output(ctx, run, "qemu-img", "create", "-f", format, path, strconv.FormatInt(sizeBytes, 10))
	if err != nil {
		return fmt.Errorf("create %s image: %w", format, err)
	}
	return nil
}

// CloneBacked creates a qcow2 image at dst whose backing file is base.
func CloneBacked(ctx context.Context, run command.Func, base, dst string, sizeBytes int64) error {
	if base == "" {
		return errors.New("base image path is empty")
	}
	if dst == "" {
		return errors.New("clone path is empty")
	}

	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("resolve base image path %q: %w", base, err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return fmt.Errorf("stat base image %q: %w", baseAbs, err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing clone %q: %w", dst, err)
	}

	args := []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", baseAbs, dst}
	if sizeBytes > 0 {
		args = append(args, strconv.FormatInt(sizeBytes, 10))
	}
	if _, err := command.Output(ctx, run, "qemu-img", args...); err != nil {
		return fmt.Errorf("clone %s: %w", base, err)
	}
	return nil
}

// CreateScratchExt4 creates a sparse file of sizeBytes and formats it ext4.
func CreateScratchExt4(ctx context.Context, run command.Func, path string, sizeBytes int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create scratch disk: %w", err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		return fmt.Errorf("size scratch disk: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close scratch disk: %w", err)
	}
	if _, err := command.Output(ctx, run, "mkfs.ext4", "-q", "-F", path); err != nil {
		return fmt.Errorf("format scratch disk: %w", err)
	}
	return nil
}
