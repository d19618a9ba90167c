// Package artifacts makes build outputs durable in a build directory and
// records them in its meta.json.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/logging"
)

// Finalizer turns a working file into its final, durable form.
type Finalizer struct {
	Run    command.Func
	Logger *slog.Logger
}

// Finalize writes tmpPath to finalPath. qcow2 images are compacted through
// qemu-img on the way. The result is synced and renamed into place, so
// finalPath either keeps its previous content or holds the complete new file.
func (f *Finalizer) Finalize(ctx context.Context, tmpPath, finalPath, format string) (err error) {
	if _, err := os.Stat(tmpPath); err != nil {
		return fmt.Errorf("finalize %s: %w", filepath.Base(finalPath), err)
	}
	dir := filepath.Dir(finalPath)
	staged := filepath.Join(dir, "."+filepath.Base(finalPath)+"."+uuid.NewString()[:8]+".tmp")
	defer func() {
		if err != nil {
			if removeErr := os.Remove(staged); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				err = errors.Join(err, removeErr)
			}
		}
	}()

	switch format {
	case "qcow2":
		_, err = command.Output(ctx, f.Run, "qemu-img", "convert", "-O", "qcow2", tmpPath, staged)
		if err != nil {
			return fmt.Errorf("compact %s: %w", filepath.Base(finalPath), err)
		}
	default:
		if err = moveFile(tmpPath, staged); err != nil {
			return fmt.Errorf("stage %s: %w", filepath.Base(finalPath), err)
		}
	}

	if err = syncFile(staged); err != nil {
		return err
	}
	if err = os.Rename(staged, finalPath); err != nil {
		return fmt.Errorf("rename %s into place: %w", filepath.Base(finalPath), err)
	}
	if err = builds.SyncDir(dir); err != nil {
		return err
	}

	if info, statErr := os.Stat(finalPath); statErr == nil {
		logging.Ensure(f.Logger).Debug("finalized artifact",
			"path", finalPath,
			"format", format,
			logging.Bytes("size", info.Size()),
		)
	}
	return nil
}

// moveFile renames src to dst, copying when they live on different
// filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}
