package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/logging"
)

// CommitOptions tune the recorded entry.
type CommitOptions struct {
	SkipCompression bool
}

// Commit hashes finalPath and records it under images.<kind> of b. finalPath
// must be inside the build directory and already finalized.
func Commit(b *builds.Build, kind, finalPath string, opts CommitOptions) (builds.ArtifactEntry, error) {
	rel, err := filepath.Rel(b.Dir, finalPath)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return builds.ArtifactEntry{}, fmt.Errorf("artifact %s is outside build directory %s", finalPath, b.Dir)
	}

	sum, size, err := hashFile(finalPath)
	if err != nil {
		return builds.ArtifactEntry{}, fmt.Errorf("hash %s: %w", rel, err)
	}
	entry := builds.ArtifactEntry{
		Path:            filepath.ToSlash(rel),
		SHA256:          sum,
		Size:            size,
		SkipCompression: opts.SkipCompression,
	}
	if err := b.MergeArtifact(kind, entry); err != nil {
		return builds.ArtifactEntry{}, fmt.Errorf("record %s: %w", kind, err)
	}
	return entry, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Publisher finalizes and commits a build's outputs in order.
type Publisher struct {
	Finalizer *Finalizer
	Logger    *slog.Logger
}

// Publish handles outputs one by one: the first is the disk image and is
// required; later ones marked Optional are skipped when they were not
// produced. It stops at the first failure, leaving earlier entries recorded.
func (p *Publisher) Publish(ctx context.Context, b *builds.Build, outputs []Output) ([]builds.ArtifactEntry, error) {
	if len(outputs) == 0 {
		return nil, errors.New("nothing to publish")
	}
	finalizer := p.Finalizer
	if finalizer == nil {
		finalizer = &Finalizer{Logger: p.Logger}
	}
	logger := logging.Ensure(p.Logger).With("build", b.ID)

	var entries []builds.ArtifactEntry
	for i, output := range outputs {
		if output.Optional && i > 0 {
			if _, err := os.Stat(output.TempPath); errors.Is(err, fs.ErrNotExist) {
				logger.Debug("companion artifact not produced", "kind", output.Kind)
				continue
			}
		}
		finalPath := b.Path(output.Name)
		if err := finalizer.Finalize(ctx, output.TempPath, finalPath, output.Format); err != nil {
			return entries, err
		}
		entry, err := Commit(b, output.Kind, finalPath, CommitOptions{SkipCompression: output.SkipCompression})
		if err != nil {
			return entries, err
		}
		logger.Info("recorded artifact",
			"kind", output.Kind,
			"path", entry.Path,
			"sha256", entry.SHA256,
			logging.Bytes("size", entry.Size),
		)
		entries = append(entries, entry)
	}
	return entries, nil
}
