// Package buildlock serializes builds of one artifact kind within one build
// directory through a marker file. The lock is cooperative: a marker left by
// a crashed process stays until an operator breaks it.
package buildlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/logging"
)

// ErrAlreadyBuilding is returned when another invocation holds the marker.
var ErrAlreadyBuilding = errors.New("already building")

// Marker is the content of a marker file.
type Marker struct {
	Owner   string    `json:"owner"`
	PID     int       `json:"pid"`
	Host    string    `json:"host"`
	Started time.Time `json:"started"`
}

func (m *Marker) String() string {
	return fmt.Sprintf("pid %d on %s since %s", m.PID, m.Host, m.Started.Format(time.RFC3339))
}

// Lock is a held marker. Release is safe to call more than once.
type Lock struct {
	path  string
	owner string
	once  sync.Once
	err   error
}

// MarkerPath returns the marker location for kind inside dir.
func MarkerPath(dir, kind string) string {
	return filepath.Join(dir, "."+kind+".building")
}

// Acquire creates the marker for kind inside dir. It never waits.
func Acquire(dir, kind string) (*Lock, error) {
	if kind == "" {
		return nil, errors.New("lock kind is required")
	}
	path := MarkerPath(dir, kind)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			if holder, readErr := readMarker(path); readErr == nil {
				return nil, fmt.Errorf("%s: held by %s: %w", path, holder, ErrAlreadyBuilding)
			}
			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyBuilding)
		}
		return nil, fmt.Errorf("create lock marker: %w", err)
	}

	host, _ := os.Hostname()
	marker := Marker{
		Owner:   uuid.NewString(),
		PID:     os.Getpid(),
		Host:    host,
		Started: time.Now().UTC(),
	}
	encodeErr := json.NewEncoder(f).Encode(&marker)
	closeErr := f.Close()
	if err := errors.Join(encodeErr, closeErr); err != nil {
		return nil, errors.Join(fmt.Errorf("write lock marker: %w", err), os.Remove(path))
	}
	return &Lock{path: path, owner: marker.Owner}, nil
}

// Path returns the marker file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the marker if it still carries this lock's owner token. A
// marker that was broken and re-acquired by someone else is left alone.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		marker, err := readMarker(l.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			l.err = fmt.Errorf("release %s: %w", l.path, err)
			return
		}
		if marker.Owner != l.owner {
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.err = fmt.Errorf("release %s: %w", l.path, err)
		}
	})
	return l.err
}

// Break removes a marker left behind by a dead invocation. It is only ever
// called on explicit operator request.
func Break(dir, kind string, logger *slog.Logger) error {
	logger = logging.Ensure(logger)
	path := MarkerPath(dir, kind)

	holder, err := readMarker(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		logger.Warn("breaking unreadable build lock", "path", path, "error", err)
	default:
		logger.Warn("breaking build lock", "path", path, "holder", holder.String())
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("break lock %s: %w", path, err)
	}
	return nil
}

// Holder reports who holds the marker for kind, or an error wrapping
// fs.ErrNotExist when nobody does.
func Holder(dir, kind string) (*Marker, error) {
	return readMarker(MarkerPath(dir, kind))
}

func readMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("parse lock marker %s: %w", path, err)
	}
	return &marker, nil
}
