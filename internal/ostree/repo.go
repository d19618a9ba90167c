// Package ostree drives the ostree CLI against the working directory's
// repository: lookups, metadata reads, commits layered on a parent, and
// importing a build's archived commit.
package ostree

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cochaviz/kiln/internal/command"
)

var refRE = regexp.MustCompile(`^(?:[\w\d][-._\w\d]*\/)*[\w\d][-._\w\d]*$`)

// VerifyRef reports whether ref is a syntactically valid ostree ref.
func VerifyRef(ref string) bool {
	return len(ref) > 0 && refRE.MatchString(ref)
}

// VerifyChecksum reports whether s looks like a sha256 commit checksum.
func VerifyChecksum(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Repo is an ostree repository on disk.
type Repo struct {
	Path string
	Run  command.Func
}

// CommitOptions describes a commit layered onto existing trees.
type CommitOptions struct {
	Branch string
	Parent string
	// Trees are --tree arguments applied in order, e.g. "ref=<checksum>" or
	// "dir=<path>".
	Trees []string
	// KeepMetadata lists parent metadata keys carried into the new commit.
	KeepMetadata []string
	Metadata     map[string]string
	Subject      string
}

// RevParse resolves ref to a commit checksum.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.output(ctx, "rev-parse", "--repo="+r.Path, ref)
	if err != nil {
		return "", NewResolveRefError("resolve %s: %v", ref, err)
	}
	if !VerifyChecksum(out) {
		return "", NewResolveRefError("resolve %s: unexpected output %q", ref, out)
	}
	return out, nil
}

// HasCommit reports whether commit is present in the repository.
func (r *Repo) HasCommit(ctx context.Context, commit string) (bool, error) {
	_, err := r.output(ctx, "show", "--repo="+r.Path, commit)
	if err == nil {
		return true, nil
	}
	var toolErr *command.ToolError
	if errors.As(err, &toolErr) && toolErr.Err == nil {
		return false, nil
	}
	return false, err
}

// Parent returns the parent of commit, or "" for a root commit.
func (r *Repo) Parent(ctx context.Context, commit string) (string, error) {
	out, err := r.output(ctx, "rev-parse", "--repo="+r.Path, commit+"^")
	if err != nil {
		var toolErr *command.ToolError
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "has no parent") {
			return "", nil
		}
		return "", NewResolveRefError("resolve parent of %s: %v", commit, err)
	}
	return out, nil
}

// Metadata reads a string metadata key of commit.
func (r *Repo) Metadata(ctx context.Context, commit, key string) (string, error) {
	out, err := r.output(ctx, "show", "--repo="+r.Path, "--print-metadata-key="+key, commit)
	if err != nil {
		return "", fmt.Errorf("read %s of %s: %w", key, commit, err)
	}
	return unquoteVariant(out), nil
}

// Commit writes a new commit and returns its checksum.
func (r *Repo) Commit(ctx context.Context, opts CommitOptions) (string, error) {
	if !VerifyRef(opts.Branch) {
		return "", NewRefError("invalid branch %q", opts.Branch)
	}
	if len(opts.Trees) == 0 {
		return "", NewParameterComboError("commit to %s: no trees given", opts.Branch)
	}
	if len(opts.KeepMetadata) > 0 && opts.Parent == "" {
		return "", NewParameterComboError("commit to %s: keeping metadata requires a parent", opts.Branch)
	}

	args := []string{"commit", "--repo=" + r.Path, "--branch=" + opts.Branch}
	if opts.Parent != "" {
		args = append(args, "--parent="+opts.Parent)
	}
	if opts.Subject != "" {
		args = append(args, "--subject="+opts.Subject)
	}
	for _, tree := range opts.Trees {
		args = append(args, "--tree="+tree)
	}
	for _, key := range opts.KeepMetadata {
		args = append(args, "--keep-metadata="+key)
	}
	keys := make([]string, 0, len(opts.Metadata))
	for key := range opts.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, fmt.Sprintf("--add-metadata-string=%s=%s", key, opts.Metadata[key]))
	}
	args = append(args, "--no-bindings", "--link-checkout-speedup")

	out, err := r.output(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("commit to %s: %w", opts.Branch, err)
	}
	if !VerifyChecksum(out) {
		return "", fmt.Errorf("commit to %s: unexpected output %q", opts.Branch, out)
	}
	return out, nil
}

// ImportArchive imports an OCI archive holding an ostree commit and writes
// ref pointing at it.
func (r *Repo) ImportArchive(ctx context.Context, archive, ref string) error {
	if !VerifyRef(ref) {
		return NewRefError("invalid ref %q", ref)
	}
	_, err := r.output(ctx, "container", "import", "--repo="+r.Path, "--write-ref="+ref,
		"ostree-unverified-image:oci-archive:"+archive)
	if err != nil {
		return fmt.Errorf("import %s: %w", archive, err)
	}
	return nil
}

// DeleteRef removes ref, leaving the objects in place.
func (r *Repo) DeleteRef(ctx context.Context, ref string) error {
	_, err := r.output(ctx, "refs", "--repo="+r.Path, "--delete", ref)
	return err
}

func (r *Repo) output(ctx context.Context, args ...string) (string, error) {
	return command.Output(ctx, r.Run, "ostree", args...)
}

// unquoteVariant strips the GVariant text quoting ostree show uses for
// string values.
func unquoteVariant(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}
