package ostree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/kiln/internal/command"
)

const (
	parentCommit = "1111111111111111111111111111111111111111111111111111111111111111"
	childCommit  = "2222222222222222222222222222222222222222222222222222222222222222"
)

type call struct {
	name string
	args []string
}

// fakeRunner answers ostree invocations from a table keyed by subcommand.
type fakeRunner struct {
	calls   []call
	replies map[string]string
	fail    map[string]*command.ToolError
}

func (f *fakeRunner) run(_ context.Context, _ io.Reader, stdout, _ io.Writer, name string, args ...string) error {
	f.calls = append(f.calls, call{name: name, args: args})
	sub := args[0]
	if err, ok := f.fail[sub]; ok {
		return err
	}
	if stdout != nil {
		fmt.Fprintln(stdout, f.replies[sub])
	}
	return nil
}

func TestVerifyRef(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		ref  string
		want bool
	}{
		{ref: "fastbuild/fedora-coreos", want: true},
		{ref: "abc123", want: true},
		{ref: "", want: false},
		{ref: "/leading", want: false},
		{ref: "trailing/", want: false},
		{ref: "has space", want: false},
	}
	for _, tc := range testCases {
		if got := VerifyRef(tc.ref); got != tc.want {
			t.Errorf("VerifyRef(%q) = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestRevParse(t *testing.T) {
	t.Parallel()

	fake := &fakeRunner{replies: map[string]string{"rev-parse": parentCommit}}
	repo := &Repo{Path: "/w/tmp/repo", Run: fake.run}
	got, err := repo.RevParse(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("RevParse() error = %v", err)
	}
	if got != parentCommit {
		t.Fatalf("RevParse() = %q", got)
	}

	fake.replies["rev-parse"] = "not-a-checksum"
	_, err = repo.RevParse(context.Background(), "abc123")
	var resolveErr ResolveRefError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("RevParse() error = %v, want ResolveRefError", err)
	}
}

func TestHasCommit(t *testing.T) {
	t.Parallel()

	fake := &fakeRunner{fail: map[string]*command.ToolError{
		"show": {Tool: "ostree", ExitCode: 1, Stderr: "No such metadata object"},
	}}
	repo := &Repo{Path: "/w/tmp/repo", Run: fake.run}
	ok, err := repo.HasCommit(context.Background(), parentCommit)
	if err != nil || ok {
		t.Fatalf("HasCommit() = %v, %v; want false, nil", ok, err)
	}

	fake.fail = nil
	ok, err = repo.HasCommit(context.Background(), parentCommit)
	if err != nil || !ok {
		t.Fatalf("HasCommit() = %v, %v; want true, nil", ok, err)
	}
}

func TestParentOfRootCommit(t *testing.T) {
	t.Parallel()

	fake := &fakeRunner{fail: map[string]*command.ToolError{
		"rev-parse": {Tool: "ostree", ExitCode: 1, Stderr: "error: Commit 1111 has no parent"},
	}}
	repo := &Repo{Path: "/w/tmp/repo", Run: fake.run}
	parent, err := repo.Parent(context.Background(), parentCommit)
	if err != nil || parent != "" {
		t.Fatalf("Parent() = %q, %v; want empty, nil", parent, err)
	}
}

func TestMetadataUnquotes(t *testing.T) {
	t.Parallel()

	fake := &fakeRunner{replies: map[string]string{"show": "'x86_64'"}}
	repo := &Repo{Path: "/w/tmp/repo", Run: fake.run}
	got, err := repo.Metadata(context.Background(), parentCommit, "kiln.basearch")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if got != "x86_64" {
		t.Fatalf("Metadata() = %q", got)
	}
}

func TestCommitArguments(t *testing.T) {
	t.Parallel()

	fake := &fakeRunner{replies: map[string]string{"commit": childCommit}}
	repo := &Repo{Path: "/w/tmp/repo", Run: fake.run}
	got, err := repo.Commit(context.Background(), CommitOptions{
		Branch:       "fastbuild/fcos",
		Parent:       parentCommit,
		Trees:        []string{"ref=" + parentCommit, "dir=/w/overrides/rootfs"},
		KeepMetadata: []string{"kiln.basearch", "ostree.bootable"},
		Metadata:     map[string]string{"version": "overrides-20261016T120000Z"},
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got != childCommit {
		t.Fatalf("Commit() = %q", got)
	}

	want := []string{
		"commit", "--repo=/w/tmp/repo", "--branch=fastbuild/fcos",
		"--parent=" + parentCommit,
		"--tree=ref=" + parentCommit, "--tree=dir=/w/overrides/rootfs",
		"--keep-metadata=kiln.basearch", "--keep-metadata=ostree.bootable",
		"--add-metadata-string=version=overrides-20261016T120000Z",
		"--no-bindings", "--link-checkout-speedup",
	}
	if diff := cmp.Diff(want, fake.calls[0].args); diff != "" {
		t.Fatalf("commit args mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitValidation(t *testing.T) {
	t.Parallel()

	repo := &Repo{Path: "/w/tmp/repo", Run: (&fakeRunner{}).run}
	testCases := []struct {
		name string
		opts CommitOptions
	}{
		{name: "bad branch", opts: CommitOptions{Branch: "bad branch", Trees: []string{"dir=/x"}}},
		{name: "no trees", opts: CommitOptions{Branch: "b"}},
		{name: "keep without parent", opts: CommitOptions{Branch: "b", Trees: []string{"dir=/x"}, KeepMetadata: []string{"k"}}},
	}
	for _, tc := range testCases {
		if _, err := repo.Commit(context.Background(), tc.opts); err == nil {
			t.Errorf("%s: Commit() error = nil", tc.name)
		}
	}
}

func TestImportArchive(t *testing.T) {
	t.Parallel()

	fake := &fakeRunner{}
	repo := &Repo{Path: "/w/tmp/repo", Run: fake.run}
	if err := repo.ImportArchive(context.Background(), "/w/builds/abc/x86_64/os.ociarchive", "abc123"); err != nil {
		t.Fatalf("ImportArchive() error = %v", err)
	}
	got := strings.Join(fake.calls[0].args, " ")
	want := "container import --repo=/w/tmp/repo --write-ref=abc123 ostree-unverified-image:oci-archive:/w/builds/abc/x86_64/os.ociarchive"
	if got != want {
		t.Fatalf("import args = %q, want %q", got, want)
	}
}
