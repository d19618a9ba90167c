package builds

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/kiln/arch"
)

const sampleMeta = `{
  "name": "fedora-coreos",
  "buildid": "abc123",
  "ref": null,
  "ostree-commit": "0f1e2d",
  "coreos-assembler.config-gitrev": "deadbeef",
  "images": {
    "ostree": {"path": "fedora-coreos-abc123-ostree.x86_64.ociarchive", "sha256": "aa", "size": 12345678901}
  }
}`

func newTestBuild(t *testing.T, meta string) *Build {
	t.Helper()

	dir := t.TempDir()
	if meta != "" {
		if err := os.WriteFile(filepath.Join(dir, metaFile), []byte(meta), 0o644); err != nil {
			t.Fatalf("write meta.json: %v", err)
		}
	}
	return &Build{ID: "abc123", Arch: arch.X86_64, Dir: dir}
}

func readRaw(t *testing.T, b *Build) map[string]any {
	t.Helper()

	data, err := os.ReadFile(b.MetaPath())
	if err != nil {
		t.Fatalf("read meta.json: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("meta.json is not valid JSON: %v", err)
	}
	return doc
}

func TestMetaAccessors(t *testing.T) {
	t.Parallel()

	meta, err := newTestBuild(t, sampleMeta).Meta()
	if err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if meta.Name() != "fedora-coreos" || meta.Commit() != "0f1e2d" || meta.Ref() != "" {
		t.Fatalf("accessors = %q %q %q", meta.Name(), meta.Commit(), meta.Ref())
	}
	entry, ok := meta.Image("ostree")
	if !ok {
		t.Fatalf("Image(ostree) missing")
	}
	if entry.Size != 12345678901 {
		t.Fatalf("Size = %d, want exact large integer", entry.Size)
	}
	if _, ok := meta.Image("metal"); ok {
		t.Fatalf("Image(metal) present, want missing")
	}
}

func TestReadMetaKey(t *testing.T) {
	t.Parallel()

	build := newTestBuild(t, sampleMeta)
	testCases := []struct {
		key  string
		want string
	}{
		{key: "name", want: "fedora-coreos"},
		{key: "ref", want: None},
		{key: "images.ostree.size", want: "12345678901"},
		{key: "images.metal", want: None},
		{key: "images.metal.path", want: None},
		{key: "name.sub", want: None},
	}
	for _, tc := range testCases {
		got, err := build.ReadMetaKey(tc.key)
		if err != nil {
			t.Fatalf("ReadMetaKey(%q) error = %v", tc.key, err)
		}
		if got != tc.want {
			t.Errorf("ReadMetaKey(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestReadMetaKeyMissingMeta(t *testing.T) {
	t.Parallel()

	_, err := newTestBuild(t, "").ReadMetaKey("name")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadMetaKey() error = %v, want ErrNotFound", err)
	}
}

func TestMergeArtifactPreservesUnknownKeys(t *testing.T) {
	t.Parallel()

	build := newTestBuild(t, sampleMeta)
	entry := ArtifactEntry{Path: "fedora-coreos-abc123-metal.x86_64.raw", SHA256: "bb", Size: 42}
	if err := build.MergeArtifact("metal", entry); err != nil {
		t.Fatalf("MergeArtifact() error = %v", err)
	}

	doc := readRaw(t, build)
	if doc["coreos-assembler.config-gitrev"] != "deadbeef" {
		t.Fatalf("unknown key lost: %v", doc)
	}
	images := doc["images"].(map[string]any)
	if _, ok := images["ostree"]; !ok {
		t.Fatalf("sibling image entry lost: %v", images)
	}
	want := map[string]any{"path": entry.Path, "sha256": "bb", "size": float64(42)}
	if diff := cmp.Diff(want, images["metal"]); diff != "" {
		t.Fatalf("metal entry mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeArtifactIsIdempotent(t *testing.T) {
	t.Parallel()

	build := newTestBuild(t, sampleMeta)
	entry := ArtifactEntry{Path: "key.asc", SHA256: "cc", Size: 7, SkipCompression: true}
	if err := build.MergeArtifact("ignition-gpg-key", entry); err != nil {
		t.Fatalf("first MergeArtifact() error = %v", err)
	}
	first, _ := os.ReadFile(build.MetaPath())
	if err := build.MergeArtifact("ignition-gpg-key", entry); err != nil {
		t.Fatalf("second MergeArtifact() error = %v", err)
	}
	second, _ := os.ReadFile(build.MetaPath())
	if diff := cmp.Diff(string(first), string(second)); diff != "" {
		t.Fatalf("second merge changed document (-first +second):\n%s", diff)
	}
}

func TestMergeArtifactReplacesEntry(t *testing.T) {
	t.Parallel()

	build := newTestBuild(t, sampleMeta)
	if err := build.MergeArtifact("qemu", ArtifactEntry{Path: "old.qcow2", SHA256: "1", Size: 1, SkipCompression: true}); err != nil {
		t.Fatalf("MergeArtifact() error = %v", err)
	}
	if err := build.MergeArtifact("qemu", ArtifactEntry{Path: "new.qcow2", SHA256: "2", Size: 2}); err != nil {
		t.Fatalf("MergeArtifact() error = %v", err)
	}

	meta, err := build.Meta()
	if err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	got, _ := meta.Image("qemu")
	want := ArtifactEntry{Path: "new.qcow2", SHA256: "2", Size: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("qemu entry mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeArtifactLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	build := newTestBuild(t, sampleMeta)
	if err := build.MergeArtifact("metal", ArtifactEntry{Path: "a", SHA256: "b", Size: 1}); err != nil {
		t.Fatalf("MergeArtifact() error = %v", err)
	}
	entries, err := os.ReadDir(build.Dir)
	if err != nil {
		t.Fatalf("read build dir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	if diff := cmp.Diff([]string{metaLockFile, metaFile}, names); diff != "" {
		t.Fatalf("unexpected files after merge (-want +got):\n%s", diff)
	}
}

func TestMergeArtifactConcurrentKinds(t *testing.T) {
	t.Parallel()

	kinds := []string{"metal", "metal4k", "qemu", "qemu-secex"}
	for round := 0; round < 20; round++ {
		build := newTestBuild(t, sampleMeta)

		var wg sync.WaitGroup
		errs := make(chan error, len(kinds))
		for _, kind := range kinds {
			wg.Add(1)
			go func(kind string) {
				defer wg.Done()
				errs <- build.MergeArtifact(kind, ArtifactEntry{Path: kind + ".img", SHA256: kind, Size: 1})
			}(kind)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("MergeArtifact() error = %v", err)
			}
		}

		meta, err := build.Meta()
		if err != nil {
			t.Fatalf("Meta() error = %v", err)
		}
		for _, kind := range append([]string{"ostree"}, kinds...) {
			if _, ok := meta.Image(kind); !ok {
				t.Fatalf("round %d: images.%s lost after concurrent merges", round, kind)
			}
		}
	}
}

func TestMergeArtifactCorruptMetaUntouched(t *testing.T) {
	t.Parallel()

	build := newTestBuild(t, `{"name": `)
	if err := build.MergeArtifact("metal", ArtifactEntry{Path: "a"}); err == nil {
		t.Fatalf("MergeArtifact() error = nil, want parse error")
	}
	data, _ := os.ReadFile(build.MetaPath())
	if string(data) != `{"name": ` {
		t.Fatalf("corrupt meta.json was rewritten: %q", data)
	}
}

func TestMergeDocument(t *testing.T) {
	t.Parallel()

	dst := map[string]any{
		"a": map[string]any{"x": 1, "y": map[string]any{"deep": true}},
		"b": "keep",
	}
	src := map[string]any{
		"a": map[string]any{"y": map[string]any{"other": 2}, "z": 3},
		"c": []any{"new"},
	}
	MergeDocument(dst, src)

	want := map[string]any{
		"a": map[string]any{"x": 1, "y": map[string]any{"deep": true, "other": 2}, "z": 3},
		"b": "keep",
		"c": []any{"new"},
	}
	if diff := cmp.Diff(want, dst); diff != "" {
		t.Fatalf("MergeDocument mismatch (-want +got):\n%s", diff)
	}
}
