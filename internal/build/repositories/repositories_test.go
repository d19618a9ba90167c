package repositories

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
)

func TestEmbeddedPlatformsCoverEveryArchitecture(t *testing.T) {
	repo := &PlatformRepository{}
	for _, a := range arch.Supported() {
		table, err := repo.Platforms(a)
		if err != nil {
			t.Fatalf("Platforms(%s) error = %v", a, err)
		}
		for _, kind := range build.Kinds() {
			if !kind.SupportedOn(a) {
				continue
			}
			if _, ok := table.Lookup(kind); !ok {
				t.Errorf("%s: no platform entry for %s", a, kind.Name)
			}
		}
		qemu, _ := table.Lookup(build.Qemu)
		if qemu.SizeGiB <= 0 {
			t.Errorf("%s: qemu size-gib = %d", a, qemu.SizeGiB)
		}
		if qemu.RootfsSizeMiB <= 0 || qemu.RootfsSizeMiB >= qemu.SizeGiB*1024 {
			t.Errorf("%s: qemu rootfs-size-mib = %d with size-gib %d", a, qemu.RootfsSizeMiB, qemu.SizeGiB)
		}
	}
}

func TestWorkspacePlatformsOverride(t *testing.T) {
	dir := t.TempDir()
	content := `x86_64:
  qemu:
    size-gib: 16
    rootfs-size-mib: 4096
    kargs: [console=ttyS1]
`
	if err := os.WriteFile(filepath.Join(dir, platformsFile), []byte(content), 0o644); err != nil {
		t.Fatalf("write platforms.yaml: %v", err)
	}

	table, err := (&PlatformRepository{ConfigDir: dir}).Platforms(arch.X86_64)
	if err != nil {
		t.Fatalf("Platforms() error = %v", err)
	}
	want := build.PlatformTable{"qemu": {SizeGiB: 16, RootfsSizeMiB: 4096, Kargs: []string{"console=ttyS1"}}}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}

	_, err = (&PlatformRepository{ConfigDir: dir}).Platforms(arch.S390X)
	var configErr *build.ConfigError
	if !errors.As(err, &configErr) {
		t.Fatalf("Platforms(s390x) error = %v, want *build.ConfigError", err)
	}
}

func TestPlatformsRejectUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, platformsFile), []byte("x86_64:\n  qemu:\n    size: 10\n"), 0o644); err != nil {
		t.Fatalf("write platforms.yaml: %v", err)
	}
	if _, err := (&PlatformRepository{ConfigDir: dir}).Platforms(arch.X86_64); err == nil {
		t.Fatalf("Platforms() error = nil for unknown key")
	}
}

func TestImageConfig(t *testing.T) {
	dir := t.TempDir()
	content := `osname: fedora-coreos
rootfs: ext4verity
extra-kargs:
  - mitigations=auto,nosmt
deploy-via-container: true
container-imgref: ostree-remote-registry:fedora:quay.io/fedora/fedora-coreos:stable
bootfs: ext4
grub-script: platform.yaml
`
	if err := os.WriteFile(filepath.Join(dir, imageFile), []byte(content), 0o644); err != nil {
		t.Fatalf("write image.yaml: %v", err)
	}

	cfg, err := (&ImageConfigRepository{ConfigDir: dir}).ImageConfig()
	if err != nil {
		t.Fatalf("ImageConfig() error = %v", err)
	}
	if cfg.OSName != "fedora-coreos" || cfg.Rootfs != "ext4verity" || !cfg.DeployViaContainer {
		t.Fatalf("typed fields = %+v", cfg)
	}
	if diff := cmp.Diff([]string{"mitigations=auto,nosmt"}, cfg.ExtraKargs); diff != "" {
		t.Fatalf("extra-kargs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Doc["bootfs"] != "ext4" {
		t.Fatalf("unknown keys not kept: %v", cfg.Doc)
	}
}

func TestImageConfigMissing(t *testing.T) {
	cfg, err := (&ImageConfigRepository{ConfigDir: t.TempDir()}).ImageConfig()
	if err != nil {
		t.Fatalf("ImageConfig() error = %v", err)
	}
	if cfg.OSName != "" || len(cfg.Doc) != 0 {
		t.Fatalf("ImageConfig() = %+v, want empty", cfg)
	}
}

func TestImageConfigMalformed(t *testing.T) {
	_, err := ParseImageConfig([]byte("osname: [unterminated"), "image.yaml")
	var configErr *build.ConfigError
	if !errors.As(err, &configErr) {
		t.Fatalf("ParseImageConfig() error = %v, want *build.ConfigError", err)
	}
}
