package build

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/builds"
)

const testCommit = "1111111111111111111111111111111111111111111111111111111111111111"

func testPlanInput(kind Kind, a arch.Architecture) PlanInput {
	build := &builds.Build{ID: "41.20261016.dev.0", Arch: a, Dir: "/w/builds/41.20261016.dev.0/" + string(a)}
	return PlanInput{
		Kind:  kind,
		Arch:  a,
		Build: build,
		Meta: builds.NewMeta(map[string]any{
			"name":          "fedora-coreos",
			"ostree-commit": testCommit,
			"ref":           nil,
			"images": map[string]any{
				"ostree": map[string]any{"path": "fedora-coreos-41.ociarchive", "sha256": "x", "size": 1},
			},
		}),
		RootfsMiB: 1215,
		Platforms: PlatformTable{
			"metal": {},
			"qemu":  {SizeGiB: 10, RootfsSizeMiB: 8192, Kargs: []string{"console=tty0", "console=ttyS0,115200n8"}},
			"qemu-secex": {
				SizeGiB:       10,
				RootfsSizeMiB: 8192,
			},
		},
		Image: ImageConfig{
			Doc:        map[string]any{"bootfs": "ext4", "extra-kargs": []any{"mitigations=auto,nosmt"}},
			Rootfs:     "xfs",
			ExtraKargs: []string{"mitigations=auto,nosmt"},
		},
		GuestWorkDir: GuestWorkDir,
	}
}

func TestPlanMetalSizesFromEstimate(t *testing.T) {
	t.Parallel()

	spec, err := Plan(testPlanInput(Metal, arch.X86_64))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if spec.DiskSizeMiB != 1215+513 || spec.RootfsSizeMiB != 0 {
		t.Fatalf("sizes = disk %d rootfs %d, want disk 1728 rootfs 0", spec.DiskSizeMiB, spec.RootfsSizeMiB)
	}
	if spec.ImageName != "fedora-coreos-41.20261016.dev.0-metal.x86_64.raw" {
		t.Fatalf("ImageName = %q", spec.ImageName)
	}
	want := []string{"mitigations=auto,nosmt", "ignition.platform.id=metal"}
	if diff := cmp.Diff(want, spec.Kargs); diff != "" {
		t.Fatalf("kargs mismatch (-want +got):\n%s", diff)
	}
	if spec.SectorSize != 0 || len(spec.ExtraFlags) != 0 {
		t.Fatalf("metal spec = sector %d flags %v", spec.SectorSize, spec.ExtraFlags)
	}
}

func TestPlanMetal4K(t *testing.T) {
	t.Parallel()

	spec, err := Plan(testPlanInput(Metal4K, arch.X86_64))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if spec.SectorSize != 4096 || spec.Platform != "metal" {
		t.Fatalf("spec = sector %d platform %q", spec.SectorSize, spec.Platform)
	}
	if diff := cmp.Diff([]string{"--no-x86-bios-bootloader"}, spec.ExtraFlags); diff != "" {
		t.Fatalf("flags mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanQemuIgnoresEstimate(t *testing.T) {
	t.Parallel()

	for _, rootfs := range []int{0, 1215, 50000} {
		in := testPlanInput(Qemu, arch.X86_64)
		in.RootfsMiB = rootfs
		spec, err := Plan(in)
		if err != nil {
			t.Fatalf("Plan() error = %v", err)
		}
		if spec.DiskSizeMiB != 10240 || spec.RootfsSizeMiB != 8192 {
			t.Fatalf("rootfs %d: sizes = disk %d rootfs %d", rootfs, spec.DiskSizeMiB, spec.RootfsSizeMiB)
		}
		want := []string{"mitigations=auto,nosmt", "console=tty0", "console=ttyS0,115200n8", "ignition.platform.id=qemu"}
		if diff := cmp.Diff(want, spec.Kargs); diff != "" {
			t.Fatalf("kargs mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestPlanQemuSecex(t *testing.T) {
	t.Parallel()

	spec, err := Plan(testPlanInput(QemuSecex, arch.S390X))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if spec.RootfsSizeMiB != 8192 || spec.DiskSizeMiB != 10240 {
		t.Fatalf("sizes = disk %d rootfs %d", spec.DiskSizeMiB, spec.RootfsSizeMiB)
	}
	want := []string{"--with-secure-execution", "--write-ignition-pubkey-to", "/kiln/work/ignition-pubkey.gpg"}
	if diff := cmp.Diff(want, spec.ExtraFlags); diff != "" {
		t.Fatalf("flags mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanDocument(t *testing.T) {
	t.Parallel()

	in := testPlanInput(Qemu, arch.X86_64)
	in.Image.DeployViaContainer = true
	in.Image.ContainerImgref = "ostree-remote-registry:fedora:quay.io/fedora/fedora-coreos:stable"
	spec, err := Plan(in)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	doc := spec.Document

	checks := map[string]any{
		"bootfs":               "ext4",
		"rootfs-size":          "8192",
		"osname":               "fedora-coreos",
		"buildid":              "41.20261016.dev.0",
		"imgid":                spec.ImageName,
		"deploy-via-container": true,
		"container-imgref":     in.Image.ContainerImgref,
		"ostree-commit":        testCommit,
		"ostree-ref":           nil,
		"ostree-container":     "/w/builds/41.20261016.dev.0/x86_64/fedora-coreos-41.ociarchive",
		"platform":             "qemu",
		"kargs":                "mitigations=auto,nosmt console=tty0 console=ttyS0,115200n8 ignition.platform.id=qemu",
	}
	for key, want := range checks {
		got, ok := doc[key]
		if !ok {
			t.Errorf("document is missing %q", key)
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("document[%q] mismatch (-want +got):\n%s", key, diff)
		}
	}
	if _, ok := doc["platform-table"].(map[string]any)["qemu"]; !ok {
		t.Errorf("platform-table = %v", doc["platform-table"])
	}
	wantPlatforms := map[string]any{"size-gib": 10, "rootfs-size-mib": 8192, "kargs": []string{"console=tty0", "console=ttyS0,115200n8"}}
	if diff := cmp.Diff(wantPlatforms, spec.Platforms["qemu"]); diff != "" {
		t.Errorf("platforms mismatch (-want +got):\n%s", diff)
	}

	// The image config itself must not be mutated.
	if _, ok := in.Image.Doc["osname"]; ok {
		t.Fatalf("Plan() mutated the image document")
	}
}

func TestPlanErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*PlanInput)
	}{
		{name: "wrong arch", mutate: func(in *PlanInput) { in.Kind = Dasd }},
		{name: "no commit", mutate: func(in *PlanInput) { in.Meta = builds.NewMeta(map[string]any{"name": "x"}) }},
		{name: "no estimate", mutate: func(in *PlanInput) { in.RootfsMiB = 0 }},
		{name: "no platform", mutate: func(in *PlanInput) { in.Platforms = PlatformTable{} }},
		{name: "no qemu size", mutate: func(in *PlanInput) {
			in.Kind = Qemu
			in.Platforms = PlatformTable{"qemu": {}}
		}},
		{name: "no qemu rootfs size", mutate: func(in *PlanInput) {
			in.Kind = Qemu
			in.Platforms = PlatformTable{"qemu": {SizeGiB: 10}}
		}},
		{name: "qemu rootfs larger than disk", mutate: func(in *PlanInput) {
			in.Kind = Qemu
			in.Platforms = PlatformTable{"qemu": {SizeGiB: 10, RootfsSizeMiB: 10000}}
		}},
		{name: "no name", mutate: func(in *PlanInput) {
			in.Meta = builds.NewMeta(map[string]any{"ostree-commit": testCommit})
		}},
	}
	for _, tc := range testCases {
		in := testPlanInput(Metal, arch.X86_64)
		tc.mutate(&in)
		_, err := Plan(in)
		var configErr *ConfigError
		if !errors.As(err, &configErr) {
			t.Errorf("%s: Plan() error = %v, want *ConfigError", tc.name, err)
		}
	}
}
