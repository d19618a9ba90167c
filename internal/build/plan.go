package build

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/sizing"
	"github.com/cochaviz/kiln/internal/vm"
)

const (
	// PubkeyFile is the name the disk builder writes the Ignition public key
	// to, inside the work directory.
	PubkeyFile = "ignition-pubkey.gpg"
	// GuestWorkDir is the run's work directory as seen by the builder.
	GuestWorkDir = vm.GuestRoot + "/" + vm.WorkTag
)

// DiskSpec is the request handed to the disk builder. It only lives for one
// invocation.
type DiskSpec struct {
	Kind     Kind
	Arch     arch.Architecture
	Platform string
	// ImageName is the file name of the image in the build directory.
	ImageName     string
	DiskSizeMiB   int
	RootfsSizeMiB int
	SectorSize    int
	Kargs         []string
	ExtraFlags    []string
	// Document is image.yaml merged with the dynamic fields; it is what the
	// builder reads.
	Document map[string]any
	// Platforms is the platform table handed to the builder on its own.
	Platforms map[string]any
}

// PlanInput gathers everything Plan derives a DiskSpec from.
type PlanInput struct {
	Kind      Kind
	Arch      arch.Architecture
	Build     *builds.Build
	Meta      *builds.Meta
	RootfsMiB int
	Platforms PlatformTable
	Image     ImageConfig
	// GuestWorkDir is where the builder sees the run's work directory.
	GuestWorkDir string
}

// Plan computes the disk spec for one image kind.
func Plan(in PlanInput) (DiskSpec, error) {
	kind := in.Kind
	if err := kind.CheckArch(in.Arch); err != nil {
		return DiskSpec{}, err
	}
	if in.Meta.Commit() == "" {
		return DiskSpec{}, &ConfigError{Message: fmt.Sprintf("build %s has no ostree-commit", in.Build.ID)}
	}
	platform, ok := in.Platforms.Lookup(kind)
	if !ok {
		return DiskSpec{}, &ConfigError{Message: fmt.Sprintf("no platform entry for %s on %s", kind.Name, in.Arch)}
	}

	spec := DiskSpec{
		Kind:       kind,
		Arch:       in.Arch,
		Platform:   kind.Platform,
		SectorSize: kind.SectorSize,
		ExtraFlags: append([]string(nil), kind.ExtraFlags...),
	}

	switch kind.SizePolicy {
	case SizeFromEstimate:
		if in.RootfsMiB <= 0 {
			return DiskSpec{}, &ConfigError{Message: fmt.Sprintf("%s needs a rootfs size estimate", kind.Name)}
		}
		spec.RootfsSizeMiB = 0
		spec.DiskSizeMiB = sizing.DiskSizeMB(in.RootfsMiB)
	case SizeFromPlatform:
		if platform.SizeGiB <= 0 {
			return DiskSpec{}, &ConfigError{Message: fmt.Sprintf("platform %s has no size-gib", kind.Platform)}
		}
		spec.DiskSizeMiB = platform.SizeGiB * 1024
		if platform.RootfsSizeMiB <= 0 || platform.RootfsSizeMiB+sizing.ReservedMB > spec.DiskSizeMiB {
			return DiskSpec{}, &ConfigError{Message: fmt.Sprintf("platform %s: rootfs-size-mib %d does not fit a %d GiB disk", kind.Platform, platform.RootfsSizeMiB, platform.SizeGiB)}
		}
		spec.RootfsSizeMiB = platform.RootfsSizeMiB
	}

	spec.Kargs = append(spec.Kargs, in.Image.ExtraKargs...)
	spec.Kargs = append(spec.Kargs, platform.Kargs...)
	spec.Kargs = append(spec.Kargs, "ignition.platform.id="+kind.Platform)

	if kind.SecureExecution {
		spec.ExtraFlags = append(spec.ExtraFlags,
			"--with-secure-execution",
			"--write-ignition-pubkey-to", strings.TrimSuffix(in.GuestWorkDir, "/")+"/"+PubkeyFile,
		)
	}

	name := in.Image.OSName
	if name == "" {
		name = in.Meta.Name()
	}
	if name == "" {
		return DiskSpec{}, &ConfigError{Message: fmt.Sprintf("build %s has no name and image.yaml sets no osname", in.Build.ID)}
	}
	spec.ImageName = fmt.Sprintf("%s-%s-%s.%s.%s", name, in.Build.ID, kind.Name, in.Arch, kind.Extension())

	spec.Platforms = platformDocument(in.Platforms)
	spec.Document = diskDocument(in, spec, name)
	return spec, nil
}

func diskDocument(in PlanInput, spec DiskSpec, osname string) map[string]any {
	doc := map[string]any{}
	builds.MergeDocument(doc, cloneDocument(in.Image.Doc))

	var ref any
	if r := in.Meta.Ref(); r != "" {
		ref = r
	}
	var container any
	if entry, ok := in.Meta.Image("ostree"); ok && in.Image.DeployViaContainer {
		container = in.Build.Path(entry.Path)
	}

	builds.MergeDocument(doc, map[string]any{
		"rootfs-size":          strconv.Itoa(spec.RootfsSizeMiB),
		"osname":               osname,
		"buildid":              in.Build.ID,
		"imgid":                spec.ImageName,
		"deploy-via-container": in.Image.DeployViaContainer,
		"container-imgref":     in.Image.ContainerImgref,
		"ostree-commit":        in.Meta.Commit(),
		"ostree-ref":           ref,
		"ostree-container":     container,
		"kargs":                strings.Join(spec.Kargs, " "),
		"platform":             spec.Platform,
		"platform-table":       platformDocument(in.Platforms),
		"extra-flags":          append([]string{}, spec.ExtraFlags...),
	})
	return doc
}

func platformDocument(table PlatformTable) map[string]any {
	doc := make(map[string]any, len(table))
	for name, p := range table {
		entry := map[string]any{}
		if p.SizeGiB > 0 {
			entry["size-gib"] = p.SizeGiB
		}
		if p.RootfsSizeMiB > 0 {
			entry["rootfs-size-mib"] = p.RootfsSizeMiB
		}
		if len(p.Kargs) > 0 {
			entry["kargs"] = append([]string(nil), p.Kargs...)
		}
		doc[name] = entry
	}
	return doc
}

func cloneDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		if nested, ok := value.(map[string]any); ok {
			out[key] = cloneDocument(nested)
			continue
		}
		out[key] = value
	}
	return out
}
