package artifacts

// Output is one file produced by a build, waiting to be published into the
// build directory.
type Output struct {
	// Kind is the key under images in meta.json.
	Kind string
	// TempPath is where the producer left the file.
	TempPath string
	// Name is the file name inside the build directory.
	Name string
	// Format is "qcow2" or "raw" for disk images and empty for plain files.
	Format          string
	SkipCompression bool
	// Optional outputs are only published when TempPath exists.
	Optional bool
}
