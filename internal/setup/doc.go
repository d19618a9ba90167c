// Package setup resolves the kiln working directory: the builds tree, the
// OSTree repository under tmp/, the image configuration and per-run scratch
// directories.
//
// A Workdir value is threaded explicitly through every component; nothing
// else in kiln looks up the current directory or a "current build". This
// package is the only one that is allowed to use a package-level logger.
package setup
