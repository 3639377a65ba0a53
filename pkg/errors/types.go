package errors

import (
	"fmt"
)

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// StaleSerial represents when the upstream served metadata older than the
// serial we asked for. This happens when the upstream's caches lag behind its
// changelog, and is retryable.
type StaleSerial struct {
	Package  string
	Expected int64
	Got      int64
}

func (err StaleSerial) Error() string {
	return fmt.Sprintf("package %q: upstream serial %d is older than expected serial %d",
		err.Package, err.Got, err.Expected)
}

// PackageNotFound represents when the upstream no longer knows about a
// package. The local copy of the package should be removed in response.
type PackageNotFound struct {
	Package string
}

func (err PackageNotFound) Error() string {
	return fmt.Sprintf("package %q does not exist upstream", err.Package)
}

// HashMismatch represents when downloaded bytes hashed differently than the
// digest declared in the package metadata. The downloaded bytes must never be
// published.
type HashMismatch struct {
	Path     string
	Digest   string
	Expected string
	Actual   string
}

func (err HashMismatch) Error() string {
	return fmt.Sprintf("%s: %s hash mismatch: expected %s, got %s",
		err.Path, err.Digest, err.Expected, err.Actual)
}

// LockHeld represents when the mirror directory lock couldn't be acquired
// because another process holds it.
type LockHeld struct {
	Path string
}

func (err LockHeld) Error() string {
	return fmt.Sprintf("lock %q is held by another process", err.Path)
}
