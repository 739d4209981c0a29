// Package fserr defines the error kinds wrapped by the repository resolver,
// the metadata processor, and the binary-JSON decoder. Callers use
// errors.Is against these sentinels. The virtual filesystem core does not
// return them; it replies to the FUSE adapter with errno values directly.
package fserr

import "errors"

var (
	// NotFound means a snapshot, repository index file, or identifier could
	// not be located.
	NotFound = errors.New("not found")

	// InvalidFormat means a binary-JSON token, codec header, or textual JSON
	// document did not match the expected shape.
	InvalidFormat = errors.New("invalid format")

	// IO wraps an underlying read, seek, or open failure against the
	// repository's backing storage.
	IO = errors.New("io error")

	// IsADirectory means an operation that requires a file target was given
	// a directory identifier.
	IsADirectory = errors.New("is a directory")

	// NotADirectory means an operation that requires a directory target was
	// given a file identifier, or a path component below a file was
	// requested.
	NotADirectory = errors.New("not a directory")
)
