package storage

import "errors"

// Storage error types.
var (
	ErrContainerNotFound = errors.New("container not found")
	ErrBlobNotFound      = errors.New("blob not found")
	ErrInvalidName       = errors.New("invalid name")
)

// IsNotFound reports whether err means the container or the blob is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound) || errors.Is(err, ErrBlobNotFound)
}
