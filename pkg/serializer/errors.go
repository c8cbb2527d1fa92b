package serializer

import "errors"

var (
	// ErrNotFound is returned for a block id that was never allocated, was
	// freed, or has no committed version to read.
	ErrNotFound = errors.New("serializer: block not found")

	// ErrConfigMismatch is returned when the configuration disagrees with
	// the on-disk layout recorded in the superblock.
	ErrConfigMismatch = errors.New("serializer: configuration does not match on-disk layout")

	// ErrNotInitialized is returned by Open on a directory without a store.
	ErrNotInitialized = errors.New("serializer: store not initialized")

	// ErrExists is returned by Create on a directory that already holds a store.
	ErrExists = errors.New("serializer: store already exists")

	// ErrLocked is returned when another process holds the store.
	ErrLocked = errors.New("serializer: store is locked by another process")

	// ErrBlockSize is returned when a write payload exceeds the block size.
	ErrBlockSize = errors.New("serializer: payload larger than block size")

	// ErrClosed is returned for calls after Drain.
	ErrClosed = errors.New("serializer: closed")
)
