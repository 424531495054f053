package store

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBlockNumber is returned for block numbers that do not fit the
	// 32-bit big-endian suffix of history keys.
	ErrInvalidBlockNumber = errors.New("block number does not fit in 32 bits")

	// ErrInvalidEntityKey is returned when an entity key has the wrong width
	// for its column.
	ErrInvalidEntityKey = errors.New("invalid entity key width")

	// ErrStalePending is returned when a pending block does not build on the
	// current chain tip.
	ErrStalePending = errors.New("pending block parent is not the latest block")

	// ErrRestoreNonEmpty is returned when restoring a backup into a database
	// that already holds data.
	ErrRestoreNonEmpty = errors.New("refusing to restore a backup into a non-empty database")
)

// ErrCorrupted is returned when a stored record does not have the shape the
// store wrote. It indicates on-disk corruption, not a caller error.
type ErrCorrupted struct {
	Column string
	Key    []byte
	Err    error
}

func (e ErrCorrupted) Error() string {
	return fmt.Sprintf("corrupted %s record at key %X: %v", e.Column, e.Key, e.Err)
}

func (e ErrCorrupted) Unwrap() error { return e.Err }

// IsCorrupted reports whether err is a corruption error.
func IsCorrupted(err error) bool {
	var target ErrCorrupted
	return errors.As(err, &target)
}
