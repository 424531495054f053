// Package gateway fetches blocks from a feeder gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tendermint/starksync/types"
)

// ErrBlockNotFound is returned for blocks past the head of the chain.
var ErrBlockNotFound = errors.New("block not found")

// Provider is the upstream the sync pipeline pulls blocks from.
type Provider interface {
	// GetBlock returns the confirmed block with the given number and its state
	// diff, or ErrBlockNotFound.
	GetBlock(ctx context.Context, blockN uint64) (*types.RawBlock, error)
	// GetPendingBlock returns the block currently being built, or nil if
	// there is none.
	GetPendingBlock(ctx context.Context) (*types.RawPendingBlock, error)
}

// Error is a failed gateway request.
type Error struct {
	StatusCode int
	// Starknet error code, when the gateway sent one.
	Code    string
	Message string
	// Transport error, if the request or reading the response failed.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("gateway request failed: %v", e.Err)
	case e.Code != "":
		return fmt.Sprintf("gateway error %d %s: %s", e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("gateway error %d: %s", e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether retrying the request may succeed: rate limits,
// server errors and network failures.
func (e *Error) IsTransient() bool {
	if e.Err != nil {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsTransient reports whether err is a transient gateway error.
func IsTransient(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.IsTransient()
}
