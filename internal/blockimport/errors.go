package blockimport

import (
	"errors"
	"fmt"

	"github.com/tendermint/starksync/types"
)

// ValidationError reports a structurally invalid block. It is deterministic:
// retrying the same block fails the same way.
type ValidationError struct {
	BlockN  uint64
	Pending bool
	// Index of the offending transaction, or -1.
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	block := fmt.Sprintf("block %d", e.BlockN)
	if e.Pending {
		block = "pending block"
	}
	if e.Index >= 0 {
		return fmt.Sprintf("invalid %s: transaction %d: %s", block, e.Index, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", block, e.Reason)
}

// Verification checks.
const (
	CheckBlockNumber     = "block number"
	CheckParentHash      = "parent block hash"
	CheckGlobalStateRoot = "global state root"
	CheckBlockHash       = "block hash"
)

// VerificationError reports a block that does not match local state.
type VerificationError struct {
	BlockN   uint64
	Check    string
	Got      string
	Expected string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verifying block %d: %s mismatch: got %s, expected %s", e.BlockN, e.Check, e.Got, e.Expected)
}

func mismatch(blockN uint64, check string, got, expected types.Felt) *VerificationError {
	return &VerificationError{BlockN: blockN, Check: check, Got: got.Hex(), Expected: expected.Hex()}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsVerificationError reports whether err is a VerificationError.
func IsVerificationError(err error) bool {
	var target *VerificationError
	return errors.As(err, &target)
}
