package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FeltLength is the byte length of a field element.
const FeltLength = 32

// Felt is a 32-byte big-endian field element. Addresses, class hashes,
// nonces, storage keys and values are all felts.
type Felt [FeltLength]byte

// ZeroFelt is the zero field element.
var ZeroFelt Felt

// FeltFromUint64 returns v as a felt.
func FeltFromUint64(v uint64) Felt {
	var f Felt
	binary.BigEndian.PutUint64(f[FeltLength-8:], v)
	return f
}

// FeltFromBytes left-pads b into a felt. b must not be longer than 32 bytes.
func FeltFromBytes(b []byte) (Felt, error) {
	var f Felt
	if len(b) > FeltLength {
		return f, fmt.Errorf("felt overflow: %d bytes", len(b))
	}
	copy(f[FeltLength-len(b):], b)
	return f, nil
}

// FeltFromShortString encodes an ascii string of at most 31 chars, the way
// chain ids are written (e.g. "SN_MAIN").
func FeltFromShortString(s string) (Felt, error) {
	if len(s) >= FeltLength {
		return ZeroFelt, fmt.Errorf("short string too long: %q", s)
	}
	return FeltFromBytes([]byte(s))
}

// MustFeltFromShortString is FeltFromShortString for constants.
func MustFeltFromShortString(s string) Felt {
	f, err := FeltFromShortString(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FeltFromHex parses a 0x-prefixed (or bare) hex string of at most 64 digits.
func FeltFromHex(s string) (Felt, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return ZeroFelt, errors.New("empty hex string")
	}
	if len(s) > 2*FeltLength {
		return ZeroFelt, fmt.Errorf("hex string too long: %d digits", len(s))
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroFelt, fmt.Errorf("invalid hex string: %w", err)
	}
	return FeltFromBytes(b)
}

// MustFeltFromHex is FeltFromHex for constants and tests.
func MustFeltFromHex(s string) Felt {
	f, err := FeltFromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Felt) IsZero() bool { return f == ZeroFelt }

// Bytes returns a copy of the underlying bytes.
func (f Felt) Bytes() []byte {
	b := make([]byte, FeltLength)
	copy(b, f[:])
	return b
}

// Uint64 returns the low 8 bytes and whether the felt fits in a uint64.
func (f Felt) Uint64() (uint64, bool) {
	for _, b := range f[:FeltLength-8] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(f[FeltLength-8:]), true
}

// Hex returns the minimal 0x-prefixed hex representation.
func (f Felt) Hex() string {
	s := strings.TrimLeft(hex.EncodeToString(f[:]), "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

func (f Felt) String() string { return f.Hex() }

// Short is used in log lines.
func (f Felt) Short() string {
	s := f.Hex()
	if len(s) <= 14 {
		return s
	}
	return s[:8] + ".." + s[len(s)-4:]
}

func (f Felt) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(f.Hex())), nil
}

func (f *Felt) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("felt must be a json string: %w", err)
	}
	v, err := FeltFromHex(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
