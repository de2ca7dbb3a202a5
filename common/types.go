package common

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const HashLength = common.HashLength

var (
	ErrEmptyHash  = errors.New("empty hash")
	ErrZeroHash   = errors.New("zero hash")
	ErrHashLength = errors.New("invalid hash length")
	ErrHashNotHex = errors.New("hash is not hex encoded")
)

// ParseHash decodes a 0x-prefixed, exactly 32 byte hex string.
//
// Unlike common.HexToHash it never pads or truncates the input, so a genesis
// identifier read from a node either round-trips exactly or is rejected.
func ParseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" || s == "0X" {
		return common.Hash{}, ErrEmptyHash
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrHashNotHex, err)
	}
	if len(b) != HashLength {
		return common.Hash{}, fmt.Errorf("%w: got %d bytes, want %d", ErrHashLength, len(b), HashLength)
	}
	h := common.BytesToHash(b)
	if h == (common.Hash{}) {
		return common.Hash{}, ErrZeroHash
	}
	return h, nil
}

// ShortHash renders the first four bytes of h, for log lines.
func ShortHash(h common.Hash) string {
	return fmt.Sprintf("0x%x", h[:4])
}
