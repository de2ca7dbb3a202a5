package cfx

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// cfx protocol message codes, relative to the capability offset.
const (
	StatusMsg = 0x00
)

type errCode int

const (
	ErrMsgTooLarge errCode = iota
	ErrDecode
	ErrInvalidMsgCode
	ErrProtocolVersionMismatch
	ErrNetworkIdMismatch
	ErrGenesisBlockMismatch
	ErrNoStatusMsg
	ErrExtraStatusMsg
)

func (e errCode) String() string {
	return errorToString[e]
}

func (e errCode) Error() string {
	return e.String()
}

var errorToString = map[errCode]string{
	ErrMsgTooLarge:             "Message too long",
	ErrDecode:                  "Invalid message",
	ErrInvalidMsgCode:          "Invalid message code",
	ErrProtocolVersionMismatch: "Protocol version mismatch",
	ErrNetworkIdMismatch:       "NetworkId mismatch",
	ErrGenesisBlockMismatch:    "Genesis block mismatch",
	ErrNoStatusMsg:             "No status message",
	ErrExtraStatusMsg:          "Extra status message",
}

func errResp(code errCode, format string, v ...interface{}) error {
	return fmt.Errorf("%w - %v", code, fmt.Sprintf(format, v...))
}

// Status is the cfx handshake announcement.
type Status struct {
	ProtocolVersion uint32
	NetworkID       uint64
	GenesisHash     common.Hash
	BestEpoch       uint64
	TerminalHashes  []common.Hash
}

func (s *Status) String() string {
	return fmt.Sprintf("Status{version: %d, network: %d, genesis: %x, epoch: %d}",
		s.ProtocolVersion, s.NetworkID, s.GenesisHash[:8], s.BestEpoch)
}

// NodeInfo is the cfx metadata of the local node.
type NodeInfo struct {
	Network uint64      `json:"network"`
	Genesis common.Hash `json:"genesis"`
	Epoch   uint64      `json:"epoch"`
}

// PeerInfo is the cfx metadata of a peer that finished the status exchange.
type PeerInfo struct {
	Version   uint32      `json:"version"`
	Network   uint64      `json:"network"`
	BestEpoch uint64      `json:"bestEpoch"`
	Genesis   common.Hash `json:"genesis"`
}
