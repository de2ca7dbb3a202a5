package cfx

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block is the RPC view of a block. Only the genesis block exists.
type Block struct {
	Hash         common.Hash    `json:"hash"`
	ParentHash   common.Hash    `json:"parentHash"`
	Height       hexutil.Uint64 `json:"height"`
	EpochNumber  hexutil.Uint64 `json:"epochNumber"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []interface{}  `json:"transactions"`
}

// PublicCfxAPI is the cfx RPC namespace.
type PublicCfxAPI struct {
	s *Service
}

func NewPublicCfxAPI(s *Service) *PublicCfxAPI {
	return &PublicCfxAPI{s: s}
}

// GetBlockByEpochNumber returns the pivot block of epoch, or nil when the
// epoch has not been reached.
func (api *PublicCfxAPI) GetBlockByEpochNumber(epoch string, includeTxs bool) (*Block, error) {
	n, err := parseEpoch(epoch, api.s.BestEpoch())
	if err != nil {
		return nil, err
	}
	if n != 0 {
		return nil, nil
	}
	return &Block{
		Hash:         api.s.Genesis(),
		EpochNumber:  0,
		Transactions: []interface{}{},
	}, nil
}

// EpochNumber returns the best epoch.
func (api *PublicCfxAPI) EpochNumber() hexutil.Uint64 {
	return hexutil.Uint64(api.s.BestEpoch())
}

func parseEpoch(epoch string, best uint64) (uint64, error) {
	switch strings.ToLower(epoch) {
	case "earliest":
		return 0, nil
	case "latest_checkpoint", "latest_finalized", "latest_confirmed", "latest_state", "latest_mined":
		return best, nil
	}
	n, err := hexutil.DecodeUint64(epoch)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch number %q: %v", epoch, err)
	}
	return n, nil
}
