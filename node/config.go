package node

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/peicuiping/cfx-nettest/cfx"
	"github.com/peicuiping/cfx-nettest/params"
)

const clientIdentifier = "cfx-devnode"

// Config holds the node options.
type Config struct {
	// Name is the client name announced in the devp2p Hello.
	Name string

	PrivateKey *ecdsa.PrivateKey
	ListenAddr string
	MaxPeers   int
	NoDial     bool

	HTTPHost         string
	HTTPPort         int
	HTTPModules      []string
	HTTPCors         []string
	HTTPVirtualHosts []string

	NetworkID uint64
	Genesis   common.Hash

	Logger log.Logger
}

var DefaultConfig = Config{
	Name:             clientIdentifier,
	ListenAddr:       "127.0.0.1:0",
	MaxPeers:         25,
	HTTPHost:         "127.0.0.1",
	HTTPModules:      []string{"cfx", "test"},
	HTTPVirtualHosts: []string{"localhost"},
	NetworkID:        params.DefaultNetworkID,
	Genesis:          cfx.DefaultConfig.Genesis,
}
