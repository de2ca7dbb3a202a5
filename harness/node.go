package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/peicuiping/cfx-nettest/p2p"
)

// Node is the harness view of a running blockchain node.
type Node interface {
	Name() string
	// Enode is the node's p2p endpoint.
	Enode() *enode.Node
	// GenesisHash returns the hash of the epoch 0 block as reported by the
	// node, unvalidated.
	GenesisHash(ctx context.Context) (string, error)
	// AddPeer instructs the node to connect to n.
	AddPeer(ctx context.Context, n *enode.Node) error
	// Peers lists the node's current peers.
	Peers(ctx context.Context) ([]PeerInfo, error)
	Close()
}

// PeerInfo is one entry of a node's peer list.
type PeerInfo struct {
	NodeID    string          `json:"nodeid"`
	Addr      string          `json:"addr"`
	Name      string          `json:"name"`
	Protocols json.RawMessage `json:"protocols"`
}

// HasProtocols reports whether at least one sub-protocol was negotiated.
func (p PeerInfo) HasProtocols() bool {
	raw := bytes.TrimSpace(p.Protocols)
	switch string(raw) {
	case "", "null", "[]", "{}":
		return false
	}
	return true
}

// Is reports whether the entry refers to the node with the given id.
func (p PeerInfo) Is(nodeID string) bool {
	return strings.EqualFold(strings.TrimPrefix(p.NodeID, "0x"), strings.TrimPrefix(nodeID, "0x"))
}

// RPCMethods names the JSON-RPC methods a node exposes for the harness.
type RPCMethods struct {
	GenesisBlock string
	AddPeer      string
	PeerInfo     string
	NodeInfo     string
}

var DefaultRPCMethods = RPCMethods{
	GenesisBlock: "cfx_getBlockByEpochNumber",
	AddPeer:      "test_addNode",
	PeerInfo:     "test_getPeerInfo",
	NodeInfo:     "test_getNodeInfo",
}

// NodeConfig describes how to reach a node.
type NodeConfig struct {
	Name string
	// RPC is the JSON-RPC endpoint, any URL go-ethereum's client can dial.
	RPC string
	// Enode is the node's enode URL. When empty it is queried over RPC.
	Enode   string
	Methods RPCMethods
	Logger  log.Logger
}

// RPCNode drives a node through its JSON-RPC interface.
type RPCNode struct {
	name    string
	client  *gethrpc.Client
	enode   *enode.Node
	methods RPCMethods
	log     log.Logger
}

// DialNode connects to the node's RPC endpoint and resolves its enode.
func DialNode(ctx context.Context, cfg NodeConfig) (*RPCNode, error) {
	if cfg.RPC == "" {
		return nil, &ConfigError{Field: "rpc", Err: errors.New("empty endpoint")}
	}
	if cfg.Methods == (RPCMethods{}) {
		cfg.Methods = DefaultRPCMethods
	}
	if cfg.Name == "" {
		cfg.Name = cfg.RPC
	}
	var dest *enode.Node
	if cfg.Enode != "" {
		n, err := enode.ParseV4(cfg.Enode)
		if err != nil {
			return nil, &ConfigError{Field: "enode", Err: err}
		}
		dest = n
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}

	client, err := gethrpc.DialContext(ctx, cfg.RPC)
	if err != nil {
		return nil, &ConnectionError{Addr: cfg.RPC, Op: "dial rpc", Err: err}
	}
	n := &RPCNode{
		name:    cfg.Name,
		client:  client,
		enode:   dest,
		methods: cfg.Methods,
		log:     logger.New("node", cfg.Name),
	}
	if n.enode == nil {
		if err := n.resolveEnode(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}
	n.log.Debug("Attached to node", "rpc", cfg.RPC, "enode", n.enode.URLv4())
	return n, nil
}

func (n *RPCNode) resolveEnode(ctx context.Context) error {
	var info struct {
		Enode string `json:"enode"`
	}
	if err := n.client.CallContext(ctx, &info, n.methods.NodeInfo); err != nil {
		return &ConnectionError{Addr: n.name, Op: n.methods.NodeInfo, Err: err}
	}
	dest, err := enode.ParseV4(info.Enode)
	if err != nil {
		return &ConfigError{Field: "enode", Err: fmt.Errorf("node reported %q: %w", info.Enode, err)}
	}
	n.enode = dest
	return nil
}

func (n *RPCNode) Name() string { return n.name }

func (n *RPCNode) Enode() *enode.Node { return n.enode }

func (n *RPCNode) GenesisHash(ctx context.Context) (string, error) {
	var block *struct {
		Hash string `json:"hash"`
	}
	if err := n.client.CallContext(ctx, &block, n.methods.GenesisBlock, "0x0", false); err != nil {
		return "", err
	}
	if block == nil {
		return "", errors.New("node has no epoch 0 block")
	}
	return block.Hash, nil
}

func (n *RPCNode) AddPeer(ctx context.Context, dest *enode.Node) error {
	if dest.Pubkey() == nil {
		return fmt.Errorf("node %v has no secp256k1 key", dest.ID())
	}
	addr := net.JoinHostPort(dest.IP().String(), strconv.Itoa(dest.TCP()))
	n.log.Debug("Adding peer", "id", dest.ID(), "addr", addr)
	return n.client.CallContext(ctx, nil, n.methods.AddPeer, p2p.NodeIDString(dest.Pubkey()), addr)
}

func (n *RPCNode) Peers(ctx context.Context) ([]PeerInfo, error) {
	var peers []PeerInfo
	if err := n.client.CallContext(ctx, &peers, n.methods.PeerInfo); err != nil {
		return nil, err
	}
	return peers, nil
}

func (n *RPCNode) Close() {
	n.client.Close()
}
