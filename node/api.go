package node

import (
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/peicuiping/cfx-nettest/p2p"
)

// PrivateTestAPI is the test RPC namespace used by harnesses to wire nodes
// together.
type PrivateTestAPI struct {
	node   *Node
	server *p2p.Server
}

func NewPrivateTestAPI(node *Node, server *p2p.Server) *PrivateTestAPI {
	return &PrivateTestAPI{node: node, server: server}
}

// AddNode asks the node to connect to nodeID at address ("ip:port").
// Requests for connected or recently dialed nodes are no-ops.
func (api *PrivateTestAPI) AddNode(nodeID string, address string) error {
	pub, err := p2p.ParseNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("invalid node id: %v", err)
	}
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return fmt.Errorf("invalid address: %v", err)
	}
	if addr.IP == nil || addr.Port == 0 {
		return fmt.Errorf("invalid address %q", address)
	}
	api.server.AddPeer(enode.NewV4(pub, addr.IP, addr.Port, addr.Port))
	return nil
}

// GetPeerInfo returns all connected peers.
func (api *PrivateTestAPI) GetPeerInfo() []*p2p.PeerInfo {
	return api.server.PeersInfo()
}

// NodeInfo is the test RPC view of the local node.
type NodeInfo struct {
	Name       string                 `json:"name"`
	Enode      string                 `json:"enode"`
	NodeID     string                 `json:"nodeid"`
	ListenAddr string                 `json:"listenAddr"`
	Protocols  map[string]interface{} `json:"protocols"`
}

// GetNodeInfo returns the local node's endpoint.
func (api *PrivateTestAPI) GetNodeInfo() *NodeInfo {
	self := api.server.Self()
	return &NodeInfo{
		Name:       api.node.Name(),
		Enode:      self.URLv4(),
		NodeID:     p2p.NodeIDString(self.Pubkey()),
		ListenAddr: api.server.ListenAddr,
		Protocols:  api.server.NodeInfo(),
	}
}
