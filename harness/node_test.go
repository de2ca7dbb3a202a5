package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peicuiping/cfx-nettest/node"
)

func startNode(t *testing.T, name string) *node.Node {
	conf := node.DefaultConfig
	conf.Name = name
	n, err := node.New(conf)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	return n
}

func attach(t *testing.T, n *node.Node) *RPCNode {
	rn, err := DialNode(context.Background(), NodeConfig{Name: n.Name(), RPC: n.HTTPEndpoint()})
	require.NoError(t, err)
	t.Cleanup(rn.Close)
	return rn
}

func TestDialNode(t *testing.T) {
	n := startNode(t, "a")
	rn := attach(t, n)

	assert.Equal(t, "a", rn.Name())
	assert.Equal(t, n.Enode().URLv4(), rn.Enode().URLv4())

	genesis, err := rn.GenesisHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n.Genesis().Hex(), genesis)

	peers, err := rn.Peers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestDialNodeWithEnode(t *testing.T) {
	n := startNode(t, "a")
	rn, err := DialNode(context.Background(), NodeConfig{RPC: n.HTTPEndpoint(), Enode: n.Enode().URLv4()})
	require.NoError(t, err)
	defer rn.Close()
	assert.Equal(t, n.Enode().ID(), rn.Enode().ID())
	assert.Equal(t, n.HTTPEndpoint(), rn.Name())
}

func TestDialNodeErrors(t *testing.T) {
	ctx := context.Background()

	var cerr *ConfigError
	_, err := DialNode(ctx, NodeConfig{})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "rpc", cerr.Field)

	_, err = DialNode(ctx, NodeConfig{RPC: "http://127.0.0.1:1", Enode: "enode://nothex@127.0.0.1:1"})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "enode", cerr.Field)

	var connErr *ConnectionError
	_, err = DialNode(ctx, NodeConfig{RPC: "ftp://127.0.0.1:1"})
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial rpc", connErr.Op)

	// Enode resolution needs a live endpoint.
	_, err = DialNode(ctx, NodeConfig{RPC: "http://127.0.0.1:1"})
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, DefaultRPCMethods.NodeInfo, connErr.Op)
}

func TestPeerInfoHasProtocols(t *testing.T) {
	for raw, want := range map[string]bool{
		``:                      false,
		`null`:                  false,
		`[]`:                    false,
		` {} `:                  false,
		`{"cfx":{"version":2}}`: true,
		`["cfx/2"]`:             true,
	} {
		p := PeerInfo{Protocols: json.RawMessage(raw)}
		assert.Equal(t, want, p.HasProtocols(), "protocols %q", raw)
	}
}

func TestPeerInfoIs(t *testing.T) {
	p := PeerInfo{NodeID: "0xABCDEF"}
	assert.True(t, p.Is("0xabcdef"))
	assert.True(t, p.Is("abcdef"))
	assert.False(t, p.Is("0xabcdee"))
}

var _ Node = (*RPCNode)(nil)

// staticNode is a scripted Node.
type staticNode struct {
	name    string
	enode   *enode.Node
	addErr  error
	peers   []PeerInfo
	peerErr error
	added   int
}

func (n *staticNode) Name() string                                { return n.name }
func (n *staticNode) Enode() *enode.Node                          { return n.enode }
func (n *staticNode) GenesisHash(context.Context) (string, error) { return "", nil }
func (n *staticNode) Close()                                      {}

func (n *staticNode) AddPeer(context.Context, *enode.Node) error {
	n.added++
	return n.addErr
}

func (n *staticNode) Peers(context.Context) ([]PeerInfo, error) {
	return n.peers, n.peerErr
}
