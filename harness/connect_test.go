package harness

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/peicuiping/cfx-nettest/p2p"
)

func TestConnectNodes(t *testing.T) {
	a := attach(t, startNode(t, "a"))
	b := attach(t, startNode(t, "b"))

	opts := ConnectOptions{Timeout: 3 * time.Second}
	require.NoError(t, ConnectNodes(context.Background(), a, b, opts))

	// A second connect between connected nodes is fine.
	err := ConnectNodes(context.Background(), a, b, opts)
	require.NoError(t, err)
	var connErr *ConnectionError
	assert.False(t, errors.As(err, &connErr))

	// The reverse direction is already established too.
	opts.Strict = true
	require.NoError(t, ConnectNodes(context.Background(), b, a, opts))
}

func TestConnectAll(t *testing.T) {
	nodes := []Node{
		attach(t, startNode(t, "a")),
		attach(t, startNode(t, "b")),
		attach(t, startNode(t, "c")),
	}
	require.NoError(t, ConnectAll(context.Background(), nodes, ConnectOptions{Timeout: 3 * time.Second, Strict: true}))

	peers, err := nodes[1].Peers(context.Background())
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	var cerr *ConfigError
	assert.ErrorAs(t, ConnectAll(context.Background(), nodes[:1], ConnectOptions{Timeout: time.Second}), &cerr)
}

func scriptedNode(t *testing.T, name string) *staticNode {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &staticNode{name: name, enode: enode.NewV4(&key.PublicKey, net.IPv4(127, 0, 0, 1), 30303, 30303)}
}

func TestConnectNodesAddPeerRejected(t *testing.T) {
	a, b := scriptedNode(t, "a"), scriptedNode(t, "b")
	a.addErr = errors.New("refused")

	err := ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: time.Second})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "add peer", connErr.Op)
	assert.ErrorIs(t, err, a.addErr)
}

func TestConnectNodesPeersFailure(t *testing.T) {
	a, b := scriptedNode(t, "a"), scriptedNode(t, "b")
	a.peerErr = errors.New("rpc down")

	err := ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: time.Second})
	var perr *PredicateError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, a.peerErr)
}

func TestConnectNodesTimeout(t *testing.T) {
	a, b := scriptedNode(t, "a"), scriptedNode(t, "b")
	// Listed, but no protocol negotiated yet.
	a.peers = []PeerInfo{{NodeID: p2p.NodeIDString(b.enode.Pubkey()), Protocols: json.RawMessage(`{}`)}}

	m := new(recordingMetrics)
	start := time.Now()
	err := ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: 150 * time.Millisecond, Interval: 20 * time.Millisecond, Metrics: m})
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, []string{ResultTimeout}, m.connects)
}

func TestConnectNodesStrict(t *testing.T) {
	a, b := scriptedNode(t, "a"), scriptedNode(t, "b")
	a.peers = []PeerInfo{{NodeID: p2p.NodeIDString(b.enode.Pubkey()), Protocols: json.RawMessage(`{"cfx":{}}`)}}

	require.NoError(t, ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: 100 * time.Millisecond}))
	err := ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: 100 * time.Millisecond, Strict: true})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, a.added)
	assert.Equal(t, 0, b.added)
}

func TestConnectNodesZeroTimeout(t *testing.T) {
	a, b := scriptedNode(t, "a"), scriptedNode(t, "b")
	var cerr *ConfigError
	assert.ErrorAs(t, ConnectNodes(context.Background(), a, b, ConnectOptions{}), &cerr)
	assert.ErrorAs(t, ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: -time.Second}), &cerr)
	// The node is never told to dial.
	assert.Equal(t, 0, a.added)
}

// hangingNode blocks its RPCs until the caller gives up.
type hangingNode struct {
	*staticNode
	hangAdd bool
}

func (n *hangingNode) AddPeer(ctx context.Context, dest *enode.Node) error {
	if n.hangAdd {
		<-ctx.Done()
		return ctx.Err()
	}
	return n.staticNode.AddPeer(ctx, dest)
}

func (n *hangingNode) Peers(ctx context.Context) ([]PeerInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectNodesHangingPeers(t *testing.T) {
	a := &hangingNode{staticNode: scriptedNode(t, "a")}
	b := scriptedNode(t, "b")

	done := make(chan error, 1)
	go func() {
		done <- ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: 200 * time.Millisecond})
	}()
	select {
	case err := <-done:
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 200*time.Millisecond, terr.Timeout)
	case <-time.After(3 * time.Second):
		t.Fatal("ConnectNodes did not return")
	}
}

func TestConnectNodesHangingAddPeer(t *testing.T) {
	a := &hangingNode{staticNode: scriptedNode(t, "a"), hangAdd: true}
	b := scriptedNode(t, "b")

	start := time.Now()
	err := ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: 200 * time.Millisecond})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// lateNode lists its peers only after a delay.
type lateNode struct {
	*staticNode
	after time.Time
}

func (n *lateNode) Peers(ctx context.Context) ([]PeerInfo, error) {
	if time.Now().Before(n.after) {
		return nil, nil
	}
	return n.staticNode.Peers(ctx)
}

func TestConnectNodesStrictSharesDeadline(t *testing.T) {
	b := scriptedNode(t, "b")
	a := &lateNode{staticNode: scriptedNode(t, "a"), after: time.Now().Add(280 * time.Millisecond)}
	a.peers = []PeerInfo{{NodeID: p2p.NodeIDString(b.enode.Pubkey()), Protocols: json.RawMessage(`{"cfx":{}}`)}}

	start := time.Now()
	err := ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: 300 * time.Millisecond, Interval: 10 * time.Millisecond, Strict: true})
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "b -> a")
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 450*time.Millisecond)
}

func TestConnectNodesTracing(t *testing.T) {
	a, b := scriptedNode(t, "a"), scriptedNode(t, "b")
	a.addErr = errors.New("refused")

	recorder := tracetest.NewSpanRecorder()
	tracer := NewTracer(trace.NewTracerProvider(trace.WithSpanProcessor(recorder)))
	ConnectNodes(context.Background(), a, b, ConnectOptions{Timeout: time.Second, Tracer: tracer})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanConnect, spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}
