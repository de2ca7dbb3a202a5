package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProtocol(name string, version uint) Protocol {
	return Protocol{
		Name:    name,
		Version: version,
		Length:  4,
		Run: func(p *Peer, rw MsgReadWriter) error {
			for {
				msg, err := rw.ReadMsg()
				if err != nil {
					return err
				}
				msg.Discard()
			}
		},
	}
}

// 构建本地监听的测试 Server
func startTestServer(t *testing.T, name string, protos ...Protocol) *Server {
	srv := &Server{Config: Config{
		Name:       name,
		MaxPeers:   10,
		ListenAddr: "127.0.0.1:0",
		PrivateKey: GenerateKey(),
		Protocols:  protos,
	}}
	require.NoError(t, srv.Start())
	return srv
}

func TestServerStartStop(t *testing.T) {
	srv := startTestServer(t, "a")
	assert.Error(t, srv.Start())
	assert.Equal(t, 0, srv.PeerCount())
	srv.Stop()
	srv.Stop()

	// Calls after Stop must not block.
	srv.AddPeer(srv.Self())
	assert.Empty(t, srv.Peers())
}

func TestServerRequiresKey(t *testing.T) {
	srv := &Server{Config: Config{ListenAddr: "127.0.0.1:0"}}
	assert.Error(t, srv.Start())
	assert.False(t, srv.isRunning())
}

func TestServerAddPeer(t *testing.T) {
	a := startTestServer(t, "a", testProtocol("cfx", 2))
	defer a.Stop()
	b := startTestServer(t, "b", testProtocol("cfx", 2))
	defer b.Stop()

	connected := func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 }
	a.AddPeer(b.Self())
	require.Eventually(t, connected, 5*time.Second, 20*time.Millisecond)

	// Repeated requests for the same node are dropped.
	for i := 0; i < 5; i++ {
		a.AddPeer(b.Self())
		b.AddPeer(a.Self())
	}
	assert.Never(t, func() bool { return a.PeerCount() != 1 || b.PeerCount() != 1 }, 300*time.Millisecond, 20*time.Millisecond)

	infos := a.PeersInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].Name)
	assert.Equal(t, NodeIDString(&b.PrivateKey.PublicKey), infos[0].NodeID)
	assert.False(t, infos[0].Inbound)
	assert.True(t, b.PeersInfo()[0].Inbound)
}

func TestServerAddSelf(t *testing.T) {
	a := startTestServer(t, "a", testProtocol("cfx", 2))
	defer a.Stop()

	a.AddPeer(a.Self())
	assert.Never(t, func() bool { return a.PeerCount() != 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestServerUselessPeer(t *testing.T) {
	a := startTestServer(t, "a", testProtocol("cfx", 2))
	defer a.Stop()
	b := startTestServer(t, "b", testProtocol("eth", 68))
	defer b.Stop()

	a.AddPeer(b.Self())
	assert.Never(t, func() bool { return a.PeerCount() != 0 || b.PeerCount() != 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestServerStopDisconnectsPeers(t *testing.T) {
	a := startTestServer(t, "a", testProtocol("cfx", 2))
	defer a.Stop()
	b := startTestServer(t, "b", testProtocol("cfx", 2))

	a.AddPeer(b.Self())
	require.Eventually(t, func() bool { return a.PeerCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	b.Stop()
	require.Eventually(t, func() bool { return a.PeerCount() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestServerRedialAfterDrop(t *testing.T) {
	a := startTestServer(t, "a", testProtocol("cfx", 2))
	defer a.Stop()
	b := startTestServer(t, "b", testProtocol("cfx", 2))
	defer b.Stop()

	connected := func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 }
	a.AddPeer(b.Self())
	require.Eventually(t, connected, 5*time.Second, 20*time.Millisecond)

	b.Peers()[0].Disconnect(DiscRequested)
	require.Eventually(t, func() bool { return a.PeerCount() == 0 && b.PeerCount() == 0 }, 5*time.Second, 20*time.Millisecond)

	// Well within the dial history expiry.
	a.AddPeer(b.Self())
	require.Eventually(t, connected, 5*time.Second, 20*time.Millisecond)
}
