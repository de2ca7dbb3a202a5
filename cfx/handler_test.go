package cfx

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/params"
)

func newTestService(t *testing.T) *Service {
	s, err := New(Config{NetworkID: testNetwork, Genesis: testGenesis})
	require.NoError(t, err)
	return s
}

func TestNewRejectsZeroGenesis(t *testing.T) {
	_, err := New(Config{NetworkID: 1})
	assert.Error(t, err)
}

func TestServiceProtocols(t *testing.T) {
	s := newTestService(t)
	protos := s.Protocols()
	require.Len(t, protos, len(params.ProtocolVersions))
	for i, p := range protos {
		assert.Equal(t, params.ProtocolName, p.Name)
		assert.Equal(t, params.ProtocolVersions[i], p.Version)
		assert.Equal(t, params.ProtocolLength, p.Length)
	}
	info := protos[0].NodeInfo().(*NodeInfo)
	assert.Equal(t, testGenesis, info.Genesis)
	assert.Equal(t, testNetwork, info.Network)
}

func TestServicePeerLifecycle(t *testing.T) {
	s := newTestService(t)
	proto := s.Protocols()[0]
	id := enode.ID{7}

	local, remote := p2p.MsgPipe()
	defer remote.Close()
	errc := make(chan error, 1)
	go func() {
		errc <- proto.Run(p2p.NewPeer(id, "remote", nil), local)
	}()

	// Nothing is reported before the status exchange.
	assert.Nil(t, proto.PeerInfo(id))

	go p2p.Send(remote, StatusMsg, &Status{ProtocolVersion: 2, NetworkID: testNetwork, GenesisHash: testGenesis, BestEpoch: 3})
	require.NoError(t, p2p.ExpectMsg(remote, StatusMsg, nil))
	require.Eventually(t, func() bool { return s.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	info, ok := proto.PeerInfo(id).(*PeerInfo)
	require.True(t, ok)
	assert.Equal(t, uint64(3), info.BestEpoch)
	assert.Equal(t, uint32(2), info.Version)

	// Unknown messages inside the protocol range are dropped.
	require.NoError(t, p2p.Send(remote, 0x03, []uint{1}))

	// A second status ends the session.
	require.NoError(t, p2p.Send(remote, StatusMsg, &Status{ProtocolVersion: 2, NetworkID: testNetwork, GenesisHash: common.Hash{9}}))
	assert.ErrorIs(t, <-errc, ErrExtraStatusMsg)
	assert.Equal(t, 0, s.PeerCount())
	assert.Nil(t, proto.PeerInfo(id))
}

func TestServiceStopRejectsNewPeers(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	local, remote := p2p.MsgPipe()
	defer remote.Close()
	err := s.Protocols()[0].Run(p2p.NewPeer(enode.ID{1}, "late", nil), local)
	assert.Equal(t, p2p.DiscQuitting, err)
}
