package mininode

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peicuiping/cfx-nettest/cfx"
	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/params"
)

var testGenesis = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")

func newTestHandshake(t *testing.T, network uint64) *Handshake {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hello := &p2p.Hello{
		Version: params.BaseProtocolVersion,
		Name:    "mininode",
		Caps:    []p2p.Cap{{Name: "cfx", Version: 2}},
		ID:      p2p.PubkeyID(&key.PublicKey),
	}
	status := &cfx.Status{ProtocolVersion: 2, NetworkID: 10, GenesisHash: testGenesis}
	return NewHandshake(hello, status, network, nil)
}

func encode(t *testing.T, v interface{}) []byte {
	b, err := rlp.EncodeToBytes(v)
	require.NoError(t, err)
	return b
}

func remoteHello(t *testing.T, version uint64, caps ...p2p.Cap) []byte {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return encode(t, &p2p.Hello{Version: version, Name: "node", Caps: caps, ID: p2p.PubkeyID(&key.PublicKey)})
}

func remoteStatus(t *testing.T, version uint32, network uint64, genesis common.Hash) []byte {
	return encode(t, &cfx.Status{ProtocolVersion: version, NetworkID: network, GenesisHash: genesis, BestEpoch: 4})
}

var cfx2 = p2p.Cap{Name: "cfx", Version: 2}

type inbound struct {
	code    uint64
	payload []byte
}

func TestHandshakeStart(t *testing.T) {
	h := newTestHandshake(t, 10)
	assert.Equal(t, StateNotStarted, h.State())
	assert.Nil(t, h.OnMessage(statusCode, remoteStatus(t, 2, 10, testGenesis)))
	assert.Equal(t, StateNotStarted, h.State())

	out := h.Start()
	require.Len(t, out, 1)
	assert.Equal(t, uint64(p2p.HandshakeMsg), out[0].Code)
	assert.Equal(t, StateAwaitingPeerStatus, h.State())
	assert.Nil(t, h.Start())
}

func TestHandshakeCompletes(t *testing.T) {
	h := newTestHandshake(t, 10)
	h.Start()

	out := h.OnMessage(p2p.HandshakeMsg, remoteHello(t, 5, p2p.Cap{Name: "cfx", Version: 1}, cfx2))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0x10), out[0].Code)
	assert.Equal(t, testGenesis, out[0].Data.(*cfx.Status).GenesisHash)
	assert.False(t, h.Observed())

	assert.Nil(t, h.OnMessage(statusCode, remoteStatus(t, 2, 10, testGenesis)))
	assert.Equal(t, StateCompleted, h.State())
	assert.True(t, h.Observed())
	assert.NoError(t, h.Err())
	assert.Equal(t, uint64(4), h.RemoteStatus().BestEpoch)
	assert.Equal(t, "node", h.RemoteHello().Name)
}

func TestHandshakeIgnoresAfterCompleted(t *testing.T) {
	h := newTestHandshake(t, 10)
	h.Start()
	h.OnMessage(p2p.HandshakeMsg, remoteHello(t, 5, cfx2))
	h.OnMessage(statusCode, remoteStatus(t, 2, 10, testGenesis))

	// First writer wins: a contradicting status is counted and dropped.
	assert.Nil(t, h.OnMessage(statusCode, remoteStatus(t, 2, 10, common.Hash{1})))
	assert.Nil(t, h.OnMessage(p2p.DiscMsg, encode(t, []p2p.DiscReason{p2p.DiscQuitting})))
	assert.Nil(t, h.OnMessage(p2p.HandshakeMsg, []byte{0xff}))
	h.ConnectionLost(errors.New("eof"))

	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, testGenesis, h.RemoteStatus().GenesisHash)
	assert.EqualValues(t, 1, h.ExtraStatus())
	assert.True(t, h.Observed())
}

func TestHandshakePingAnyState(t *testing.T) {
	h := newTestHandshake(t, 10)
	pong := []Packet{{Code: p2p.PongMsg, Data: []interface{}{}}}

	assert.Equal(t, pong, h.OnMessage(p2p.PingMsg, nil))
	h.Start()
	assert.Equal(t, pong, h.OnMessage(p2p.PingMsg, nil))
	h.OnMessage(statusCode, remoteStatus(t, 2, 10, testGenesis))
	require.Equal(t, StateFailed, h.State())
	assert.Equal(t, pong, h.OnMessage(p2p.PingMsg, nil))
}

func TestHandshakeIgnoresUnrelated(t *testing.T) {
	h := newTestHandshake(t, 10)
	h.Start()
	assert.Nil(t, h.OnMessage(p2p.PongMsg, nil))
	assert.Nil(t, h.OnMessage(0x11, []byte{0xc0}))
	assert.Nil(t, h.OnMessage(0x05, nil))
	assert.Equal(t, StateAwaitingPeerStatus, h.State())

	h.OnMessage(p2p.HandshakeMsg, remoteHello(t, 5, cfx2))
	assert.Nil(t, h.OnMessage(p2p.HandshakeMsg, remoteHello(t, 5, cfx2)), "repeated hello")
	assert.Equal(t, StateAwaitingPeerStatus, h.State())
}

func TestHandshakeFailures(t *testing.T) {
	hello := func(t *testing.T) []byte { return remoteHello(t, 5, cfx2) }
	tests := []struct {
		name   string
		msgs   func(t *testing.T) []inbound
		kind   error
		reason string
		disc   p2p.DiscReason
		noDisc bool
	}{
		{
			name: "genesis mismatch",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, hello(t)}, {statusCode, remoteStatus(t, 2, 10, common.Hash{3})}}
			},
			kind: ErrGenesisMismatch, reason: "genesis mismatch", disc: p2p.DiscUselessPeer,
		},
		{
			name: "network mismatch",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, hello(t)}, {statusCode, remoteStatus(t, 2, 11, testGenesis)}}
			},
			kind: ErrNetworkIDMismatch, reason: "network id mismatch", disc: p2p.DiscUselessPeer,
		},
		{
			name: "status version too low",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, hello(t)}, {statusCode, remoteStatus(t, 0, 10, testGenesis)}}
			},
			kind: ErrIncompatibleVersion, reason: "incompatible version", disc: p2p.DiscIncompatibleVersion,
		},
		{
			name: "base version too low",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, remoteHello(t, 3, cfx2)}}
			},
			kind: ErrIncompatibleVersion, reason: "incompatible version", disc: p2p.DiscIncompatibleVersion,
		},
		{
			name: "no shared cfx version",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, remoteHello(t, 5, p2p.Cap{Name: "cfx", Version: 1}, p2p.Cap{Name: "eth", Version: 2})}}
			},
			kind: ErrIncompatibleVersion, reason: "incompatible version", disc: p2p.DiscIncompatibleVersion,
		},
		{
			name: "status before hello",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{statusCode, remoteStatus(t, 2, 10, testGenesis)}}
			},
			kind: ErrStatusBeforeHello, reason: "status before hello", disc: p2p.DiscProtocolError,
		},
		{
			name: "malformed hello",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, []byte{0x01, 0x02}}}
			},
			kind: ErrMalformed, reason: "malformed hello", disc: p2p.DiscProtocolError,
		},
		{
			name: "malformed status",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, hello(t)}, {statusCode, encode(t, []uint{1})}}
			},
			kind: ErrMalformed, reason: "malformed status", disc: p2p.DiscProtocolError,
		},
		{
			name: "remote disconnect",
			msgs: func(t *testing.T) []inbound {
				return []inbound{{p2p.HandshakeMsg, hello(t)}, {p2p.DiscMsg, encode(t, []p2p.DiscReason{p2p.DiscTooManyPeers})}}
			},
			kind: ErrDisconnected, reason: "disconnected: too many peers", noDisc: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandshake(t, 10)
			h.Start()

			var last []Packet
			for _, m := range tt.msgs(t) {
				last = h.OnMessage(m.code, m.payload)
			}

			require.Equal(t, StateFailed, h.State())
			assert.False(t, h.Observed())
			err := h.Err()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var herr *HandshakeError
			require.ErrorAs(t, err, &herr)
			assert.Equal(t, tt.reason, herr.Reason)

			if tt.noDisc {
				assert.Empty(t, last)
				return
			}
			require.Len(t, last, 1)
			assert.Equal(t, uint64(p2p.DiscMsg), last[0].Code)
			assert.Equal(t, []p2p.DiscReason{tt.disc}, last[0].Data)

			// Nothing moves a failed handshake.
			h.OnMessage(statusCode, remoteStatus(t, 2, 10, testGenesis))
			assert.Equal(t, StateFailed, h.State())
			assert.Equal(t, err, h.Err())
		})
	}
}

func TestHandshakeDisconnectReasonMatches(t *testing.T) {
	h := newTestHandshake(t, 10)
	h.Start()
	h.OnMessage(p2p.DiscMsg, encode(t, []p2p.DiscReason{p2p.DiscSelf}))
	assert.ErrorIs(t, h.Err(), p2p.DiscSelf)
	assert.ErrorIs(t, h.Err(), ErrDisconnected)
	assert.EqualError(t, h.Err(), "disconnected: connected to self")
}

func TestHandshakeAnyNetwork(t *testing.T) {
	h := newTestHandshake(t, 0)
	h.Start()
	h.OnMessage(p2p.HandshakeMsg, remoteHello(t, 5, cfx2))
	h.OnMessage(statusCode, remoteStatus(t, 2, 999, testGenesis))
	assert.Equal(t, StateCompleted, h.State())
}

func TestHandshakeConnectionLost(t *testing.T) {
	h := newTestHandshake(t, 10)
	h.Start()
	h.ConnectionLost(errors.New("EOF"))
	assert.Equal(t, StateFailed, h.State())
	assert.ErrorIs(t, h.Err(), ErrConnectionClosed)
	assert.EqualError(t, h.Err(), "connection closed: EOF")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting peer status", StateAwaitingPeerStatus.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestHandshakeOlderSharedVersion(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hello := &p2p.Hello{
		Version: params.BaseProtocolVersion,
		Name:    "mininode",
		Caps:    offeredCaps(2),
		ID:      p2p.PubkeyID(&key.PublicKey),
	}
	h := NewHandshake(hello, &cfx.Status{ProtocolVersion: 2, NetworkID: 10, GenesisHash: testGenesis}, 10, nil)
	h.Start()

	out := h.OnMessage(p2p.HandshakeMsg, remoteHello(t, 5, p2p.Cap{Name: "cfx", Version: 1}))
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), out[0].Data.(*cfx.Status).ProtocolVersion)

	h.OnMessage(statusCode, remoteStatus(t, 1, 10, testGenesis))
	assert.Equal(t, StateCompleted, h.State())
}

func TestSharedVersion(t *testing.T) {
	ours := offeredCaps(2)
	for _, tt := range []struct {
		theirs []p2p.Cap
		want   uint
		ok     bool
	}{
		{[]p2p.Cap{{Name: "cfx", Version: 2}, {Name: "cfx", Version: 1}}, 2, true},
		{[]p2p.Cap{{Name: "cfx", Version: 1}}, 1, true},
		{[]p2p.Cap{{Name: "cfx", Version: 3}}, 0, false},
		{[]p2p.Cap{{Name: "eth", Version: 2}}, 0, false},
		{nil, 0, false},
	} {
		got, ok := sharedVersion(ours, tt.theirs)
		assert.Equal(t, tt.want, got, "theirs %v", tt.theirs)
		assert.Equal(t, tt.ok, ok, "theirs %v", tt.theirs)
	}
	assert.Equal(t, []p2p.Cap{{Name: "cfx", Version: 1}}, offeredCaps(1))
}
