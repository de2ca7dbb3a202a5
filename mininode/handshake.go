package mininode

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/peicuiping/cfx-nettest/cfx"
	cfxcommon "github.com/peicuiping/cfx-nettest/common"
	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/params"
)

// State is the progress of a handshake. It only moves forward.
type State int32

const (
	StateNotStarted State = iota
	StateAwaitingPeerStatus
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateAwaitingPeerStatus:
		return "awaiting peer status"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// statusCode is the wire code of the cfx Status, the first code after the
// base protocol.
const statusCode = params.BaseProtocolLength + cfx.StatusMsg

// Packet is a message the handshake wants written to the connection.
type Packet struct {
	Code uint64
	Data interface{}
}

// Handshake is the mininode side of the hello and status exchange. It does
// no I/O: Start and OnMessage return the packets to send.
//
// OnMessage must be called from a single goroutine. The accessors may be
// called from any goroutine.
type Handshake struct {
	genesis common.Hash
	network uint64
	hello   *p2p.Hello
	status  *cfx.Status
	log     log.Logger

	mu           sync.RWMutex
	state        State
	err          *HandshakeError
	remoteHello  *p2p.Hello
	remoteStatus *cfx.Status

	observed    atomic.Bool
	extraStatus atomic.Int64
}

// NewHandshake prepares a handshake that announces hello and status and
// accepts a remote status for genesis. A zero network accepts any network id.
func NewHandshake(hello *p2p.Hello, status *cfx.Status, network uint64, logger log.Logger) *Handshake {
	if logger == nil {
		logger = log.Root()
	}
	return &Handshake{
		genesis: status.GenesisHash,
		network: network,
		hello:   hello,
		status:  status,
		log:     logger,
	}
}

// Start returns the Hello announcement and moves to StateAwaitingPeerStatus.
// Later calls return nothing.
func (h *Handshake) Start() []Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateNotStarted {
		return nil
	}
	h.state = StateAwaitingPeerStatus
	return []Packet{{Code: p2p.HandshakeMsg, Data: h.hello}}
}

// OnMessage feeds one inbound message into the state machine and returns
// the replies.
func (h *Handshake) OnMessage(code uint64, payload []byte) []Packet {
	if code == p2p.PingMsg {
		return []Packet{{Code: p2p.PongMsg, Data: []interface{}{}}}
	}

	switch h.State() {
	case StateNotStarted:
		h.log.Debug("Dropping message before start", "code", code)
		return nil
	case StateCompleted:
		if code == statusCode {
			n := h.extraStatus.Add(1)
			h.log.Warn("Ignoring status after completed handshake", "count", n)
		}
		return nil
	case StateFailed:
		return nil
	}

	switch code {
	case p2p.HandshakeMsg:
		return h.onHello(payload)
	case p2p.DiscMsg:
		reason := p2p.DecodeDisconnect(payload)
		h.fail(&HandshakeError{Reason: "disconnected: " + reason.String(), Kind: ErrDisconnected, Cause: reason})
		return nil
	case statusCode:
		return h.onStatus(payload)
	default:
		h.log.Trace("Ignoring message during handshake", "code", code, "size", len(payload))
		return nil
	}
}

func (h *Handshake) onHello(payload []byte) []Packet {
	h.mu.RLock()
	dup := h.remoteHello != nil
	h.mu.RUnlock()
	if dup {
		h.log.Debug("Ignoring repeated hello")
		return nil
	}

	var hello p2p.Hello
	if err := rlp.DecodeBytes(payload, &hello); err != nil {
		return h.fail(malformed("hello", err))
	}
	if _, err := p2p.ParsePubkey(hello.ID); err != nil {
		return h.fail(malformed("hello", err))
	}
	cfxcommon.TraceDump(h.log, "Received hello", "hello", hello)

	if hello.Version < params.MinBaseProtocolVersion {
		return h.fail(newHandshakeError(ErrIncompatibleVersion,
			fmt.Errorf("base protocol %d < %d", hello.Version, params.MinBaseProtocolVersion)))
	}
	version, ok := sharedVersion(h.hello.Caps, hello.Caps)
	if !ok {
		return h.fail(newHandshakeError(ErrIncompatibleVersion,
			fmt.Errorf("remote caps %v share no %s version with %v", hello.Caps, params.ProtocolName, h.hello.Caps)))
	}

	h.mu.Lock()
	h.remoteHello = &hello
	h.mu.Unlock()
	status := *h.status
	status.ProtocolVersion = uint32(version)
	return []Packet{{Code: statusCode, Data: &status}}
}

// sharedVersion returns the highest cfx version both sides offer, if it is
// at least the minimum.
func sharedVersion(ours, theirs []p2p.Cap) (uint, bool) {
	var best uint
	for _, o := range ours {
		if o.Name != params.ProtocolName || o.Version < params.MinProtocolVersion {
			continue
		}
		for _, t := range theirs {
			if t.Name == o.Name && t.Version == o.Version && o.Version > best {
				best = o.Version
			}
		}
	}
	return best, best != 0
}

func (h *Handshake) onStatus(payload []byte) []Packet {
	if h.RemoteHello() == nil {
		return h.fail(newHandshakeError(ErrStatusBeforeHello, nil))
	}
	var status cfx.Status
	if err := rlp.DecodeBytes(payload, &status); err != nil {
		return h.fail(malformed("status", err))
	}
	cfxcommon.TraceDump(h.log, "Received status", "status", status)

	switch {
	case status.ProtocolVersion < params.MinProtocolVersion:
		return h.fail(newHandshakeError(ErrIncompatibleVersion,
			fmt.Errorf("protocol %d < %d", status.ProtocolVersion, params.MinProtocolVersion)))
	case status.GenesisHash != h.genesis:
		return h.fail(newHandshakeError(ErrGenesisMismatch,
			fmt.Errorf("remote %x, want %x", status.GenesisHash[:8], h.genesis[:8])))
	case h.network != 0 && status.NetworkID != h.network:
		return h.fail(newHandshakeError(ErrNetworkIDMismatch,
			fmt.Errorf("remote %d, want %d", status.NetworkID, h.network)))
	}

	h.mu.Lock()
	if h.state != StateAwaitingPeerStatus {
		h.mu.Unlock()
		return nil
	}
	h.remoteStatus = &status
	h.state = StateCompleted
	h.mu.Unlock()
	h.observed.Store(true)
	h.log.Debug("Handshake completed", "status", &status)
	return nil
}

func malformed(msg string, err error) *HandshakeError {
	return &HandshakeError{Reason: "malformed " + msg, Kind: ErrMalformed, Cause: err}
}

// fail moves to StateFailed and returns the disconnect to send, if any.
func (h *Handshake) fail(err *HandshakeError) []Packet {
	h.mu.Lock()
	if h.state == StateCompleted || h.state == StateFailed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateFailed
	h.err = err
	h.mu.Unlock()
	h.log.Debug("Handshake failed", "err", err)

	reason, ok := disconnectReason(err.Kind)
	if !ok {
		return nil
	}
	return []Packet{{Code: p2p.DiscMsg, Data: []p2p.DiscReason{reason}}}
}

func disconnectReason(kind error) (p2p.DiscReason, bool) {
	switch kind {
	case ErrIncompatibleVersion:
		return p2p.DiscIncompatibleVersion, true
	case ErrGenesisMismatch, ErrNetworkIDMismatch:
		return p2p.DiscUselessPeer, true
	case ErrMalformed, ErrStatusBeforeHello:
		return p2p.DiscProtocolError, true
	default:
		return 0, false
	}
}

// ConnectionLost fails a pending handshake after a transport error.
func (h *Handshake) ConnectionLost(err error) {
	h.fail(&HandshakeError{Reason: ErrConnectionClosed.Error(), Kind: ErrConnectionClosed, Cause: err})
}

func (h *Handshake) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the failure reason once the state is StateFailed.
func (h *Handshake) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.err == nil {
		return nil
	}
	return h.err
}

// Observed reports whether a valid remote status has been accepted.
func (h *Handshake) Observed() bool {
	return h.observed.Load()
}

// ExtraStatus counts status messages received after completion.
func (h *Handshake) ExtraStatus() int64 {
	return h.extraStatus.Load()
}

func (h *Handshake) RemoteHello() *p2p.Hello {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.remoteHello
}

func (h *Handshake) RemoteStatus() *cfx.Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.remoteStatus
}
