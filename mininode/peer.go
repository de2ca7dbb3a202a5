package mininode

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/peicuiping/cfx-nettest/cfx"
	cfxcommon "github.com/peicuiping/cfx-nettest/common"
	"github.com/peicuiping/cfx-nettest/harness"
	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/params"
)

const clientName = "cfx-nettest/mininode"

// Config configures a mininode.
type Config struct {
	// PrivateKey is the node key. A fresh key is generated when nil.
	PrivateKey *ecdsa.PrivateKey
	// Name is the client name announced in the Hello.
	Name string
	// ProtocolVersion is the cfx version offered and announced.
	ProtocolVersion uint
	// NetworkID is announced in the status. A non-zero value is also
	// required from the remote status.
	NetworkID uint64
	BestEpoch uint64

	Dialer      p2p.NodeDialer
	DialTimeout time.Duration

	Logger  log.Logger
	Metrics harness.Metrics
	Tracer  *harness.Tracer
}

var DefaultConfig = Config{
	Name:            clientName,
	ProtocolVersion: params.ProtocolVersion,
	NetworkID:       params.DefaultNetworkID,
	DialTimeout:     params.DialTimeout,
}

// Peer is a minimal cfx peer. It connects to a node, performs the hello and
// status exchange and records whether the node answered with a valid status.
type Peer struct {
	cfg    Config
	hs     *Handshake
	log    log.Logger
	dialer p2p.NodeDialer

	mu        sync.Mutex
	conn      *p2p.Conn
	closed    bool
	startedAt time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a mininode that expects the node to announce genesis, a
// 0x-prefixed 32 byte hash.
func New(genesis string, cfg Config) (*Peer, error) {
	hash, err := cfxcommon.ParseHash(genesis)
	if err != nil {
		return nil, &harness.ConfigError{Field: "genesis", Err: err}
	}
	if cfg.ProtocolVersion < params.MinProtocolVersion {
		return nil, &harness.ConfigError{Field: "protocol version",
			Err: fmt.Errorf("%d is below the minimum %d", cfg.ProtocolVersion, params.MinProtocolVersion)}
	}
	if cfg.PrivateKey == nil {
		if cfg.PrivateKey, err = crypto.GenerateKey(); err != nil {
			return nil, err
		}
	}
	if cfg.Name == "" {
		cfg.Name = clientName
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = params.DialTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = harness.NopMetrics{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = p2p.TCPDialer{Dialer: &net.Dialer{Timeout: cfg.DialTimeout}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	logger = logger.New("mininode", p2p.NodeIDString(&cfg.PrivateKey.PublicKey)[:10])

	hello := &p2p.Hello{
		Version: params.BaseProtocolVersion,
		Name:    cfg.Name,
		Caps:    offeredCaps(cfg.ProtocolVersion),
		ID:      p2p.PubkeyID(&cfg.PrivateKey.PublicKey),
	}
	status := &cfx.Status{
		ProtocolVersion: uint32(cfg.ProtocolVersion),
		NetworkID:       cfg.NetworkID,
		GenesisHash:     hash,
		BestEpoch:       cfg.BestEpoch,
		TerminalHashes:  []common.Hash{hash},
	}
	return &Peer{
		cfg:    cfg,
		hs:     NewHandshake(hello, status, cfg.NetworkID, logger),
		log:    logger,
		dialer: dialer,
		done:   make(chan struct{}),
	}, nil
}

// offeredCaps lists cfx at version and at every older supported version.
func offeredCaps(version uint) []p2p.Cap {
	caps := []p2p.Cap{{Name: params.ProtocolName, Version: version}}
	for _, v := range params.ProtocolVersions {
		if v < version && v >= params.MinProtocolVersion {
			caps = append(caps, p2p.Cap{Name: params.ProtocolName, Version: v})
		}
	}
	return caps
}

// Connect dials dest, runs the RLPx handshake and sends the Hello. The
// status exchange continues in the background; poll HandshakeObserved or
// wait on Done.
func (p *Peer) Connect(ctx context.Context, dest *enode.Node) (err error) {
	if dest == nil {
		return &harness.ConfigError{Field: "destination", Err: errors.New("nil node")}
	}
	addr := fmt.Sprintf("%v:%d", dest.IP(), dest.TCP())
	ctx, span := p.cfg.Tracer.StartHandshake(ctx, addr)
	defer func() { harness.EndSpan(span, err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return &harness.ConnectionError{Addr: addr, Op: "connect", Err: errPeerClosed}
	}
	if p.conn != nil {
		return &harness.ConnectionError{Addr: addr, Op: "connect", Err: errAlreadyConnected}
	}
	// A Peer runs one handshake. Only a failed dial may be retried.
	if p.hs.State() != StateNotStarted {
		return &harness.ConnectionError{Addr: addr, Op: "connect", Err: errHandshakeUsed}
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, err := p2p.Dial(dialCtx, p.dialer, dest, p.cfg.PrivateKey)
	if err != nil {
		p.cfg.Metrics.HandshakeResult(harness.ResultFailure)
		return &harness.ConnectionError{Addr: addr, Op: "dial", Err: err}
	}
	p.startedAt = time.Now()

	// The Hello goes out before anything is read.
	for _, pkt := range p.hs.Start() {
		if err := p2p.Send(conn, pkt.Code, pkt.Data); err != nil {
			conn.Close()
			p.lost(err)
			return &harness.ConnectionError{Addr: addr, Op: "send hello", Err: err}
		}
	}
	p.conn = conn
	p.log.Debug("Connected", "addr", addr, "local", conn.LocalAddr(), "id", dest.ID())

	go p.readLoop(conn)
	return nil
}

func (p *Peer) readLoop(conn *p2p.Conn) {
	defer close(p.done)

	snappy := false
	for {
		msg, err := conn.ReadMsg()
		if err != nil {
			p.lost(err)
			return
		}
		payload, err := io.ReadAll(msg.Payload)
		if err != nil {
			p.lost(err)
			return
		}
		p.cfg.Metrics.MessageReceived(messageName(msg.Code))

		before := p.hs.State()
		out := p.hs.OnMessage(msg.Code, payload)

		if !snappy {
			if remote := p.hs.RemoteHello(); remote != nil {
				snappy = true
				conn.SetSnappy(remote.Version >= params.SnappyProtocolVersion)
			}
		}
		for _, pkt := range out {
			if err := p2p.Send(conn, pkt.Code, pkt.Data); err != nil {
				p.log.Debug("Write failed", "code", pkt.Code, "err", err)
				p.lost(err)
				return
			}
		}

		switch after := p.hs.State(); {
		case after == before:
		case after == StateCompleted:
			elapsed := time.Since(p.startedAt)
			p.cfg.Metrics.HandshakeResult(harness.ResultSuccess)
			p.cfg.Metrics.HandshakeDuration(elapsed.Seconds())
			p.log.Info("Handshake observed", "elapsed", elapsed, "remote", p.hs.RemoteHello().Name)
		case after == StateFailed:
			p.cfg.Metrics.HandshakeResult(harness.ResultFailure)
			p.log.Warn("Handshake failed", "err", p.hs.Err())
			conn.Close()
			return
		}
	}
}

func (p *Peer) lost(err error) {
	if p.hs.State() == StateAwaitingPeerStatus {
		p.hs.ConnectionLost(err)
		p.cfg.Metrics.HandshakeResult(harness.ResultFailure)
		p.log.Debug("Connection lost during handshake", "err", err)
	}
}

func messageName(code uint64) string {
	switch code {
	case p2p.HandshakeMsg:
		return "hello"
	case p2p.DiscMsg:
		return "disconnect"
	case p2p.PingMsg:
		return "ping"
	case p2p.PongMsg:
		return "pong"
	case statusCode:
		return "status"
	default:
		return "other"
	}
}

// Close disconnects from the node and waits for the receive loop to exit.
// It is safe to call before Connect and more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		if conn == nil {
			close(p.done)
			return
		}
		conn.Disconnect(p2p.DiscQuitting)
	})
	<-p.done
	return nil
}

// HandshakeObserved reports whether the node's status has been accepted.
func (p *Peer) HandshakeObserved() bool { return p.hs.Observed() }

func (p *Peer) State() State { return p.hs.State() }

// Err returns the handshake failure, if any.
func (p *Peer) Err() error { return p.hs.Err() }

func (p *Peer) RemoteHello() *p2p.Hello { return p.hs.RemoteHello() }

func (p *Peer) RemoteStatus() *cfx.Status { return p.hs.RemoteStatus() }

// ExtraStatus counts status messages ignored after completion.
func (p *Peer) ExtraStatus() int64 { return p.hs.ExtraStatus() }

// Done is closed when the receive loop has exited.
func (p *Peer) Done() <-chan struct{} { return p.done }

// ID is the mininode's node id.
func (p *Peer) ID() enode.ID {
	return enode.PubkeyToIDV4(&p.cfg.PrivateKey.PublicKey)
}
