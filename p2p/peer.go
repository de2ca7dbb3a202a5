package p2p

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"

	"github.com/peicuiping/cfx-nettest/params"
)

// Peer represents a connected remote node.
type Peer struct {
	rw      *conn
	running map[string]*protoRW
	log     log.Logger
	created time.Time

	wg       sync.WaitGroup
	protoErr chan error
	closed   chan struct{}
	disc     chan DiscReason
}

// NewPeer returns a peer for testing purposes.
func NewPeer(id enode.ID, name string, caps []Cap) *Peer {
	pipe, _ := net.Pipe()
	node := enode.SignNull(new(enr.Record), id)
	c := &conn{fd: pipe, node: node, caps: caps, name: name}
	peer := newPeer(log.Root(), c, nil)
	close(peer.closed)
	return peer
}

func newPeer(logger log.Logger, c *conn, protocols []Protocol) *Peer {
	protomap := matchProtocols(protocols, c.caps, c)
	p := &Peer{
		rw:       c,
		running:  protomap,
		created:  time.Now(),
		disc:     make(chan DiscReason),
		protoErr: make(chan error, len(protomap)+1),
		closed:   make(chan struct{}),
		log:      logger.New("id", c.node.ID(), "conn", c.flags),
	}
	return p
}

func (p *Peer) ID() enode.ID         { return p.rw.node.ID() }
func (p *Peer) Node() *enode.Node    { return p.rw.node }
func (p *Peer) Name() string         { return p.rw.name }
func (p *Peer) Caps() []Cap          { return p.rw.caps }
func (p *Peer) Log() log.Logger      { return p.log }
func (p *Peer) Inbound() bool        { return p.rw.is(inboundConn) }
func (p *Peer) RemoteAddr() net.Addr { return p.rw.fd.RemoteAddr() }
func (p *Peer) LocalAddr() net.Addr  { return p.rw.fd.LocalAddr() }

func (p *Peer) String() string {
	id := p.ID()
	return fmt.Sprintf("Peer %x %v", id[:8], p.RemoteAddr())
}

// Disconnect terminates the peer connection with the given reason.
// It returns immediately and does not wait until the connection is closed.
func (p *Peer) Disconnect(reason DiscReason) {
	select {
	case p.disc <- reason:
	case <-p.closed:
	}
}

func (p *Peer) run() (remoteRequested bool, err error) {
	var (
		readErr = make(chan error, 1)
		reason  DiscReason
	)
	p.wg.Add(2)
	go p.readLoop(readErr)
	go p.pingLoop()

	p.startProtocols()

loop:
	for {
		select {
		case err = <-readErr:
			if r, ok := err.(DiscReason); ok {
				remoteRequested = true
				reason = r
			} else {
				reason = DiscNetworkError
			}
			break loop
		case err = <-p.protoErr:
			reason = discReasonForError(err)
			break loop
		case r := <-p.disc:
			err = r
			reason = r
			break loop
		}
	}

	close(p.closed)
	p.rw.close(reason)
	p.wg.Wait()
	return remoteRequested, err
}

func (p *Peer) pingLoop() {
	defer p.wg.Done()

	ping := time.NewTimer(params.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ping.C:
			if err := Send(p.rw, PingMsg, []interface{}{}); err != nil {
				p.protoErr <- err
				return
			}
			ping.Reset(params.PingInterval)
		case <-p.closed:
			return
		}
	}
}

func (p *Peer) readLoop(errc chan<- error) {
	defer p.wg.Done()
	for {
		msg, err := p.rw.ReadMsg()
		if err != nil {
			errc <- err
			return
		}
		if err = p.handle(msg); err != nil {
			errc <- err
			return
		}
	}
}

func (p *Peer) handle(msg Msg) error {
	switch {
	case msg.Code == PingMsg:
		msg.Discard()
		go Send(p.rw, PongMsg, []interface{}{})
	case msg.Code == DiscMsg:
		payload, _ := io.ReadAll(msg.Payload)
		return DecodeDisconnect(payload)
	case msg.Code < baseProtocolLength:
		// 忽略其它基础协议消息
		return msg.Discard()
	default:
		proto, err := p.getProto(msg.Code)
		if err != nil {
			return fmt.Errorf("msg code out of range: %v", msg.Code)
		}
		select {
		case proto.in <- msg:
			return nil
		case <-p.closed:
			return io.EOF
		}
	}
	return nil
}

func (p *Peer) startProtocols() {
	p.wg.Add(len(p.running))
	for _, proto := range p.running {
		proto := proto
		proto.closed = p.closed
		p.log.Trace(fmt.Sprintf("Starting protocol %s/%d", proto.Name, proto.Version))
		go func() {
			defer p.wg.Done()
			err := proto.Run(p, proto)
			if err == nil {
				p.log.Trace(fmt.Sprintf("Protocol %s/%d returned", proto.Name, proto.Version))
				err = errProtocolReturned
			} else if !errors.Is(err, io.EOF) {
				p.log.Trace(fmt.Sprintf("Protocol %s/%d failed", proto.Name, proto.Version), "err", err)
			}
			p.protoErr <- err
		}()
	}
}

// getProto finds the protocol responsible for handling the given message
// code.
func (p *Peer) getProto(code uint64) (*protoRW, error) {
	for _, proto := range p.running {
		if code >= proto.offset && code < proto.offset+proto.Length {
			return proto, nil
		}
	}
	return nil, newPeerError(errInvalidMsgCode, "%d", code)
}

type protoRW struct {
	Protocol
	in     chan Msg
	closed <-chan struct{}
	offset uint64
	w      MsgWriter
}

func (rw *protoRW) WriteMsg(msg Msg) error {
	if msg.Code >= rw.Length {
		return newPeerError(errInvalidMsgCode, "not handled")
	}
	msg.Code += rw.offset

	select {
	case <-rw.closed:
		return ErrShuttingDown
	default:
	}
	return rw.w.WriteMsg(msg)
}

func (rw *protoRW) ReadMsg() (Msg, error) {
	select {
	case msg := <-rw.in:
		msg.Code -= rw.offset
		return msg, nil
	case <-rw.closed:
		return Msg{}, io.EOF
	}
}

// PeerInfo represents a short summary of a connected peer, as reported over
// the node's test RPC.
type PeerInfo struct {
	ID        string   `json:"id"`
	NodeID    string   `json:"nodeid"`
	Name      string   `json:"name"`
	Enode     string   `json:"enode"`
	Caps      []string `json:"caps"`
	Addr      string   `json:"addr"`
	LocalAddr string   `json:"localAddr"`
	Inbound   bool     `json:"inbound"`
	// Protocols only lists subprotocols that finished their own handshake.
	Protocols map[string]interface{} `json:"protocols"`
}

// Info gathers and returns a collection of metadata known about a peer.
func (p *Peer) Info() *PeerInfo {
	var caps []string
	for _, cap := range p.Caps() {
		caps = append(caps, cap.String())
	}
	sort.Strings(caps)

	info := &PeerInfo{
		ID:        p.ID().String(),
		Name:      p.Name(),
		Enode:     p.Node().URLv4(),
		Caps:      caps,
		Addr:      p.RemoteAddr().String(),
		LocalAddr: p.LocalAddr().String(),
		Inbound:   p.Inbound(),
		Protocols: make(map[string]interface{}),
	}
	if pub := p.Node().Pubkey(); pub != nil {
		info.NodeID = NodeIDString(pub)
	}
	for _, proto := range p.running {
		if query := proto.Protocol.PeerInfo; query != nil {
			if metadata := query(p.ID()); metadata != nil {
				info.Protocols[proto.Name] = metadata
			}
		}
	}
	return info
}
