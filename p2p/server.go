package p2p

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/peicuiping/cfx-nettest/params"
)

const (
	defaultMaxPendingPeers = 50
	defaultMaxPeers        = 50
)

var errServerStopped = errors.New("server stopped")

type transport interface {
	MsgReadWriter

	doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error)
	doProtoHandshake(our *Hello) (their *Hello, err error)

	close(err error)
}

type connFlag int32

const (
	dynDialedConn connFlag = 1 << iota
	staticDialedConn
	inboundConn
	trustedConn
)

func (f connFlag) String() string {
	switch {
	case f&inboundConn != 0:
		return "inbound"
	case f&staticDialedConn != 0:
		return "staticdial"
	case f&dynDialedConn != 0:
		return "dyndial"
	case f&trustedConn != 0:
		return "trusted"
	default:
		return "-"
	}
}

type conn struct {
	fd net.Conn
	transport
	node  *enode.Node
	flags connFlag
	cont  chan error
	caps  []Cap
	name  string
}

func (c *conn) is(f connFlag) bool {
	return c.flags&f != 0
}

// Config holds Server options.
type Config struct {
	PrivateKey      *ecdsa.PrivateKey
	MaxPeers        int
	MaxPendingPeers int
	Name            string
	Protocols       []Protocol
	ListenAddr      string
	Dialer          NodeDialer
	NoDial          bool
	Logger          log.Logger
}

// Server manages all peer connections.
type Server struct {
	Config

	// Hooks for testing.
	newTransport func(net.Conn, *ecdsa.PublicKey) transport
	newPeerHook  func(*Peer)

	lock    sync.Mutex
	running bool

	listener     net.Listener
	ourHandshake *Hello
	dialHist     *dialHistory

	quit          chan struct{}
	addstatic     chan *enode.Node
	dialDone      chan dialResult
	posthandshake chan *conn
	addpeer       chan *conn
	delpeer       chan peerDrop
	peerOp        chan peerOpFunc
	peerOpDone    chan struct{}
	loopWG        sync.WaitGroup
	log           log.Logger
}

type peerOpFunc func(map[enode.ID]*Peer)

type peerDrop struct {
	*Peer
	err       error
	requested bool
}

type dialResult struct {
	id  enode.ID
	err error
}

func (srv *Server) Start() (err error) {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if srv.running {
		return errors.New("server already running")
	}
	srv.running = true
	srv.log = srv.Config.Logger
	if srv.log == nil {
		srv.log = log.Root()
	}
	defer func() {
		if err != nil {
			srv.running = false
		}
	}()

	// 检查私钥
	if srv.PrivateKey == nil {
		return errors.New("Server.PrivateKey must be set to a non-nil key")
	}
	if srv.MaxPeers <= 0 {
		srv.MaxPeers = defaultMaxPeers
	}
	// 检查连接生成器
	if srv.newTransport == nil {
		srv.newTransport = newRLPX
	}
	// 检查拨号器
	if srv.Dialer == nil {
		srv.Dialer = DefaultDialer()
	}

	srv.quit = make(chan struct{})
	srv.addstatic = make(chan *enode.Node)
	srv.dialDone = make(chan dialResult)
	srv.posthandshake = make(chan *conn)
	srv.addpeer = make(chan *conn)
	srv.delpeer = make(chan peerDrop)
	srv.peerOp = make(chan peerOpFunc)
	srv.peerOpDone = make(chan struct{})
	srv.dialHist = newDialHistory(dialHistorySize, dialHistoryExpiration)

	srv.ourHandshake = &Hello{
		Version: params.BaseProtocolVersion,
		Name:    srv.Name,
		ID:      PubkeyID(&srv.PrivateKey.PublicKey),
	}
	for _, p := range srv.Protocols {
		srv.ourHandshake.Caps = append(srv.ourHandshake.Caps, p.cap())
	}
	if srv.ListenAddr != "" {
		if err := srv.startListening(); err != nil {
			return err
		}
	}
	if srv.NoDial && srv.ListenAddr == "" {
		srv.log.Warn("P2P server will be useless, neither dialing nor listening")
	}

	srv.loopWG.Add(1)
	go srv.run()
	return nil
}

func (srv *Server) startListening() error {
	listener, err := net.Listen("tcp", srv.ListenAddr)
	if err != nil {
		return err
	}
	laddr := listener.Addr().(*net.TCPAddr)
	srv.ListenAddr = laddr.String()
	srv.ourHandshake.ListenPort = uint64(laddr.Port)
	srv.listener = listener
	srv.loopWG.Add(1)
	go srv.listenLoop()
	return nil
}

// Stop terminates the server and all active peer connections.
// It blocks until all active connections have been closed.
func (srv *Server) Stop() {
	srv.lock.Lock()
	if !srv.running {
		srv.lock.Unlock()
		return
	}
	srv.running = false
	if srv.listener != nil {
		srv.listener.Close()
	}
	close(srv.quit)
	srv.lock.Unlock()
	srv.loopWG.Wait()
}

func (srv *Server) isRunning() bool {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return srv.running
}

func (srv *Server) localID() enode.ID {
	return enode.PubkeyToIDV4(&srv.PrivateKey.PublicKey)
}

// Self returns the local node's endpoint information.
func (srv *Server) Self() *enode.Node {
	ip, port := net.IPv4(127, 0, 0, 1), 0
	if srv.listener != nil {
		addr := srv.listener.Addr().(*net.TCPAddr)
		if !addr.IP.IsUnspecified() {
			ip = addr.IP
		}
		port = addr.Port
	}
	return enode.NewV4(&srv.PrivateKey.PublicKey, ip, port, 0)
}

// NodeInfo collects the protocol metadata of the local node.
func (srv *Server) NodeInfo() map[string]interface{} {
	info := make(map[string]interface{})
	for _, proto := range srv.Protocols {
		if proto.NodeInfo != nil {
			info[proto.Name] = proto.NodeInfo()
		}
	}
	return info
}

// AddPeer asks the server to connect to node. Requests for nodes that are
// already connected, being dialed or were dialed recently are dropped.
func (srv *Server) AddPeer(node *enode.Node) {
	if !srv.isRunning() {
		return
	}
	select {
	case srv.addstatic <- node:
	case <-srv.quit:
	}
}

// Peers returns all connected peers.
func (srv *Server) Peers() []*Peer {
	var ps []*Peer
	srv.doPeerOp(func(peers map[enode.ID]*Peer) {
		for _, p := range peers {
			ps = append(ps, p)
		}
	})
	return ps
}

// PeerCount returns the number of connected peers.
func (srv *Server) PeerCount() int {
	var count int
	srv.doPeerOp(func(ps map[enode.ID]*Peer) {
		count = len(ps)
	})
	return count
}

// PeersInfo returns the metadata of every connected peer.
func (srv *Server) PeersInfo() []*PeerInfo {
	infos := make([]*PeerInfo, 0)
	srv.doPeerOp(func(peers map[enode.ID]*Peer) {
		for _, p := range peers {
			infos = append(infos, p.Info())
		}
	})
	return infos
}

func (srv *Server) doPeerOp(fn peerOpFunc) {
	if !srv.isRunning() {
		return
	}
	select {
	case srv.peerOp <- fn:
		<-srv.peerOpDone
	case <-srv.quit:
	}
}

func (srv *Server) run() {
	defer srv.loopWG.Done()
	var (
		peers        = make(map[enode.ID]*Peer)
		dialing      = make(map[enode.ID]struct{})
		inboundCount = 0
	)

running:
	for {
		select {
		case <-srv.quit:
			break running
		case n := <-srv.addstatic:
			if err := srv.checkDial(n, peers, dialing, time.Now()); err != nil {
				srv.log.Debug("Skipping dial candidate", "id", n.ID(), "addr", nodeAddr(n), "err", err)
				continue
			}
			dialing[n.ID()] = struct{}{}
			srv.dialHist.add(n.ID(), time.Now())
			go srv.dialTask(n)
		case res := <-srv.dialDone:
			delete(dialing, res.id)
			if res.err != nil {
				srv.dialHist.remove(res.id)
			}
		case op := <-srv.peerOp:
			op(peers)
			srv.peerOpDone <- struct{}{}
		case c := <-srv.posthandshake:
			select {
			case c.cont <- srv.postHandshakeChecks(peers, inboundCount, c):
			case <-srv.quit:
				break running
			}
		case c := <-srv.addpeer:
			err := srv.addPeerChecks(peers, inboundCount, c)
			if err == nil {
				p := newPeer(srv.log, c, srv.Protocols)
				p.log.Debug("Adding p2p peer", "name", c.name, "addr", c.fd.RemoteAddr(), "peers", len(peers)+1)
				peers[c.node.ID()] = p
				if p.Inbound() {
					inboundCount++
				}
				go srv.runPeer(p)
			}
			select {
			case c.cont <- err:
			case <-srv.quit:
				break running
			}
		case pd := <-srv.delpeer:
			d := time.Since(pd.created)
			delete(peers, pd.ID())
			// A dropped peer may be added again right away.
			srv.dialHist.remove(pd.ID())
			if pd.Inbound() {
				inboundCount--
			}
			pd.log.Debug("Removing p2p peer", "peers", len(peers), "duration", d, "req", pd.requested, "err", pd.err)
		}
	}

	srv.log.Trace("P2P networking is spinning down")
	for _, p := range peers {
		p.Disconnect(DiscQuitting)
	}
	for len(peers) > 0 {
		p := <-srv.delpeer
		p.log.Trace("<-delpeer (spindown)")
		delete(peers, p.ID())
	}
}

func (srv *Server) dialTask(n *enode.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), params.DialTimeout)
	defer cancel()

	err := srv.dial(ctx, n)
	if err != nil {
		srv.log.Debug("Dial failed", "id", n.ID(), "addr", nodeAddr(n), "err", err)
	}
	select {
	case srv.dialDone <- dialResult{n.ID(), err}:
	case <-srv.quit:
	}
}

func (srv *Server) dial(ctx context.Context, dest *enode.Node) error {
	fd, err := srv.Dialer.Dial(ctx, dest)
	if err != nil {
		return err
	}
	return srv.SetupConn(fd, staticDialedConn, dest)
}

func (srv *Server) runPeer(p *Peer) {
	if srv.newPeerHook != nil {
		srv.newPeerHook(p)
	}
	remoteRequested, err := p.run()
	srv.delpeer <- peerDrop{p, err, remoteRequested}
}

func (srv *Server) postHandshakeChecks(peers map[enode.ID]*Peer, inboundCount int, c *conn) error {
	switch {
	case !c.is(trustedConn|staticDialedConn) && len(peers) >= srv.MaxPeers:
		return DiscTooManyPeers
	case peers[c.node.ID()] != nil:
		return DiscAlreadyConnected
	case c.node.ID() == srv.localID():
		return DiscSelf
	default:
		return nil
	}
}

func (srv *Server) addPeerChecks(peers map[enode.ID]*Peer, inboundCount int, c *conn) error {
	if len(srv.Protocols) > 0 && countMatchingProtocols(srv.Protocols, c.caps) == 0 {
		return DiscUselessPeer
	}
	return srv.postHandshakeChecks(peers, inboundCount, c)
}

type tempError interface {
	Temporary() bool
}

// listenLoop runs in its own goroutine and accepts inbound connections.
func (srv *Server) listenLoop() {
	defer srv.loopWG.Done()
	srv.log.Debug("TCP listener up", "addr", srv.listener.Addr())

	tokens := defaultMaxPendingPeers
	if srv.MaxPendingPeers > 0 {
		tokens = srv.MaxPendingPeers
	}
	slots := make(chan struct{}, tokens)
	for i := 0; i < tokens; i++ {
		slots <- struct{}{}
	}

	for {
		// 等待空闲的握手槽位
		<-slots

		var (
			fd  net.Conn
			err error
		)
		for {
			fd, err = srv.listener.Accept()
			if tempErr, ok := err.(tempError); ok && tempErr.Temporary() {
				srv.log.Debug("Temporary read error", "err", err)
				continue
			} else if err != nil {
				srv.log.Debug("Read error", "err", err)
				slots <- struct{}{}
				return
			}
			break
		}

		srv.log.Trace("Accepted connection", "addr", fd.RemoteAddr())
		go func() {
			srv.SetupConn(fd, inboundConn, nil)
			slots <- struct{}{}
		}()
	}
}

// SetupConn runs the handshakes and attempts to add the connection as a
// peer. It returns when the connection has been added as a peer or the
// handshakes have failed.
func (srv *Server) SetupConn(fd net.Conn, flags connFlag, dialDest *enode.Node) error {
	var dialPubkey *ecdsa.PublicKey
	if dialDest != nil {
		dialPubkey = dialDest.Pubkey()
	}
	c := &conn{fd: fd, transport: srv.newTransport(fd, dialPubkey), flags: flags, cont: make(chan error)}
	err := srv.setupConn(c, flags, dialDest)
	if err != nil {
		c.close(err)
		srv.log.Trace("Setup connection failed", "addr", fd.RemoteAddr(), "err", err)
	}
	return err
}

func (srv *Server) setupConn(c *conn, flags connFlag, dialDest *enode.Node) error {
	if !srv.isRunning() {
		return errServerStopped
	}

	// RLPx 加密握手
	remotePubkey, err := c.doEncHandshake(srv.PrivateKey)
	if err != nil {
		srv.log.Trace("Failed RLPx handshake", "addr", c.fd.RemoteAddr(), "conn", c.flags, "err", err)
		return err
	}
	if dialDest != nil {
		c.node = dialDest
	} else {
		c.node = nodeFromConn(remotePubkey, c.fd)
	}
	clog := srv.log.New("id", c.node.ID(), "addr", c.fd.RemoteAddr(), "conn", c.flags)
	if err = srv.checkpoint(c, srv.posthandshake); err != nil {
		clog.Trace("Rejected peer", "err", err)
		return err
	}

	// 协议握手
	phs, err := c.doProtoHandshake(srv.ourHandshake)
	if err != nil {
		clog.Trace("Failed p2p handshake", "err", err)
		return err
	}
	if phs.Version < params.MinBaseProtocolVersion {
		return DiscIncompatibleVersion
	}
	theirKey, err := ParsePubkey(phs.ID)
	if err != nil || enode.PubkeyToIDV4(theirKey) != c.node.ID() {
		clog.Trace("Wrong devp2p handshake identity", "phsid", fmt.Sprintf("%x", phs.ID))
		return DiscUnexpectedIdentity
	}
	c.caps, c.name = phs.Caps, phs.Name
	if err = srv.checkpoint(c, srv.addpeer); err != nil {
		clog.Trace("Rejected peer", "err", err)
		return err
	}
	return nil
}

func nodeFromConn(pubkey *ecdsa.PublicKey, fd net.Conn) *enode.Node {
	var ip net.IP
	var port int
	if tcp, ok := fd.RemoteAddr().(*net.TCPAddr); ok {
		ip = tcp.IP
		port = tcp.Port
	}
	return enode.NewV4(pubkey, ip, port, port)
}

// checkpoint sends the conn to run, which performs the post-handshake checks
// for the stage (posthandshake, addpeer).
func (srv *Server) checkpoint(c *conn, stage chan<- *conn) error {
	select {
	case stage <- c:
	case <-srv.quit:
		return errServerStopped
	}
	select {
	case err := <-c.cont:
		return err
	case <-srv.quit:
		return errServerStopped
	}
}

// GenerateKey is a convenience wrapper for node keys.
func GenerateKey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic("couldn't generate key: " + err.Error())
	}
	return key
}
