package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/rlpx"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/peicuiping/cfx-nettest/params"
)

const (
	baseProtocolLength     = params.BaseProtocolLength
	baseProtocolMaxMsgSize = params.BaseProtocolMaxMsgSize

	discWriteTimeout = 1 * time.Second
)

// Base protocol message codes.
const (
	HandshakeMsg = 0x00
	DiscMsg      = 0x01
	PingMsg      = 0x02
	PongMsg      = 0x03
)

// Hello is the devp2p protocol handshake, the first message on every
// connection after the encryption handshake.
type Hello struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         []byte // secp256k1 public key, 64 bytes

	// Ignore additional fields (for forward compatibility).
	Rest []rlp.RawValue `rlp:"tail"`
}

// Conn is an RLPx session carrying devp2p messages. Reads and writes are
// serialized independently, so one reader and any number of writers may use
// a Conn concurrently.
type Conn struct {
	fd   net.Conn
	rmu  sync.Mutex
	wmu  sync.Mutex
	conn *rlpx.Conn

	remote *ecdsa.PublicKey
}

// NewConn wraps fd. dialDest is the remote key for outbound connections and
// nil for inbound ones.
func NewConn(fd net.Conn, dialDest *ecdsa.PublicKey) *Conn {
	return &Conn{fd: fd, conn: rlpx.NewConn(fd, dialDest)}
}

// Handshake runs the RLPx encryption handshake and returns the remote key.
func (c *Conn) Handshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	c.conn.SetDeadline(time.Now().Add(params.HandshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	pub, err := c.conn.Handshake(prv)
	if err != nil {
		return nil, err
	}
	c.remote = pub
	return pub, nil
}

// ProtoHandshake exchanges Hello messages. Our Hello is written while the
// remote one is read; Snappy is switched on when the remote supports it.
func (c *Conn) ProtoHandshake(our *Hello) (*Hello, error) {
	werr := make(chan error, 1)
	go func() { werr <- Send(c, HandshakeMsg, our) }()

	their, err := ReadHello(c)
	if err != nil {
		<-werr
		return nil, err
	}
	if err := <-werr; err != nil {
		return nil, fmt.Errorf("write error: %v", err)
	}
	c.SetSnappy(their.Version >= params.SnappyProtocolVersion)
	return their, nil
}

// ReadHello reads the remote Hello. A disconnect message is returned as its
// DiscReason.
func ReadHello(rw MsgReader) (*Hello, error) {
	msg, err := rw.ReadMsg()
	if err != nil {
		return nil, err
	}
	if msg.Size > baseProtocolMaxMsgSize {
		return nil, errors.New("message too big")
	}
	if msg.Code == DiscMsg {
		payload, _ := io.ReadAll(msg.Payload)
		return nil, DecodeDisconnect(payload)
	}
	if msg.Code != HandshakeMsg {
		return nil, fmt.Errorf("expected handshake, got %x", msg.Code)
	}
	var hs Hello
	if err := msg.Decode(&hs); err != nil {
		return nil, err
	}
	if _, err := ParsePubkey(hs.ID); err != nil {
		return nil, DiscInvalidIdentity
	}
	return &hs, nil
}

func (c *Conn) ReadMsg() (Msg, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	c.conn.SetReadDeadline(time.Now().Add(params.FrameReadTimeout))
	code, data, _, err := c.conn.Read()
	if err != nil {
		return Msg{}, err
	}
	return Msg{
		Code:       code,
		Size:       uint32(len(data)),
		Payload:    bytes.NewReader(data),
		ReceivedAt: time.Now(),
	}, nil
}

func (c *Conn) WriteMsg(msg Msg) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	data, err := io.ReadAll(msg.Payload)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(params.FrameWriteTimeout))
	_, err = c.conn.Write(msg.Code, data)
	return err
}

// SetSnappy enables or disables Snappy compression of message payloads.
func (c *Conn) SetSnappy(snappy bool) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetSnappy(snappy)
}

func (c *Conn) RemotePubkey() *ecdsa.PublicKey { return c.remote }
func (c *Conn) LocalAddr() net.Addr            { return c.fd.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr           { return c.fd.RemoteAddr() }

// Disconnect tells the remote why the session ends, then closes it. The
// notice is best effort.
func (c *Conn) Disconnect(reason DiscReason) error {
	if c.remote != nil {
		c.wmu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(discWriteTimeout))
		if size, r, err := rlp.EncodeToReader([]DiscReason{reason}); err == nil {
			data := make([]byte, size)
			if _, err := io.ReadFull(r, data); err == nil {
				c.conn.Write(DiscMsg, data)
			}
		}
		c.wmu.Unlock()
	}
	return c.Close()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) doEncHandshake(prv *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	return c.Handshake(prv)
}

func (c *Conn) doProtoHandshake(our *Hello) (*Hello, error) {
	return c.ProtoHandshake(our)
}

func (c *Conn) close(err error) {
	var reason DiscReason
	if errors.As(err, &reason) {
		c.Disconnect(reason)
		return
	}
	c.Close()
}

func newRLPX(fd net.Conn, dialDest *ecdsa.PublicKey) transport {
	return NewConn(fd, dialDest)
}

// PubkeyID returns the 64 byte node id form of pub.
func PubkeyID(pub *ecdsa.PublicKey) []byte {
	return crypto.FromECDSAPub(pub)[1:]
}

// NodeIDString renders the node id of pub as 0x-prefixed hex.
func NodeIDString(pub *ecdsa.PublicKey) string {
	return hexutil.Encode(PubkeyID(pub))
}

// ParsePubkey converts a 64 byte node id back into a public key.
func ParsePubkey(id []byte) (*ecdsa.PublicKey, error) {
	if len(id) != 64 {
		return nil, fmt.Errorf("invalid node id length %d", len(id))
	}
	return crypto.UnmarshalPubkey(append([]byte{0x04}, id...))
}

// ParseNodeID decodes a 0x-prefixed hex node id.
func ParseNodeID(s string) (*ecdsa.PublicKey, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, err
	}
	return ParsePubkey(b)
}
