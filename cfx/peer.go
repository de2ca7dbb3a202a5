package cfx

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/params"
)

type peer struct {
	*p2p.Peer

	rw      p2p.MsgReadWriter
	id      string
	version uint
	log     log.Logger

	lock   sync.RWMutex
	status *Status
}

func newPeer(version uint, p *p2p.Peer, rw p2p.MsgReadWriter) *peer {
	id := p.ID()
	return &peer{
		Peer:    p,
		rw:      rw,
		version: version,
		id:      fmt.Sprintf("%x", id[:8]),
		log:     p.Log().New("proto", params.ProtocolName, "version", version),
	}
}

// Info returns nil until the status exchange has finished.
func (p *peer) Info() *PeerInfo {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.status == nil {
		return nil
	}
	return &PeerInfo{
		Version:   p.status.ProtocolVersion,
		Network:   p.status.NetworkID,
		BestEpoch: p.status.BestEpoch,
		Genesis:   p.status.GenesisHash,
	}
}

// Handshake sends our status and reads the remote one concurrently.
func (p *peer) Handshake(network uint64, genesis common.Hash, epoch uint64, timeout time.Duration) error {
	errc := make(chan error, 2)
	var status Status

	// 启动发送例程
	go func() {
		errc <- p2p.Send(p.rw, StatusMsg, &Status{
			ProtocolVersion: uint32(p.version),
			NetworkID:       network,
			GenesisHash:     genesis,
			BestEpoch:       epoch,
			TerminalHashes:  []common.Hash{genesis},
		})
	}()

	// 启动接收例程
	go func() {
		errc <- p.readStatus(network, &status, genesis)
	}()

	// 启动读操作的超时检测
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-timer.C:
			return p2p.DiscReadTimeout
		}
	}

	p.lock.Lock()
	p.status = &status
	p.lock.Unlock()
	return nil
}

func (p *peer) readStatus(network uint64, status *Status, genesis common.Hash) error {
	msg, err := p.rw.ReadMsg()
	if err != nil {
		return err
	}
	defer msg.Discard()

	if msg.Code != StatusMsg {
		return errResp(ErrNoStatusMsg, "first msg has code %x (!= %x)", msg.Code, StatusMsg)
	}
	if msg.Size > params.ProtocolMaxMsgSize {
		return errResp(ErrMsgTooLarge, "%v > %v", msg.Size, params.ProtocolMaxMsgSize)
	}
	if err := msg.Decode(status); err != nil {
		return errResp(ErrDecode, "msg %v: %v", msg, err)
	}
	if status.GenesisHash != genesis {
		return errResp(ErrGenesisBlockMismatch, "%x (!= %x)", status.GenesisHash[:8], genesis[:8])
	}
	if status.NetworkID != network {
		return errResp(ErrNetworkIdMismatch, "%d (!= %d)", status.NetworkID, network)
	}
	if status.ProtocolVersion < params.MinProtocolVersion {
		return errResp(ErrProtocolVersionMismatch, "%d (< %d)", status.ProtocolVersion, params.MinProtocolVersion)
	}
	return nil
}

type peerSet struct {
	lock  sync.RWMutex
	peers map[string]*peer
}

func newPeerSet() *peerSet {
	return &peerSet{peers: make(map[string]*peer)}
}

func (ps *peerSet) register(p *peer) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	if _, ok := ps.peers[p.ID().String()]; ok {
		return p2p.DiscAlreadyConnected
	}
	ps.peers[p.ID().String()] = p
	return nil
}

func (ps *peerSet) unregister(id string) {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	delete(ps.peers, id)
}

func (ps *peerSet) peer(id string) *peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	return ps.peers[id]
}

func (ps *peerSet) len() int {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	return len(ps.peers)
}
