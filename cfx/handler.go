package cfx

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/rpc"

	cfxcommon "github.com/peicuiping/cfx-nettest/common"
	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/params"
)

// Config configures the cfx protocol service.
type Config struct {
	NetworkID        uint64
	Genesis          common.Hash
	HandshakeTimeout time.Duration
	Logger           log.Logger
}

// DefaultConfig is a local development chain.
var DefaultConfig = Config{
	NetworkID:        params.DefaultNetworkID,
	Genesis:          common.HexToHash("0x6fd6f3c6a4e2bb7dc1a86fd3b6f2dfdd7a3b8fb0ee7e8e1bd0b63ab3aee6e7d1"),
	HandshakeTimeout: params.HandshakeTimeout,
}

// Service runs the cfx status exchange with every connected peer and keeps
// the peers that passed it.
type Service struct {
	config    Config
	protocols []p2p.Protocol
	peers     *peerSet
	log       log.Logger

	quitSync chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(config Config) (*Service, error) {
	if config.Genesis == (common.Hash{}) {
		return nil, errResp(ErrGenesisBlockMismatch, "zero genesis hash")
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = params.HandshakeTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	s := &Service{
		config:   config,
		peers:    newPeerSet(),
		log:      logger.New("proto", params.ProtocolName),
		quitSync: make(chan struct{}),
	}
	for _, version := range params.ProtocolVersions {
		version := version
		s.protocols = append(s.protocols, p2p.Protocol{
			Name:    params.ProtocolName,
			Version: version,
			Length:  params.ProtocolLength,
			Run: func(p *p2p.Peer, rw p2p.MsgReadWriter) error {
				peer := newPeer(version, p, rw)
				select {
				case <-s.quitSync:
					return p2p.DiscQuitting
				default:
				}
				s.wg.Add(1)
				defer s.wg.Done()
				return s.handle(peer)
			},
			NodeInfo: func() interface{} {
				return s.NodeInfo()
			},
			PeerInfo: func(id enode.ID) interface{} {
				if p := s.peers.peer(id.String()); p != nil {
					if info := p.Info(); info != nil {
						return info
					}
				}
				return nil
			},
		})
	}
	return s, nil
}

func (s *Service) Genesis() common.Hash { return s.config.Genesis }

func (s *Service) NetworkID() uint64 { return s.config.NetworkID }

// BestEpoch is always the genesis epoch, the service does not sync blocks.
func (s *Service) BestEpoch() uint64 { return 0 }

func (s *Service) NodeInfo() *NodeInfo {
	return &NodeInfo{
		Network: s.config.NetworkID,
		Genesis: s.config.Genesis,
		Epoch:   s.BestEpoch(),
	}
}

// PeerCount returns the number of peers that finished the status exchange.
func (s *Service) PeerCount() int {
	return s.peers.len()
}

func (s *Service) handle(p *peer) error {
	p.log.Debug("cfx peer connected", "name", p.Name())

	if err := p.Handshake(s.config.NetworkID, s.config.Genesis, s.BestEpoch(), s.config.HandshakeTimeout); err != nil {
		p.log.Debug("cfx handshake failed", "err", err)
		return err
	}
	if err := s.peers.register(p); err != nil {
		p.log.Error("cfx peer registration failed", "err", err)
		return err
	}
	defer s.peers.unregister(p.ID().String())
	p.log.Debug("cfx handshake finished", "status", p.status)

	for {
		if err := s.handleMsg(p); err != nil {
			p.log.Debug("cfx message handling failed", "err", err)
			return err
		}
	}
}

func (s *Service) handleMsg(p *peer) error {
	msg, err := p.rw.ReadMsg()
	if err != nil {
		return err
	}
	defer msg.Discard()

	if msg.Size > params.ProtocolMaxMsgSize {
		return errResp(ErrMsgTooLarge, "%v > %v", msg.Size, params.ProtocolMaxMsgSize)
	}
	switch {
	case msg.Code == StatusMsg:
		return errResp(ErrExtraStatusMsg, "uncontrolled status message")
	case msg.Code < params.ProtocolLength:
		cfxcommon.TraceDump(p.log, "Ignoring cfx message", "msg", msg)
		return nil
	default:
		return errResp(ErrInvalidMsgCode, "%v", msg.Code)
	}
}

func (s *Service) APIs() []rpc.API {
	return []rpc.API{
		{
			Namespace: "cfx",
			Service:   NewPublicCfxAPI(s),
		},
	}
}

func (s *Service) Protocols() []p2p.Protocol {
	return s.protocols
}

func (s *Service) Start(server *p2p.Server) error {
	s.log.Info("Starting cfx service", "network", s.config.NetworkID, "genesis", cfxcommon.ShortHash(s.config.Genesis))
	return nil
}

func (s *Service) Stop() error {
	s.stopOnce.Do(func() { close(s.quitSync) })
	s.wg.Wait()
	s.log.Info("cfx service stopped")
	return nil
}
