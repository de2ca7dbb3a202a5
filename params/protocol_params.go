package params

import "time"

// devp2p base protocol.
const (
	BaseProtocolVersion    = 5
	MinBaseProtocolVersion = 4
	BaseProtocolLength     = uint64(16)
	BaseProtocolMaxMsgSize = 2 * 1024

	SnappyProtocolVersion = 5
)

// cfx sub-protocol.
const (
	ProtocolName       = "cfx"
	ProtocolVersion    = 2
	MinProtocolVersion = 1
	ProtocolLength     = uint64(8)
	ProtocolMaxMsgSize = 10 * 1024 * 1024

	// DefaultNetworkID is the network id of a local development chain.
	DefaultNetworkID = 10
)

// ProtocolVersions are the cfx versions a node offers, newest first.
var ProtocolVersions = []uint{ProtocolVersion, MinProtocolVersion}

const (
	DialTimeout       = 15 * time.Second
	HandshakeTimeout  = 5 * time.Second
	FrameReadTimeout  = 30 * time.Second
	FrameWriteTimeout = 20 * time.Second
	PingInterval      = 15 * time.Second

	// Harness defaults.
	ScenarioHandshakeTimeout = 3 * time.Second
	ScenarioConnectTimeout   = 3 * time.Second
	ScenarioRPCTimeout       = 3 * time.Second
	PollInterval             = 50 * time.Millisecond
)
