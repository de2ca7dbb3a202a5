package p2p

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/p2p/enode"
)

// Cap is the structure of a peer capability.
type Cap struct {
	Name    string
	Version uint
}

func (cap Cap) String() string {
	return fmt.Sprintf("%s/%d", cap.Name, cap.Version)
}

type capsByNameAndVersion []Cap

func (cs capsByNameAndVersion) Len() int      { return len(cs) }
func (cs capsByNameAndVersion) Swap(i, j int) { cs[i], cs[j] = cs[j], cs[i] }
func (cs capsByNameAndVersion) Less(i, j int) bool {
	if cs[i].Name < cs[j].Name {
		return true
	}

	if cs[i].Name == cs[j].Name && cs[i].Version < cs[j].Version {
		return true
	}

	return false
}

// Protocol represents a P2P subprotocol implementation.
type Protocol struct {
	Name    string
	Version uint
	// Length is the number of message codes used by the protocol.
	Length uint64
	// Run is called in a new goroutine when the protocol has been
	// negotiated with a peer. The peer connection is closed when Run returns.
	Run func(peer *Peer, rw MsgReadWriter) error
	// NodeInfo is an optional helper method to retrieve protocol specific
	// metadata about the host node.
	NodeInfo func() interface{}
	// PeerInfo is an optional helper method to retrieve protocol specific
	// metadata about a certain peer. A nil result means the protocol has not
	// finished its own handshake with the peer yet.
	PeerInfo func(id enode.ID) interface{}
}

func (p Protocol) cap() Cap {
	return Cap{p.Name, p.Version}
}

// HasCap reports whether caps offers name at minVersion or newer.
func HasCap(caps []Cap, name string, minVersion uint) bool {
	for _, c := range caps {
		if c.Name == name && c.Version >= minVersion {
			return true
		}
	}
	return false
}

func countMatchingProtocols(protocols []Protocol, caps []Cap) int {
	n := 0
	for _, cap := range caps {
		for _, proto := range protocols {
			if proto.Name == cap.Name && proto.Version == cap.Version {
				n++
			}
		}
	}
	return n
}

// matchProtocols creates structures for matching named subprotocols. The
// highest shared version of each protocol wins, offsets are assigned in
// name order starting right after the base protocol.
func matchProtocols(protocols []Protocol, caps []Cap, rw MsgReadWriter) map[string]*protoRW {
	sorted := make([]Cap, len(caps))
	copy(sorted, caps)
	sort.Sort(capsByNameAndVersion(sorted))
	offset := baseProtocolLength
	result := make(map[string]*protoRW)

outer:
	for _, cap := range sorted {
		for _, proto := range protocols {
			if proto.Name == cap.Name && proto.Version == cap.Version {
				if old := result[cap.Name]; old != nil {
					offset -= old.Length
				}
				result[cap.Name] = &protoRW{Protocol: proto, offset: offset, in: make(chan Msg), w: rw}
				offset += proto.Length

				continue outer
			}
		}
	}
	return result
}
