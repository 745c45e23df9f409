package model

import (
	"fmt"
	"math/rand"
	"net/netip"
	"strconv"
)

// DefaultChunkSize is the size in bytes of every chunk circulating on a ring.
const DefaultChunkSize = 512

// RingID identifies a ring. It is carried on every envelope and keys the ring directory.
type RingID uint64

// NewRingID returns a random ring identifier.
func NewRingID() RingID {
	return RingID(rand.Uint64())
}

func (id RingID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseRingID parses the decimal form produced by String.
func ParseRingID(s string) (RingID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ring id %q: %w", s, err)
	}
	return RingID(v), nil
}

// NodeAddress is the network address (IP and port) of a node. Two addresses are
// equal iff they compare equal with ==.
type NodeAddress struct {
	ap netip.AddrPort
}

// ParseNodeAddress parses "ip:port". Host names are not accepted.
func ParseNodeAddress(s string) (NodeAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	if ap.Port() == 0 {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: port must be non-zero", s)
	}
	// IPv4-mapped IPv6 addresses compare equal to their IPv4 form.
	return NodeAddress{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, nil
}

// MustParseNodeAddress is like ParseNodeAddress but panics on error.
func MustParseNodeAddress(s string) NodeAddress {
	a, err := ParseNodeAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsValid reports whether the address was produced by a successful parse.
func (a NodeAddress) IsValid() bool {
	return a.ap.IsValid()
}

// Addr returns the IP part of the address.
func (a NodeAddress) Addr() netip.Addr {
	return a.ap.Addr()
}

func (a NodeAddress) String() string {
	if !a.ap.IsValid() {
		return ""
	}
	return a.ap.String()
}

// MarshalText implements encoding.TextMarshaler.
func (a NodeAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *NodeAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// RingInfo describes a ring hosted by a node.
type RingInfo struct {
	RingID   RingID `json:"ring_id"`
	ChunkNum uint64 `json:"chunk_num"`
}
