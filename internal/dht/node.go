package dht

import (
	"net"
	"strconv"
	"time"
)

// Node is the identity of a chat node: who it is (ID, public key) and where
// it was last reached (IP, Port).
type Node struct {
	ID           ID
	IP           string
	Port         int
	SSLKeyPub    []byte
	TimeLastSeen time.Time
}

// NewNode returns a Node with the given ID and no address.
func NewNode(id ID) *Node {
	return &Node{ID: id}
}

// IsEqual reports whether two nodes share an identity. Address and key are
// not compared: the same ID seen from another address is the same node.
func (n *Node) IsEqual(other *Node) bool {
	if n == nil || other == nil {
		return false
	}
	return n.ID.Equals(other.ID)
}

// Addr returns "ip:port" (IPv6 aware).
func (n *Node) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// Touch records that the node was seen at t.
func (n *Node) Touch(t time.Time) {
	n.TimeLastSeen = t
}

func (n *Node) String() string {
	return n.ID.String() + "@" + n.Addr()
}
