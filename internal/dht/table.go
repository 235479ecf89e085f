package dht

import (
	"sort"
	"time"
)

// bucket holds up to K nodes, most recently seen first.
type bucket struct {
	nodes []*Node
}

// find returns the position of the node with the given ID, or -1.
func (b *bucket) find(id ID) int {
	for i, n := range b.nodes {
		if n.ID.Equals(id) {
			return i
		}
	}
	return -1
}

// moveToFront moves nodes[i] to position 0.
func (b *bucket) moveToFront(i int) {
	n := b.nodes[i]
	copy(b.nodes[1:i+1], b.nodes[:i])
	b.nodes[0] = n
}

// push inserts n at the front, dropping the least recently seen node
// when the bucket overflows.
func (b *bucket) push(n *Node) {
	b.nodes = append([]*Node{n}, b.nodes...)
	if len(b.nodes) > K {
		b.nodes = b.nodes[:K]
	}
}

// Table is the contact table of the local node: the peers it learned from
// successful identifications and node_found answers, grouped into
// XOR-distance buckets.
//
// Table is driven from the single event loop and is not safe for
// concurrent use.
type Table struct {
	local   *Node
	buckets [IDBits]bucket
	now     func() time.Time
}

// NewTable creates an empty table for the given local node.
func NewTable(local *Node) *Table {
	return &Table{
		local: local,
		now:   time.Now,
	}
}

// LocalNode returns the node the table belongs to.
func (t *Table) LocalNode() *Node {
	return t.local
}

func (t *Table) bucketIndex(id ID) int {
	prefix := t.local.ID.XOR(id).PrefixLen()
	if prefix >= IDBits {
		return IDBits - 1
	}
	return prefix
}

// NodeAdd inserts n or refreshes the known entry with the same ID (address,
// key and last-seen time are updated). It returns the stored node, or nil
// when n is the local node.
func (t *Table) NodeAdd(n *Node) *Node {
	if n == nil || t.local.IsEqual(n) {
		return nil
	}

	b := &t.buckets[t.bucketIndex(n.ID)]
	now := t.now()

	if i := b.find(n.ID); i >= 0 {
		known := b.nodes[i]
		if n.IP != "" {
			known.IP = n.IP
		}
		if n.Port != 0 {
			known.Port = n.Port
		}
		if len(n.SSLKeyPub) > 0 {
			known.SSLKeyPub = n.SSLKeyPub
		}
		known.Touch(now)
		b.moveToFront(i)
		return known
	}

	stored := *n
	stored.Touch(now)
	b.push(&stored)
	return &stored
}

// NodeFind returns the stored node with the given ID.
func (t *Table) NodeFind(id ID) *Node {
	b := &t.buckets[t.bucketIndex(id)]
	if i := b.find(id); i >= 0 {
		return b.nodes[i]
	}
	return nil
}

// NodeFindClosest returns up to num nodes ordered by XOR distance to target.
func (t *Table) NodeFindClosest(target ID, num int) []*Node {
	var all []*Node
	for i := range t.buckets {
		all = append(all, t.buckets[i].nodes...)
	}
	if len(all) == 0 || num <= 0 {
		return nil
	}

	sort.Slice(all, func(i, j int) bool {
		return target.XOR(all[i].ID).Less(target.XOR(all[j].ID))
	})

	if num > len(all) {
		num = len(all)
	}
	return all[:num]
}

// NodesNum returns the number of stored nodes.
func (t *Table) NodesNum() int {
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].nodes)
	}
	return n
}
