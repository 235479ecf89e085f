package dht

const (
	// K is the maximum number of nodes per bucket and the default size of a
	// node_find answer.
	K = 20
)
