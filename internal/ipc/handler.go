// Package ipc is a small line-based RPC layer between the node daemon and
// its console. Either side registers named functions and calls the other's,
// asynchronously with a callback or synchronously with a timeout.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNoHandler       = errors.New("ipc: handler not set")
	ErrNotConnected    = errors.New("ipc: not connected")
	ErrUnknownFunction = errors.New("ipc: function not defined")
	ErrSyncTimeout     = errors.New("ipc: sync call timed out")
	ErrArgument        = errors.New("ipc: bad argument")
)

// Inbound is one complete line received from a client. ClientID is 0 on the
// client side, where there is only the server.
type Inbound struct {
	ClientID int
	Line     []byte
}

// Handler is the transport under a Connection. It is driven from the
// Connection's Run and must never block for long.
type Handler interface {
	// Listen starts accepting clients (server role).
	Listen() error

	// Connect dials the server and announces itself with ID (client role).
	Connect() (bool, error)

	// Run does one non-blocking pass of socket I/O.
	Run() error

	// Send writes a complete line to clientID, or to every client when
	// clientID is 0. On the client side the id is ignored.
	Send(clientID int, line []byte) error

	// Recv returns and forgets the lines received since the last call.
	Recv() []Inbound

	ClientsNum() int
	Close() error
}

// Function is something that can be called by name from the other side.
type Function interface {
	Call(args []json.RawMessage) (any, error)
}

// HandlerFunc adapts a plain function or a bound method value to Function.
type HandlerFunc func(args []json.RawMessage) (any, error)

func (f HandlerFunc) Call(args []json.RawMessage) (any, error) {
	return f(args)
}

type inert struct{}

func (inert) Call([]json.RawMessage) (any, error) { return nil, nil }

// Inert is a Function that does nothing and returns nil.
var Inert Function = inert{}

func arg(args []json.RawMessage, i int, v any) error {
	if i < 0 || i >= len(args) {
		return fmt.Errorf("argument %d: %w: missing", i, ErrArgument)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w: %v", i, ErrArgument, err)
	}
	return nil
}

// ArgString decodes args[i] as a string.
func ArgString(args []json.RawMessage, i int) (string, error) {
	var s string
	err := arg(args, i, &s)
	return s, err
}

// ArgInt decodes args[i] as an integer.
func ArgInt(args []json.RawMessage, i int) (int, error) {
	var n int
	err := arg(args, i, &n)
	return n, err
}

// ArgBool decodes args[i] as a boolean.
func ArgBool(args []json.RawMessage, i int) (bool, error) {
	var b bool
	err := arg(args, i, &b)
	return b, err
}
