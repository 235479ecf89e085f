package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kunal-geeks/peerchat/internal/logging"
	"github.com/kunal-geeks/peerchat/internal/wire"
)

const (
	DefaultSyncTimeout = 5 * time.Second
	LoopInterval       = 100 * time.Millisecond
)

type callMode int

const (
	modeAsync callMode = iota
	modeSync
)

type pendingCall struct {
	name        string
	onReturn    func(value any)
	hasReturned bool
	timeout     time.Duration
	value       any
	mode        callMode
}

// Connection is one end of the RPC link. It is not safe for concurrent use;
// drive it from a single goroutine with Run or Loop.
type Connection struct {
	isServer bool
	handler  Handler

	functions map[string]Function

	lastRID int64
	pending map[int64]*pendingCall

	log   *logging.Logger
	now   func() time.Time
	sleep func(time.Duration)
}

// NewConnection returns a client-role Connection without a handler.
func NewConnection(logger *logging.Logger) *Connection {
	return &Connection{
		functions: make(map[string]Function),
		pending:   make(map[int64]*pendingCall),
		log:       logger,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// SetServer switches between server role (listen, many clients) and
// client role (connect to one server).
func (c *Connection) SetServer(isServer bool) {
	c.isServer = isServer
}

func (c *Connection) IsServer() bool {
	return c.isServer
}

func (c *Connection) SetHandler(h Handler) {
	c.handler = h
}

func (c *Connection) Handler() Handler {
	return c.handler
}

// FunctionAdd registers fn under name, replacing an earlier registration.
// A nil fn is registered as Inert.
func (c *Connection) FunctionAdd(name string, fn Function) {
	if fn == nil {
		fn = Inert
	}
	c.functions[name] = fn
}

// FunctionExec calls the function registered under name.
func (c *Connection) FunctionExec(name string, args []json.RawMessage) (any, error) {
	fn, ok := c.functions[name]
	if !ok {
		return nil, fmt.Errorf("FunctionExec %q: %w", name, ErrUnknownFunction)
	}
	return fn.Call(args)
}

// PendingNum returns the number of calls still waiting for their return.
func (c *Connection) PendingNum() int {
	return len(c.pending)
}

// Exec is ExecAsync.
func (c *Connection) Exec(name string, args []any, onReturn func(value any)) (int64, error) {
	return c.ExecAsync(name, args, onReturn)
}

// ExecAsync calls name on the other side and returns at once. onReturn, if
// set, runs from a later Run when the return value arrives.
func (c *Connection) ExecAsync(name string, args []any, onReturn func(value any)) (int64, error) {
	return c.execAdd(name, args, onReturn, 0, modeAsync)
}

// ExecSync calls name on the other side and drives Run until the value
// returns or timeout (DefaultSyncTimeout if zero) elapses.
func (c *Connection) ExecSync(name string, args []any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}

	rid, err := c.execAdd(name, args, nil, timeout, modeSync)
	if err != nil {
		return nil, err
	}
	defer delete(c.pending, rid)

	deadline := c.now().Add(timeout)
	for {
		if err := c.Run(); err != nil {
			return nil, fmt.Errorf("ExecSync %s: %w", name, err)
		}

		call := c.pending[rid]
		if call.hasReturned {
			return call.value, nil
		}

		left := deadline.Sub(c.now())
		if left <= 0 {
			return nil, fmt.Errorf("ExecSync %s: %w", name, ErrSyncTimeout)
		}
		c.sleep(min(left, LoopInterval))
	}
}

func (c *Connection) execAdd(name string, args []any, onReturn func(any), timeout time.Duration, mode callMode) (int64, error) {
	if c.handler == nil {
		return 0, fmt.Errorf("Exec %s: %w", name, ErrNoHandler)
	}

	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return 0, fmt.Errorf("Exec %s: argument %d: %w", name, i, err)
		}
		raw = append(raw, data)
	}

	c.lastRID++
	rid := c.lastRID

	line, err := wire.EncodeExec(wire.Exec{Name: name, Args: raw, RID: rid})
	if err != nil {
		return 0, fmt.Errorf("Exec %s: %w", name, err)
	}

	c.pending[rid] = &pendingCall{
		name:     name,
		onReturn: onReturn,
		timeout:  timeout,
		mode:     mode,
	}
	if err := c.handler.Send(0, line); err != nil {
		delete(c.pending, rid)
		return 0, fmt.Errorf("Exec %s: %w", name, err)
	}
	return rid, nil
}

// Connect listens (server role) or connects (client role). A server that
// cannot listen reports false.
func (c *Connection) Connect() (bool, error) {
	if c.handler == nil {
		return false, fmt.Errorf("Connect: %w", ErrNoHandler)
	}

	if c.isServer {
		if err := c.handler.Listen(); err != nil {
			c.log.Errorf("listen: %v", err)
			return false, nil
		}
		return true, nil
	}
	return c.handler.Connect()
}

// Run does one pass: handler I/O, then every received line in order.
func (c *Connection) Run() error {
	if c.handler == nil {
		return fmt.Errorf("Run: %w", ErrNoHandler)
	}
	if err := c.handler.Run(); err != nil {
		return fmt.Errorf("Run: %w", err)
	}

	for _, in := range c.handler.Recv() {
		c.msgHandle(in)
	}
	return nil
}

// Wait runs until no call is pending.
func (c *Connection) Wait() error {
	for {
		if err := c.Run(); err != nil {
			return err
		}
		if len(c.pending) == 0 {
			return nil
		}
		c.sleep(LoopInterval)
	}
}

// Loop runs until done is closed.
func (c *Connection) Loop(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		if err := c.Run(); err != nil {
			return err
		}
		c.sleep(LoopInterval)
	}
}

func (c *Connection) msgHandle(in Inbound) {
	env, err := wire.ParseEnvelope(in.Line)
	if err != nil {
		c.log.Debugf("client %d: dropping line: %v", in.ClientID, err)
		return
	}

	switch env.Tag {
	case wire.TagID:
		if err := c.handler.Send(in.ClientID, wire.EncodeTag(wire.TagIDOK)); err != nil {
			c.log.Debugf("client %d: send %s: %v", in.ClientID, wire.TagIDOK, err)
		}

	case wire.TagIDOK:
		c.log.Debugf("identified by server")

	case wire.TagExec:
		c.handleExec(in.ClientID, env.Exec)

	case wire.TagRetn:
		c.handleRetn(env.Retn)
	}
}

func (c *Connection) handleExec(clientID int, e *wire.Exec) {
	value, err := c.FunctionExec(e.Name, e.Args)
	if err != nil {
		c.log.Errorf("exec %s: %v", e.Name, err)
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.log.Errorf("exec %s: return value: %v", e.Name, err)
		return
	}
	line, err := wire.EncodeRetn(wire.Retn{Value: data, RID: e.RID})
	if err != nil {
		c.log.Errorf("exec %s: %v", e.Name, err)
		return
	}
	if err := c.handler.Send(clientID, line); err != nil {
		c.log.Debugf("exec %s: send return: %v", e.Name, err)
	}
}

func (c *Connection) handleRetn(r *wire.Retn) {
	call, ok := c.pending[r.RID]
	if !ok {
		c.log.Debugf("return for unknown call %d", r.RID)
		return
	}

	var value any
	if err := json.Unmarshal(r.Value, &value); err != nil {
		c.log.Debugf("return for %s: %v", call.name, err)
	}
	call.value = value
	call.hasReturned = true

	if call.onReturn != nil {
		call.onReturn(value)
	}
	if call.mode == modeAsync {
		delete(c.pending, r.RID)
	}
}
