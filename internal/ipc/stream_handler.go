package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/kunal-geeks/peerchat/internal/logging"
	"github.com/kunal-geeks/peerchat/internal/netpoll"
	"github.com/kunal-geeks/peerchat/internal/wire"
)

const (
	DefaultDialTimeout  = 2 * time.Second
	DefaultWriteTimeout = 2 * time.Second

	readChunkSize = 4096
)

// StreamHandlerOpts holds configuration for StreamHandler.
type StreamHandlerOpts struct {
	Network string // "tcp" or "unix"
	Addr    string // "127.0.0.1:25100" or a socket path

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *logging.Logger
}

type streamPeer struct {
	id     int
	conn   net.Conn
	fd     int
	frames wire.FrameBuffer
}

// StreamHandler is a Handler over a stream socket. Like the peer server it
// never blocks in Run: sockets are polled once and only ready ones are read.
type StreamHandler struct {
	StreamHandlerOpts

	listener   net.Listener
	listenerFD int

	clients      map[int]*streamPeer
	lastClientID int

	server *streamPeer // client role: the connection to the server

	inbox []Inbound
	buf   []byte
}

// NewStreamHandler creates a StreamHandler. Call Listen or Connect next.
func NewStreamHandler(opts StreamHandlerOpts) *StreamHandler {
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return &StreamHandler{
		StreamHandlerOpts: opts,
		listenerFD:        -1,
		clients:           make(map[int]*streamPeer),
		buf:               make([]byte, readChunkSize),
	}
}

func connFD(c any) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T has no OS handle", c)
	}
	return netpoll.FD(sc)
}

// Addr returns the actual listen address once listening, else the
// configured one.
func (h *StreamHandler) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.StreamHandlerOpts.Addr
}

func (h *StreamHandler) Listen() error {
	if h.Network == "unix" {
		removeStaleSocket(h.StreamHandlerOpts.Addr)
	}

	ln, err := net.Listen(h.Network, h.StreamHandlerOpts.Addr)
	if err != nil {
		return fmt.Errorf("Listen: %w", err)
	}
	fd, err := connFD(ln)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("Listen: %w", err)
	}

	h.listener = ln
	h.listenerFD = fd
	h.Logger.Infof("listening on %s %s", h.Network, ln.Addr())
	return nil
}

// removeStaleSocket removes a socket file left behind by a crashed process.
// Anything that is not a socket is left alone.
func removeStaleSocket(path string) {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	_ = os.Remove(path)
}

func (h *StreamHandler) Connect() (bool, error) {
	conn, err := net.DialTimeout(h.Network, h.StreamHandlerOpts.Addr, h.DialTimeout)
	if err != nil {
		return false, fmt.Errorf("Connect: %w: %w", ErrNotConnected, err)
	}
	fd, err := connFD(conn)
	if err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("Connect: %w: %w", ErrNotConnected, err)
	}

	h.server = &streamPeer{conn: conn, fd: fd}
	if err := h.write(h.server, wire.EncodeTag(wire.TagID)); err != nil {
		h.dropServer()
		return false, fmt.Errorf("Connect: %w: %w", ErrNotConnected, err)
	}
	return true, nil
}

func (h *StreamHandler) Run() error {
	var set netpoll.Set

	listenSlot := -1
	if h.listener != nil {
		listenSlot = set.Add(h.listenerFD)
	}

	peers := h.peers()
	slots := make([]int, len(peers))
	for i, p := range peers {
		slots[i] = set.Add(p.fd)
	}

	n, err := set.Wait(0)
	if err != nil {
		return fmt.Errorf("Run: %w", err)
	}
	if n == 0 {
		return nil
	}

	if listenSlot >= 0 && set.Readable(listenSlot) {
		h.accept()
	}
	for i, p := range peers {
		if set.Readable(slots[i]) {
			h.read(p)
		}
	}
	return nil
}

// peers returns the connections to watch, clients ordered by id.
func (h *StreamHandler) peers() []*streamPeer {
	if h.server != nil {
		return []*streamPeer{h.server}
	}

	out := make([]*streamPeer, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *StreamHandler) accept() {
	conn, err := h.listener.Accept()
	if err != nil {
		h.Logger.Errorf("accept: %v", err)
		return
	}
	fd, err := connFD(conn)
	if err != nil {
		h.Logger.Errorf("accept: %v", err)
		_ = conn.Close()
		return
	}

	h.lastClientID++
	h.clients[h.lastClientID] = &streamPeer{id: h.lastClientID, conn: conn, fd: fd}
	h.Logger.Debugf("new client %d", h.lastClientID)
}

func (h *StreamHandler) read(p *streamPeer) {
	n, err := p.conn.Read(h.buf)
	if n > 0 {
		lines, ferr := p.frames.Feed(h.buf[:n])
		for _, line := range lines {
			h.inbox = append(h.inbox, Inbound{ClientID: p.id, Line: line})
		}
		if ferr != nil {
			h.Logger.Errorf("client %d: %v", p.id, ferr)
		}
	}
	if err == nil {
		return
	}

	h.Logger.Debugf("client %d gone: %v", p.id, err)
	if p == h.server {
		h.dropServer()
		return
	}
	_ = p.conn.Close()
	delete(h.clients, p.id)
}

func (h *StreamHandler) dropServer() {
	if h.server != nil {
		_ = h.server.conn.Close()
		h.server = nil
	}
}

func (h *StreamHandler) write(p *streamPeer, line []byte) error {
	if h.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
	}
	_, err := p.conn.Write(line)
	return err
}

func (h *StreamHandler) Send(clientID int, line []byte) error {
	if h.listener == nil {
		if h.server == nil {
			return fmt.Errorf("Send: %w", ErrNotConnected)
		}
		return h.write(h.server, line)
	}

	if clientID != 0 {
		c, ok := h.clients[clientID]
		if !ok {
			return fmt.Errorf("Send to client %d: %w", clientID, ErrNotConnected)
		}
		return h.write(c, line)
	}

	var errs []error
	for _, c := range h.peers() {
		if err := h.write(c, line); err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

func (h *StreamHandler) Recv() []Inbound {
	out := h.inbox
	h.inbox = nil
	return out
}

func (h *StreamHandler) ClientsNum() int {
	if h.server != nil {
		return 1
	}
	return len(h.clients)
}

func (h *StreamHandler) Close() error {
	var errs []error
	for id, c := range h.clients {
		errs = append(errs, c.conn.Close())
		delete(h.clients, id)
	}
	h.dropServer()
	if h.listener != nil {
		errs = append(errs, h.listener.Close())
		h.listener = nil
		h.listenerFD = -1
	}
	return errors.Join(errs...)
}
