package p2p

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/kunal-geeks/peerchat/internal/dht"
	"github.com/kunal-geeks/peerchat/internal/logging"
	"github.com/kunal-geeks/peerchat/internal/netpoll"
	"github.com/kunal-geeks/peerchat/internal/wire"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// ServerOpts holds configuration for Server.
type ServerOpts struct {
	IP   string // listen IP, e.g. "0.0.0.0"
	Port int    // listen port, 0 lets the OS choose

	LocalNode *dht.Node  // our identity, offered in `id` and used for collision checks
	Table     *dht.Table // optional; identified and discovered peers are added to it
	Settings  Settings   // optional; receives the public IP and gates bootstrap
	Console   Console    // optional; told when the channel session goes away
	Logger    *logging.Logger

	// SSLKeyPrv is copied into every session and wiped on session shutdown.
	SSLKeyPrv []byte

	PollTimeout  time.Duration // how long one Tick may block waiting for sockets
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration // keepalive interval for identified sessions, 0 disables

	// OnMessage receives messages the session layer does not handle itself
	// (talk_*, and unknown names).
	OnMessage func(s *Session, msg wire.Message)
}

// Server owns the listening socket and every peer session, and multiplexes
// them from a single caller. Drive it by calling Tick repeatedly; nothing in
// it is safe for concurrent use.
type Server struct {
	ServerOpts

	listener    net.Listener
	listenerFD  int
	isListening bool

	sessions      map[int]*Session
	lastSessionID int

	hasBootstrapped  bool
	modeChannel      bool
	channelSessionID int

	now func() time.Time
}

// NewServer creates a Server. Call Init before Tick to accept connections.
func NewServer(opts ServerOpts) *Server {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("server", logging.LevelInfo)
	}

	return &Server{
		ServerOpts: opts,
		listenerFD: -1,
		sessions:   make(map[int]*Session),
		now:        time.Now,
	}
}

// Init binds and listens on IP:Port.
func (s *Server) Init() error {
	if s.IP == "" && s.Port == 0 {
		return fmt.Errorf("Init: %w", ErrNoListenAddr)
	}

	addr := net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
	s.Logger.Noticef("listen on %s", addr)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Logger.Errorf("listen on %s failed: %v", addr, err)
		return fmt.Errorf("Init: %w: %w", ErrBind, err)
	}

	sc, ok := ln.(syscall.Conn)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("Init: %w: listener has no OS handle", ErrBind)
	}
	fd, err := netpoll.FD(sc)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("Init: %w: %w", ErrBind, err)
	}

	s.listener = ln
	s.listenerFD = fd
	s.isListening = true
	s.Logger.Noticef("listen ok: %s", ln.Addr())
	return nil
}

// Addr returns the actual listen address, or "" before Init.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Tick runs one pass of the event loop: every session gets its Run hook, then
// the listener and all sessions are polled once (blocking at most
// PollTimeout), a pending connection is accepted, and every readable session
// receives its data. Sessions that closed or failed are removed.
func (s *Server) Tick() error {
	for _, sess := range s.sessions {
		if sess.status.HasShutdown {
			s.sessionRemove(sess)
		}
	}

	type watched struct {
		slot int
		sess *Session
	}

	var set netpoll.Set
	listenSlot := -1
	if s.isListening {
		listenSlot = set.Add(s.listenerFD)
	}

	now := s.now()
	watch := make([]watched, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.Run(now)
		if sess.fd < 0 {
			continue
		}
		watch = append(watch, watched{slot: set.Add(sess.fd), sess: sess})
	}

	if set.Len() == 0 {
		// Nothing to poll, e.g. an outbound-only node without sessions.
		if s.PollTimeout > 0 {
			time.Sleep(s.PollTimeout)
		}
		return nil
	}

	n, err := set.Wait(s.PollTimeout)
	if err != nil {
		return fmt.Errorf("Tick: %w", err)
	}
	if n == 0 {
		return nil
	}

	if listenSlot >= 0 && set.Readable(listenSlot) {
		s.accept()
	}

	for _, w := range watch {
		if !set.Readable(w.slot) || s.sessions[w.sess.id] != w.sess {
			continue
		}

		if err := w.sess.DataRecv(); err != nil {
			if errors.Is(err, io.EOF) {
				s.Logger.Debugf("client %d closed the connection", w.sess.id)
			} else {
				s.Logger.Debugf("client %d recv: %v", w.sess.id, err)
			}
			s.sessionRemove(w.sess)
			continue
		}
		if w.sess.status.HasShutdown {
			s.sessionRemove(w.sess)
		}
	}
	return nil
}

func (s *Server) accept() {
	conn, err := s.listener.Accept()
	if err != nil {
		s.Logger.Errorf("accept: %v", err)
		return
	}

	sess, err := s.sessionNew(conn)
	if err != nil {
		s.Logger.Errorf("accept %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	s.Logger.Debugf("new client: %d, %s", sess.id, sess.IPPort())

	if !s.hasBootstrapped && s.LocalNode != nil && (s.Settings == nil || s.Settings.IsFirstRun()) {
		s.hasBootstrapped = true
		s.Logger.Debugf("dht network bootstrap via client %d", sess.id)

		sess.AddAction(NewAction(CriterionAfterIDOK, func(_ *Action, c *Session) {
			if err := c.SendNodeFind(c.LocalNode().ID); err != nil {
				s.Logger.Debugf("bootstrap: %v", err)
			}
		}))
	}

	if err := sess.SendHello(); err != nil {
		s.Logger.Debugf("client %d hello: %v", sess.id, err)
	}
	sess.fireActions(CriterionAfterConnect)
}

// Connect dials a peer, registers the session with actions attached, sends
// hello and fires the CriterionAfterConnect actions.
func (s *Server) Connect(ip string, port int, actions ...*Action) (*Session, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	s.Logger.Debugf("connect to %s", addr)

	conn, err := net.DialTimeout("tcp", addr, s.DialTimeout)
	if err != nil {
		s.Logger.Debugf("connection to %s failed: %v", addr, err)
		return nil, fmt.Errorf("Connect %s: %w: %w", addr, ErrConnect, err)
	}

	sess, err := s.sessionNew(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("Connect %s: %w: %w", addr, ErrConnect, err)
	}
	for _, a := range actions {
		sess.AddAction(a)
	}

	if err := sess.SendHello(); err != nil {
		s.Logger.Debugf("client %d hello: %v", sess.id, err)
	}
	sess.fireActions(CriterionAfterConnect)
	return sess, nil
}

func (s *Server) sessionNew(conn net.Conn) (*Session, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection has no OS handle")
	}
	fd, err := netpoll.FD(sc)
	if err != nil {
		return nil, err
	}

	s.lastSessionID++
	sess := newSession(s, s.lastSessionID, conn, fd)
	s.sessions[sess.id] = sess
	return sess, nil
}

// sessionRemove shuts sess down and forgets it. Removing a session that is
// not registered does nothing.
func (s *Server) sessionRemove(sess *Session) {
	if s.sessions[sess.id] != sess {
		return
	}
	s.Logger.Debugf("client remove: %d", sess.id)

	wasChannel := sess.IsChannel() || (s.modeChannel && s.channelSessionID == sess.id)
	sess.Shutdown()
	delete(s.sessions, sess.id)

	if !wasChannel {
		return
	}
	s.modeChannel = false
	s.channelSessionID = 0
	if s.Console != nil {
		s.Console.SetModeChannel(false)
		s.Console.SetModeChannelClient(0)
		s.Console.MsgAdd("", false, false, false)
		s.Console.MsgAdd("Connection to "+sess.IPPort()+" closed.", true, true, false)
	}
}

// Session returns the session with the given id, or nil.
func (s *Server) Session(id int) *Session {
	return s.sessions[id]
}

// Sessions returns the registered sessions ordered by id.
func (s *Server) Sessions() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SessionsNum returns the number of registered sessions.
func (s *Server) SessionsNum() int {
	return len(s.sessions)
}

// SetChannel makes the session with the given id the active chat channel.
// It reports false if no such session exists.
func (s *Server) SetChannel(sessionID int) bool {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.status.HasShutdown {
		return false
	}

	sess.status.IsChannel = true
	s.modeChannel = true
	s.channelSessionID = sessionID
	if s.Console != nil {
		s.Console.SetModeChannel(true)
		s.Console.SetModeChannelClient(sessionID)
	}
	return true
}

// ChannelMode reports whether a channel is active and which session it uses.
func (s *Server) ChannelMode() (bool, int) {
	return s.modeChannel, s.channelSessionID
}

// withSession runs fn on the live session id. A missing session is not an
// error: the peer may have gone away since the caller looked it up.
func (s *Server) withSession(id int, what string, fn func(*Session) error) {
	sess, ok := s.sessions[id]
	if !ok || sess.status.HasShutdown {
		s.Logger.Debugf("%s: no client %d", what, id)
		return
	}
	if err := fn(sess); err != nil {
		s.Logger.Debugf("%s to client %d: %v", what, id, err)
	}
}

func (s *Server) TalkRequestSend(sessionID int, rid, userNickname string) {
	s.withSession(sessionID, MsgTalkRequest, func(sess *Session) error {
		_, err := sess.SendTalkRequest(rid, userNickname)
		return err
	})
}

func (s *Server) TalkResponseSend(sessionID int, rid string, status int, userNickname string) {
	s.withSession(sessionID, MsgTalkResponse, func(sess *Session) error {
		return sess.SendTalkResponse(rid, status, userNickname)
	})
}

func (s *Server) TalkMsgSend(sessionID int, rid, userNickname, text string, ignore bool) {
	s.withSession(sessionID, MsgTalkMsg, func(sess *Session) error {
		return sess.SendTalkMsg(rid, userNickname, text, ignore)
	})
}

func (s *Server) TalkUserNicknameChangeSend(sessionID int, userNicknameOld, userNicknameNew string) {
	s.withSession(sessionID, MsgTalkUserNicknameChange, func(sess *Session) error {
		return sess.SendTalkUserNicknameChange(userNicknameOld, userNicknameNew)
	})
}

func (s *Server) TalkCloseSend(sessionID int, rid, userNickname string) {
	s.withSession(sessionID, MsgTalkClose, func(sess *Session) error {
		return sess.SendTalkClose(rid, userNickname)
	})
}

// Shutdown closes the listener and every session.
func (s *Server) Shutdown() {
	s.Logger.Infof("shutdown")

	for _, sess := range s.Sessions() {
		s.sessionRemove(sess)
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.Logger.Debugf("close listener: %v", err)
		}
	}
	s.isListening = false
	s.listenerFD = -1
}
