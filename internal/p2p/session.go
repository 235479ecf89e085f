package p2p

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kunal-geeks/peerchat/internal/dht"
	"github.com/kunal-geeks/peerchat/internal/logging"
	"github.com/kunal-geeks/peerchat/internal/wire"
)

// recvChunkSize is how much DataRecv reads per readiness indication.
const recvChunkSize = 4096

// Status holds the per-session flags.
type Status struct {
	HasShutdown bool
	HasID       bool

	// IsChannel marks the session as the active interactive chat peer.
	// IsChannelLocal is set when we offered a channel in our `id`,
	// IsChannelPeer when the peer did.
	IsChannel      bool
	IsChannelLocal bool
	IsChannelPeer  bool
}

// Session is one live peer connection and its protocol state.
//
// Sessions are created and removed by their Server and are driven from the
// server's Tick; none of the methods are safe for concurrent use.
type Session struct {
	id int

	// server is the owning Server. The session only reads configuration
	// through it (local node, table, settings, logger); the server alone
	// adds and removes sessions.
	server *Server

	conn net.Conn
	fd   int

	status Status
	node   *dht.Node

	ip   string
	port int

	frames  wire.FrameBuffer
	recvBuf []byte
	actions []*Action

	sslKeyPrv []byte
	lastPing  time.Time
}

func newSession(server *Server, id int, conn net.Conn, fd int) *Session {
	s := &Session{
		id:      id,
		server:  server,
		conn:    conn,
		fd:      fd,
		recvBuf: make([]byte, recvChunkSize),
	}
	if len(server.SSLKeyPrv) > 0 {
		s.sslKeyPrv = append([]byte(nil), server.SSLKeyPrv...)
	}
	return s
}

// ID returns the session id, unique within its Server.
func (s *Session) ID() int {
	return s.id
}

// Status returns a copy of the session flags.
func (s *Session) Status() Status {
	return s.status
}

// IsChannel reports whether the session takes part in channel mode.
func (s *Session) IsChannel() bool {
	return s.status.IsChannel || s.status.IsChannelLocal || s.status.IsChannelPeer
}

// Node returns the peer identity, or nil before a successful `id`.
func (s *Session) Node() *dht.Node {
	return s.node
}

// LocalNode returns the identity of this side of the connection.
func (s *Session) LocalNode() *dht.Node {
	return s.server.LocalNode
}

// IP returns the peer IP, resolved from the connection on first use.
func (s *Session) IP() string {
	if s.ip == "" {
		s.resolvePeerAddr()
	}
	return s.ip
}

// Port returns the peer port, resolved from the connection on first use.
func (s *Session) Port() int {
	if s.port == 0 {
		s.resolvePeerAddr()
	}
	return s.port
}

// IPPort returns "ip:port" of the peer.
func (s *Session) IPPort() string {
	return net.JoinHostPort(s.IP(), strconv.Itoa(s.Port()))
}

func (s *Session) resolvePeerAddr() {
	addr := s.conn.RemoteAddr()
	if tcp, ok := addr.(*net.TCPAddr); ok {
		s.ip = tcp.IP.String()
		s.port = tcp.Port
		return
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		s.ip = addr.String()
		return
	}
	s.ip = host
	s.port, _ = strconv.Atoi(port)
}

func (s *Session) log() *logging.Logger {
	return s.server.Logger
}

// AddAction attaches a to the session.
func (s *Session) AddAction(a *Action) {
	s.actions = append(s.actions, a)
}

// ActionsNum returns the number of actions still waiting.
func (s *Session) ActionsNum() int {
	return len(s.actions)
}

// ExecAction runs a now and detaches it if it was attached. This is the
// only way a CriterionNone action runs.
func (s *Session) ExecAction(a *Action) {
	for i, attached := range s.actions {
		if attached == a {
			s.actions = append(s.actions[:i], s.actions[i+1:]...)
			break
		}
	}
	a.exec(s)
}

// fireActions runs and discards every action waiting for c. Actions are
// detached before they run, so each fires at most once even if it adds
// new actions.
func (s *Session) fireActions(c Criterion) {
	var due, keep []*Action
	for _, a := range s.actions {
		if a.HasCriterion(c) {
			due = append(due, a)
		} else {
			keep = append(keep, a)
		}
	}
	s.actions = keep

	for _, a := range due {
		a.exec(s)
	}
}

// Run is called once per server tick before polling. It sends a keepalive
// ping to identified peers every PingInterval.
func (s *Session) Run(now time.Time) {
	interval := s.server.PingInterval
	if interval <= 0 || !s.status.HasID || s.status.HasShutdown {
		return
	}
	if now.Sub(s.lastPing) < interval {
		return
	}
	s.lastPing = now
	if err := s.SendPing(""); err != nil {
		s.log().Debugf("%s keepalive: %v", s.IPPort(), err)
	}
}

// DataRecv reads what the socket has and handles every complete frame.
// It is called once per readiness indication. End-of-stream is returned as
// io.EOF; the caller removes the session on any error.
func (s *Session) DataRecv() error {
	n, err := s.conn.Read(s.recvBuf)
	if n > 0 {
		s.handleData(s.recvBuf[:n])
	}
	return err
}

func (s *Session) handleData(data []byte) {
	frames, err := s.frames.Feed(data)
	for _, frame := range frames {
		if s.status.HasShutdown {
			return
		}
		s.handleFrame(frame)
	}
	if err != nil {
		s.log().Errorf("%s recv: %v", s.IPPort(), err)
	}
}

func (s *Session) handleFrame(frame []byte) {
	msg, err := wire.DecodeFrame(frame)
	if err != nil {
		s.log().Debugf("%s dropping frame: %v", s.IPPort(), err)
		return
	}
	if err := s.handleMessage(msg); err != nil {
		s.log().Debugf("%s %s: %v", s.IPPort(), msg.Name, err)
	}
}

func (s *Session) handleMessage(msg wire.Message) error {
	switch msg.Name {
	case MsgNop:
		return nil

	case MsgHello:
		var d helloData
		if err := msg.Decode(&d); err != nil {
			return err
		}
		ip := net.ParseIP(d.IP)
		if ip != nil && !ip.IsLoopback() && s.server.Settings != nil {
			s.server.Settings.SetPublicIP(ip.String())
		}
		return nil

	case MsgID:
		return s.handleID(msg)

	case MsgPing:
		var d pingData
		if err := msg.Decode(&d); err != nil {
			return err
		}
		return s.SendPong(d.ID)

	case MsgPong:
		var d pingData
		if err := msg.Decode(&d); err != nil {
			return err
		}
		s.log().Debugf("%s recv pong: %s", s.IPPort(), d.ID)
		return nil

	case MsgError:
		var d errorData
		if err := msg.Decode(&d); err != nil {
			return err
		}
		s.log().Debugf("%s recv error: %d, %s, %s", s.IPPort(), d.Code, d.Msg, d.Name)
		return nil

	case MsgQuit:
		s.Shutdown()
		return nil

	case MsgNodeFind:
		return s.handleNodeFind(msg)

	case MsgNodeFound:
		return s.handleNodeFound(msg)
	}

	// Anything else belongs to a layer above this one, or to a newer
	// protocol version, and is ignored when nobody listens for it.
	if s.server.OnMessage != nil {
		s.server.OnMessage(s, msg)
	}
	return nil
}

func (s *Session) handleID(msg wire.Message) error {
	if s.status.HasID {
		return s.SendError(ErrCodeAlreadyID, msg.Name)
	}

	var d idData
	if err := msg.Decode(&d); err != nil {
		return errors.Join(err, s.SendError(ErrCodeUnknown, msg.Name))
	}

	id, err := dht.IDFromHex(d.ID)
	if err != nil {
		return errors.Join(err, s.SendError(ErrCodeUnknown, msg.Name))
	}
	keyPub, err := base64.StdEncoding.DecodeString(d.SSLKeyPub)
	if err != nil {
		return errors.Join(fmt.Errorf("sslKeyPub: %w", err), s.SendError(ErrCodeUnknown, msg.Name))
	}

	node := &dht.Node{
		ID:           id,
		IP:           s.IP(),
		Port:         d.Port,
		SSLKeyPub:    keyPub,
		TimeLastSeen: s.server.now(),
	}

	if s.LocalNode().IsEqual(node) {
		return s.SendError(ErrCodeIDCollision, msg.Name)
	}

	s.node = node
	s.status.HasID = true
	s.lastPing = s.server.now()
	if d.IsChannel {
		s.status.IsChannelPeer = true
		s.status.IsChannel = true
	}
	if s.server.Table != nil {
		s.server.Table.NodeAdd(node)
	}

	s.log().Debugf("%s identified as %s", s.IPPort(), id)
	s.fireActions(CriterionAfterIDOK)
	return nil
}

func (s *Session) handleNodeFind(msg wire.Message) error {
	if !s.status.HasID {
		return s.SendError(ErrCodeNeedID, msg.Name)
	}

	var d nodeFindData
	if err := msg.Decode(&d); err != nil {
		return err
	}
	target, err := dht.IDFromHex(d.NodeID)
	if err != nil {
		return errors.Join(err, s.SendError(ErrCodeUnknown, msg.Name))
	}

	num := d.Num
	if num <= 0 || num > dht.K {
		num = dht.K
	}

	var nodes []*dht.Node
	if s.server.Table != nil {
		// Ask for one extra in case the requester itself is among them.
		for _, n := range s.server.Table.NodeFindClosest(target, num+1) {
			if n.IsEqual(s.node) || len(nodes) == num {
				continue
			}
			nodes = append(nodes, n)
		}
	}
	return s.SendNodeFound(d.RID, nodes)
}

func (s *Session) handleNodeFound(msg wire.Message) error {
	if !s.status.HasID {
		return s.SendError(ErrCodeNeedID, msg.Name)
	}

	var d nodeFoundData
	if err := msg.Decode(&d); err != nil {
		return err
	}
	if s.server.Table == nil {
		return nil
	}

	for _, nd := range d.Nodes {
		id, err := dht.IDFromHex(nd.ID)
		if err != nil {
			s.log().Debugf("%s node_found: skipping node: %v", s.IPPort(), err)
			continue
		}
		keyPub, _ := base64.StdEncoding.DecodeString(nd.SSLKeyPub)
		s.server.Table.NodeAdd(&dht.Node{
			ID:        id,
			IP:        nd.IP,
			Port:      nd.Port,
			SSLKeyPub: keyPub,
		})
	}
	return nil
}

// send frames one message and writes it to the socket.
func (s *Session) send(name string, data any) error {
	if s.status.HasShutdown {
		return fmt.Errorf("send %s: %w", name, ErrSessionClosed)
	}

	msg, err := wire.NewMessage(name, data)
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}

	if s.server.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.WriteTimeout))
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	return nil
}

// SendHello tells the peer which IP we see it at.
func (s *Session) SendHello() error {
	return s.send(MsgHello, helloData{IP: s.IP()})
}

// SendID offers our identity. isChannel asks the peer to open a chat channel.
func (s *Session) SendID(isChannel bool) error {
	local := s.LocalNode()
	if local == nil {
		return fmt.Errorf("send %s: %w", MsgID, ErrNoLocalNode)
	}

	err := s.send(MsgID, idData{
		ID:        local.ID.String(),
		Port:      local.Port,
		SSLKeyPub: base64.StdEncoding.EncodeToString(local.SSLKeyPub),
		IsChannel: isChannel,
	})
	if err == nil && isChannel {
		s.status.IsChannelLocal = true
	}
	return err
}

// SendPing sends a ping carrying id. An empty id gets a fresh UUID.
func (s *Session) SendPing(id string) error {
	if id == "" {
		id = uuid.NewString()
	}
	return s.send(MsgPing, pingData{ID: id})
}

// SendPong answers a ping, echoing its id.
func (s *Session) SendPong(id string) error {
	return s.send(MsgPong, pingData{ID: id})
}

// SendError reports a protocol error about the message named name.
func (s *Session) SendError(code ErrorCode, name string) error {
	text, err := code.Text()
	if err != nil {
		return fmt.Errorf("send %s: %w", MsgError, err)
	}
	return s.send(MsgError, errorData{Code: code, Msg: text, Name: name})
}

// SendQuit asks the peer to close the connection.
func (s *Session) SendQuit() error {
	return s.send(MsgQuit, nil)
}

// SendNop sends a message without effect.
func (s *Session) SendNop() error {
	return s.send(MsgNop, nil)
}

// SendNodeFind asks the peer for the nodes it knows closest to target.
func (s *Session) SendNodeFind(target dht.ID) error {
	return s.send(MsgNodeFind, nodeFindData{
		RID:    uuid.NewString(),
		Num:    dht.K,
		NodeID: target.String(),
	})
}

// SendNodeFound answers a node_find.
func (s *Session) SendNodeFound(rid string, nodes []*dht.Node) error {
	out := make([]nodeData, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeData{
			ID:        n.ID.String(),
			IP:        n.IP,
			Port:      n.Port,
			SSLKeyPub: base64.StdEncoding.EncodeToString(n.SSLKeyPub),
		})
	}
	return s.send(MsgNodeFound, nodeFoundData{RID: rid, Nodes: out})
}

// SendTalkRequest asks the peer to open a chat channel. An empty rid gets a
// fresh UUID; the rid actually used is returned.
func (s *Session) SendTalkRequest(rid, userNickname string) (string, error) {
	if rid == "" {
		rid = uuid.NewString()
	}
	return rid, s.send(MsgTalkRequest, TalkRequest{RID: rid, UserNickname: userNickname})
}

func (s *Session) SendTalkResponse(rid string, status int, userNickname string) error {
	return s.send(MsgTalkResponse, TalkResponse{RID: rid, Status: status, UserNickname: userNickname})
}

func (s *Session) SendTalkMsg(rid, userNickname, text string, ignore bool) error {
	return s.send(MsgTalkMsg, TalkMsg{RID: rid, UserNickname: userNickname, Text: text, Ignore: ignore})
}

func (s *Session) SendTalkUserNicknameChange(userNicknameOld, userNicknameNew string) error {
	return s.send(MsgTalkUserNicknameChange, TalkUserNicknameChange{
		UserNicknameOld: userNicknameOld,
		UserNicknameNew: userNicknameNew,
	})
}

func (s *Session) SendTalkClose(rid, userNickname string) error {
	return s.send(MsgTalkClose, TalkClose{RID: rid, UserNickname: userNickname})
}

// Shutdown closes the connection and wipes the session's key material.
// Only the first call has an effect.
func (s *Session) Shutdown() {
	if s.status.HasShutdown {
		return
	}
	s.status.HasShutdown = true

	// Resolve the address while the connection is still open.
	s.IP()

	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	if err := s.conn.Close(); err != nil {
		s.log().Debugf("%s close: %v", s.IPPort(), err)
	}

	for i := range s.sslKeyPrv {
		s.sslKeyPrv[i] = 0
	}
	s.sslKeyPrv = nil
}
