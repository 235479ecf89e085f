// Package kernel runs the node daemon: it owns the settings, the peer
// server and the console RPC endpoint, and ticks them from one loop.
package kernel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kunal-geeks/peerchat/internal/dht"
	"github.com/kunal-geeks/peerchat/internal/ipc"
	"github.com/kunal-geeks/peerchat/internal/logging"
	"github.com/kunal-geeks/peerchat/internal/p2p"
	"github.com/kunal-geeks/peerchat/internal/settings"
	"github.com/kunal-geeks/peerchat/internal/wire"
)

const (
	DefaultPollTimeout  = 100 * time.Millisecond
	DefaultPingInterval = 60 * time.Second
)

var ErrConsoleListen = errors.New("kernel: console endpoint not listening")

// Options holds configuration for Kernel. Empty fields fall back to the
// settings file.
type Options struct {
	SettingsPath string

	ListenAddr     string // "ip:port", overrides node.ip/node.port
	ConsoleNetwork string // overrides console.network
	ConsoleAddr    string // overrides console.addr

	// Bootstrap peers ("host:port") connected to and identified with on Init.
	Bootstrap []string

	PollTimeout  time.Duration
	PingInterval time.Duration

	Logger *logging.Logger
}

// SessionInfo is one row of the console's session list.
type SessionInfo struct {
	ID        int    `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	HasID     bool   `json:"hasId"`
	IsChannel bool   `json:"isChannel"`
	NodeID    string `json:"nodeId,omitempty"`
}

type Kernel struct {
	opts Options
	log  *logging.Logger

	settings  *settings.Settings
	localNode *dht.Node
	table     *dht.Table
	sslKeyPrv ed25519.PrivateKey

	server  *p2p.Server
	console *ipc.Connection
	handler *ipc.StreamHandler

	exit atomic.Int32
}

// New loads the settings, creating a node identity on first run, and wires
// the peer server and the console endpoint. Nothing listens until Init.
func New(opts Options) (*Kernel, error) {
	if opts.SettingsPath == "" {
		opts.SettingsPath = settings.DefaultPath
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("kernel", logging.LevelInfo)
	}

	k := &Kernel{opts: opts, log: opts.Logger}

	s, err := settings.Load(opts.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	k.settings = s

	if err := k.loadIdentity(); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	k.table = dht.NewTable(k.localNode)

	ip, port := s.Data.Node.IP, s.Data.Node.Port
	if opts.ListenAddr != "" {
		host, p, err := net.SplitHostPort(opts.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("New: listen address: %w", err)
		}
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("New: listen port: %w", err)
		}
		ip = host
	}
	k.localNode.IP = ip
	k.localNode.Port = port

	k.server = p2p.NewServer(p2p.ServerOpts{
		IP:           ip,
		Port:         port,
		LocalNode:    k.localNode,
		Table:        k.table,
		Settings:     k.settings,
		Console:      consoleNotifier{k},
		Logger:       k.log.With("server"),
		SSLKeyPrv:    k.sslKeyPrv,
		PollTimeout:  opts.PollTimeout,
		PingInterval: opts.PingInterval,
		OnMessage:    k.onPeerMessage,
	})

	network, addr := s.Data.Console.Network, s.Data.Console.Addr
	if opts.ConsoleNetwork != "" {
		network = opts.ConsoleNetwork
	}
	if opts.ConsoleAddr != "" {
		addr = opts.ConsoleAddr
	}
	k.handler = ipc.NewStreamHandler(ipc.StreamHandlerOpts{
		Network: network,
		Addr:    addr,
		Logger:  k.log.With("ipc"),
	})
	k.console = ipc.NewConnection(k.log.With("ipc"))
	k.console.SetServer(true)
	k.console.SetHandler(k.handler)
	k.registerFunctions()

	return k, nil
}

// loadIdentity reads the node ID and key pair from the settings, generating
// and storing new ones when they are missing or unreadable.
func (k *Kernel) loadIdentity() error {
	n := k.settings.Data.Node

	id, idErr := dht.IDFromHex(n.ID)
	pub, pubErr := base64.StdEncoding.DecodeString(n.SSLKeyPub)
	prv, prvErr := base64.StdEncoding.DecodeString(n.SSLKeyPrv)

	if idErr != nil || pubErr != nil || prvErr != nil ||
		len(pub) != ed25519.PublicKeySize || len(prv) != ed25519.PrivateKeySize {
		k.log.Noticef("generating node identity")

		newPub, newPrv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		if id, err = dht.NewRandomID(); err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		pub, prv = newPub, newPrv

		n.ID = id.String()
		n.SSLKeyPub = base64.StdEncoding.EncodeToString(pub)
		n.SSLKeyPrv = base64.StdEncoding.EncodeToString(prv)
		k.settings.SetNode(n)
	}

	k.localNode = dht.NewNode(id)
	k.localNode.SSLKeyPub = pub
	k.sslKeyPrv = prv
	k.log.Infof("node id: %s", id)
	return nil
}

// Init starts listening for peers and consoles and connects to the
// bootstrap peers. Unreachable bootstrap peers are logged and skipped.
// Without a listen IP and port the node runs outbound-only.
func (k *Kernel) Init() error {
	if k.localNode.IP == "" && k.localNode.Port == 0 {
		k.log.Noticef("no listen address, running outbound-only")
	} else if err := k.server.Init(); err != nil {
		return fmt.Errorf("Init: %w", err)
	}

	ok, err := k.console.Connect()
	if err != nil {
		return fmt.Errorf("Init: %w", err)
	}
	if !ok {
		return fmt.Errorf("Init: %w on %s", ErrConsoleListen, k.handler.Addr())
	}

	for _, addr := range k.opts.Bootstrap {
		host, p, err := net.SplitHostPort(addr)
		if err != nil {
			k.log.Errorf("bootstrap %q: %v", addr, err)
			continue
		}
		port, err := strconv.Atoi(p)
		if err != nil {
			k.log.Errorf("bootstrap %q: %v", addr, err)
			continue
		}
		if _, err := k.serverConnect(host, port, false); err != nil {
			k.log.Errorf("bootstrap: %v", err)
		}
	}
	return nil
}

// ListenAddr returns the peer listen address.
func (k *Kernel) ListenAddr() string {
	return k.server.Addr()
}

// ConsoleAddr returns the console endpoint address.
func (k *Kernel) ConsoleAddr() string {
	return k.handler.Addr()
}

func (k *Kernel) LocalNode() *dht.Node {
	return k.localNode
}

func (k *Kernel) Settings() *settings.Settings {
	return k.settings
}

// Run does one pass: peer sockets, console sockets, then dirty settings.
func (k *Kernel) Run() error {
	if err := k.server.Tick(); err != nil {
		return fmt.Errorf("Run: %w", err)
	}
	if err := k.console.Run(); err != nil {
		return fmt.Errorf("Run: %w", err)
	}
	if k.settings.IsChanged() {
		if err := k.settings.Save(); err != nil {
			k.log.Errorf("save settings: %v", err)
		}
	}
	return nil
}

// Loop runs until SetExit is called, then shuts down and returns the exit
// code.
func (k *Kernel) Loop() int {
	for k.ExitCode() == 0 {
		if err := k.Run(); err != nil {
			k.log.Errorf("%v", err)
			time.Sleep(k.opts.PollTimeout)
		}
	}
	k.Shutdown()
	return k.ExitCode()
}

// SetExit asks Loop to stop. It is safe to call from any goroutine.
func (k *Kernel) SetExit(code int) {
	k.exit.Store(int32(code))
}

func (k *Kernel) ExitCode() int {
	return int(k.exit.Load())
}

// Shutdown closes every socket and saves the settings. A node that shut down
// cleanly is no longer on its first run.
func (k *Kernel) Shutdown() {
	k.log.Infof("shutdown")

	k.server.Shutdown()
	if err := k.handler.Close(); err != nil {
		k.log.Debugf("close console endpoint: %v", err)
	}

	k.settings.SetFirstRun(false)
	if err := k.settings.Save(); err != nil {
		k.log.Errorf("save settings: %v", err)
	}
}

// serverConnect connects to a peer and identifies. A channel connection
// becomes the console's active chat channel.
func (k *Kernel) serverConnect(ip string, port int, isChannel bool) (*p2p.Session, error) {
	return k.server.Connect(ip, port, p2p.NewAction(p2p.CriterionAfterConnect, func(_ *p2p.Action, s *p2p.Session) {
		if err := s.SendID(isChannel); err != nil {
			k.log.Errorf("client %d: %v", s.ID(), err)
			return
		}
		if isChannel {
			k.server.SetChannel(s.ID())
		}
	}))
}

func (k *Kernel) sessionList() []SessionInfo {
	out := []SessionInfo{}
	for _, s := range k.server.Sessions() {
		info := SessionInfo{
			ID:        s.ID(),
			IP:        s.IP(),
			Port:      s.Port(),
			HasID:     s.Status().HasID,
			IsChannel: s.IsChannel(),
		}
		if n := s.Node(); n != nil {
			info.NodeID = n.ID.String()
		}
		out = append(out, info)
	}
	return out
}

func (k *Kernel) registerFunctions() {
	k.console.FunctionAdd("serverConnect", ipc.HandlerFunc(func(args []json.RawMessage) (any, error) {
		ip, err := ipc.ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		port, err := ipc.ArgInt(args, 1)
		if err != nil {
			return nil, err
		}
		isChannel, _ := ipc.ArgBool(args, 2)

		if _, err := k.serverConnect(ip, port, isChannel); err != nil {
			k.log.Noticef("%v", err)
			return false, nil
		}
		return true, nil
	}))

	k.console.FunctionAdd("sessionList", ipc.HandlerFunc(func([]json.RawMessage) (any, error) {
		return k.sessionList(), nil
	}))

	k.console.FunctionAdd("serverTalkMsgSend", ipc.HandlerFunc(func(args []json.RawMessage) (any, error) {
		id, err := ipc.ArgInt(args, 0)
		if err != nil {
			return nil, err
		}
		rid, _ := ipc.ArgString(args, 1)
		nick, _ := ipc.ArgString(args, 2)
		text, _ := ipc.ArgString(args, 3)

		k.server.TalkMsgSend(id, rid, nick, text, false)
		return nil, nil
	}))

	k.console.FunctionAdd("serverTalkCloseSend", ipc.HandlerFunc(func(args []json.RawMessage) (any, error) {
		id, err := ipc.ArgInt(args, 0)
		if err != nil {
			return nil, err
		}
		rid, _ := ipc.ArgString(args, 1)
		nick, _ := ipc.ArgString(args, 2)

		k.server.TalkCloseSend(id, rid, nick)
		return nil, nil
	}))

	k.console.FunctionAdd("setExit", ipc.HandlerFunc(func([]json.RawMessage) (any, error) {
		k.SetExit(1)
		return nil, nil
	}))
}

// onPeerMessage shows chat traffic from peers on the console.
func (k *Kernel) onPeerMessage(s *p2p.Session, msg wire.Message) {
	notify := consoleNotifier{k}

	switch msg.Name {
	case p2p.MsgTalkMsg:
		var d p2p.TalkMsg
		if err := msg.Decode(&d); err != nil || d.Ignore {
			return
		}
		notify.MsgAdd("<"+d.UserNickname+"> "+d.Text, true, true, true)

	case p2p.MsgTalkRequest:
		var d p2p.TalkRequest
		if err := msg.Decode(&d); err != nil {
			return
		}
		notify.MsgAdd(fmt.Sprintf("User '%s' (%s) wants to talk.", d.UserNickname, s.IPPort()), true, true, true)

	case p2p.MsgTalkUserNicknameChange:
		var d p2p.TalkUserNicknameChange
		if err := msg.Decode(&d); err != nil {
			return
		}
		notify.MsgAdd(fmt.Sprintf("User '%s' is now known as '%s'.", d.UserNicknameOld, d.UserNicknameNew), true, true, true)

	case p2p.MsgTalkClose:
		var d p2p.TalkClose
		if err := msg.Decode(&d); err != nil {
			return
		}
		notify.MsgAdd(fmt.Sprintf("User '%s' closed the talk.", d.UserNickname), true, true, true)

	default:
		k.log.Debugf("client %d: unhandled message %q", s.ID(), msg.Name)
	}
}

// consoleNotifier forwards server events to attached consoles. Without a
// console the calls are dropped.
type consoleNotifier struct {
	k *Kernel
}

func (c consoleNotifier) exec(name string, args ...any) {
	if c.k.handler.ClientsNum() == 0 {
		return
	}
	if _, err := c.k.console.ExecAsync(name, args, nil); err != nil {
		c.k.log.Debugf("console %s: %v", name, err)
	}
}

func (c consoleNotifier) SetModeChannel(on bool) {
	c.exec("setModeChannel", on)
}

func (c consoleNotifier) SetModeChannelClient(sessionID int) {
	c.exec("setModeChannelClient", sessionID)
}

func (c consoleNotifier) MsgAdd(text string, showDate, printPs1, clearLine bool) {
	c.exec("msgAdd", text, showDate, printPs1, clearLine)
}
