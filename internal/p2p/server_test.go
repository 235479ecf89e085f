package p2p

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/peerchat/internal/dht"
	"github.com/kunal-geeks/peerchat/internal/wire"
)

type fakeSettings struct {
	firstRun bool
	ips      []string
}

func (f *fakeSettings) IsFirstRun() bool      { return f.firstRun }
func (f *fakeSettings) SetPublicIP(ip string) { f.ips = append(f.ips, ip) }

type consoleCall struct {
	fn   string
	arg  any
	text string
}

type fakeConsole struct {
	calls []consoleCall
}

func (f *fakeConsole) SetModeChannel(on bool) {
	f.calls = append(f.calls, consoleCall{fn: "setModeChannel", arg: on})
}

func (f *fakeConsole) SetModeChannelClient(sessionID int) {
	f.calls = append(f.calls, consoleCall{fn: "setModeChannelClient", arg: sessionID})
}

func (f *fakeConsole) MsgAdd(text string, showDate, printPs1, clearLine bool) {
	f.calls = append(f.calls, consoleCall{fn: "msgAdd", text: text})
}

func newTestServer(t *testing.T, opts ServerOpts) *Server {
	t.Helper()
	if opts.LocalNode == nil {
		opts.LocalNode = dht.NewNode(dht.MustRandomID())
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	opts.IP = "127.0.0.1"

	srv := NewServer(opts)
	require.NoError(t, srv.Init())
	t.Cleanup(srv.Shutdown)
	return srv
}

func serverPort(t *testing.T, srv *Server) int {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return p
}

// tickUntil drives servers from the test goroutine until cond holds.
func tickUntil(t *testing.T, cond func() bool, servers ...*Server) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, srv := range servers {
			require.NoError(t, srv.Tick())
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// runServer ticks srv in its own goroutine until the returned stop func is
// called. Server state may only be inspected after stop returns.
func runServer(t *testing.T, srv *Server) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = srv.Tick()
			time.Sleep(time.Millisecond)
		}
	}()

	var stopped bool
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		<-finished
	}
	t.Cleanup(stop)
	return stop
}

func TestServer_InitWithoutAddress(t *testing.T) {
	srv := NewServer(ServerOpts{Logger: discardLogger()})
	assert.ErrorIs(t, srv.Init(), ErrNoListenAddr)
	assert.Equal(t, "", srv.Addr())
}

func TestServer_TickWithoutSocketsWaits(t *testing.T) {
	srv := NewServer(ServerOpts{PollTimeout: 20 * time.Millisecond, Logger: discardLogger()})

	start := time.Now()
	require.NoError(t, srv.Tick())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestServer_InitBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(ServerOpts{IP: "127.0.0.1", Port: port, Logger: discardLogger()})
	assert.ErrorIs(t, srv.Init(), ErrBind)
}

func TestServer_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srv := NewServer(ServerOpts{Logger: discardLogger()})
	sess, err := srv.Connect("127.0.0.1", port)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Nil(t, sess)
	assert.Equal(t, 0, srv.SessionsNum())
}

func TestServer_ConnectAndIdentify(t *testing.T) {
	tableB := dht.NewTable(dht.NewNode(dht.MustRandomID()))
	a := newTestServer(t, ServerOpts{})
	b := newTestServer(t, ServerOpts{LocalNode: tableB.LocalNode(), Table: tableB})

	connected := false
	sess, err := a.Connect("127.0.0.1", serverPort(t, b),
		NewAction(CriterionAfterConnect, func(_ *Action, s *Session) {
			connected = true
			require.NoError(t, s.SendID(false))
		}),
	)
	require.NoError(t, err)
	assert.True(t, connected, "after-connect actions fire inside Connect")
	assert.Equal(t, 0, sess.ActionsNum())
	assert.Same(t, sess, a.Session(sess.ID()))

	tickUntil(t, func() bool {
		return b.SessionsNum() == 1 && b.Sessions()[0].Status().HasID
	}, a, b)

	peer := b.Sessions()[0]
	require.NotNil(t, peer.Node())
	assert.True(t, peer.Node().ID.Equals(a.LocalNode.ID))
	assert.Equal(t, "127.0.0.1", peer.Node().IP)
	assert.NotNil(t, tableB.NodeFind(a.LocalNode.ID), "identified peers are added to the table")
}

func TestServer_SessionIDsAreMonotonic(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	a := newTestServer(t, ServerOpts{})

	s1, err := a.Connect("127.0.0.1", serverPort(t, b))
	require.NoError(t, err)
	s2, err := a.Connect("127.0.0.1", serverPort(t, b))
	require.NoError(t, err)
	assert.Equal(t, 1, s1.ID())
	assert.Equal(t, 2, s2.ID())

	a.sessionRemove(s2)
	s3, err := a.Connect("127.0.0.1", serverPort(t, b))
	require.NoError(t, err)
	assert.Equal(t, 3, s3.ID(), "ids are never reused")

	ids := []int{}
	for _, s := range a.Sessions() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []int{1, 3}, ids)
}

func TestServer_SendsHelloOnAccept(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	runServer(t, b)

	peer := dialRaw(t, b.Addr())
	msg := peer.recv(t)
	require.Equal(t, MsgHello, msg.Name)

	var d helloData
	require.NoError(t, msg.Decode(&d))
	assert.Equal(t, "127.0.0.1", d.IP)
}

func TestServer_IDErrors(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	runServer(t, b)

	expectError := func(t *testing.T, peer *rawPeer, code ErrorCode, name string) {
		t.Helper()
		msg, _ := peer.recvName(t, MsgError)
		var d errorData
		require.NoError(t, msg.Decode(&d))
		assert.Equal(t, code, d.Code)
		assert.Equal(t, name, d.Name)
		text, _ := code.Text()
		assert.Equal(t, text, d.Msg)
	}

	t.Run("collision", func(t *testing.T) {
		peer := dialRaw(t, b.Addr())
		peer.send(t, MsgID, idData{ID: b.LocalNode.ID.String(), Port: 1})
		expectError(t, peer, ErrCodeIDCollision, MsgID)
	})

	t.Run("already identified", func(t *testing.T) {
		peer := dialRaw(t, b.Addr())
		peer.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 1})
		peer.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 2})
		expectError(t, peer, ErrCodeAlreadyID, MsgID)
	})

	t.Run("invalid id", func(t *testing.T) {
		peer := dialRaw(t, b.Addr())
		peer.send(t, MsgID, idData{ID: "xyz", Port: 1})
		expectError(t, peer, ErrCodeUnknown, MsgID)
	})

	t.Run("node_find before id", func(t *testing.T) {
		peer := dialRaw(t, b.Addr())
		peer.send(t, MsgNodeFind, nodeFindData{RID: "r", NodeID: dht.MustRandomID().String()})
		expectError(t, peer, ErrCodeNeedID, MsgNodeFind)
	})

	t.Run("node_found before id", func(t *testing.T) {
		peer := dialRaw(t, b.Addr())
		peer.send(t, MsgNodeFound, nodeFoundData{RID: "r"})
		expectError(t, peer, ErrCodeNeedID, MsgNodeFound)
	})
}

func TestServer_CollisionLeavesSessionUnidentified(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	stop := runServer(t, b)

	peer := dialRaw(t, b.Addr())
	peer.send(t, MsgID, idData{ID: b.LocalNode.ID.String(), Port: 1})
	peer.recvName(t, MsgError)
	stop()

	require.Equal(t, 1, b.SessionsNum())
	assert.False(t, b.Sessions()[0].Status().HasID)
	assert.Nil(t, b.Sessions()[0].Node())
}

func TestServer_SecondIDKeepsFirstNode(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	stop := runServer(t, b)

	first := dht.MustRandomID()
	peer := dialRaw(t, b.Addr())
	peer.send(t, MsgID, idData{ID: first.String(), Port: 25001})
	peer.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 25002})
	peer.recvName(t, MsgError)
	stop()

	require.Equal(t, 1, b.SessionsNum())
	node := b.Sessions()[0].Node()
	require.NotNil(t, node)
	assert.True(t, first.Equals(node.ID))
	assert.Equal(t, 25001, node.Port)
}

func TestServer_NodeFindAndFound(t *testing.T) {
	table := dht.NewTable(dht.NewNode(dht.MustRandomID()))
	for i := 0; i < 3; i++ {
		table.NodeAdd(&dht.Node{ID: dht.MustRandomID(), IP: "10.0.0." + strconv.Itoa(i+1), Port: 25000})
	}
	b := newTestServer(t, ServerOpts{LocalNode: table.LocalNode(), Table: table})
	stop := runServer(t, b)

	peer := dialRaw(t, b.Addr())
	peer.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 25001})
	peer.send(t, MsgNodeFind, nodeFindData{RID: "rid-1", Num: 8, NodeID: dht.MustRandomID().String()})

	msg, _ := peer.recvName(t, MsgNodeFound)
	var found nodeFoundData
	require.NoError(t, msg.Decode(&found))
	assert.Equal(t, "rid-1", found.RID)
	assert.Len(t, found.Nodes, 3, "the requester is not returned to itself")

	discovered := dht.MustRandomID()
	peer.send(t, MsgNodeFound, nodeFoundData{RID: "x", Nodes: []nodeData{
		{ID: discovered.String(), IP: "10.0.0.9", Port: 25002},
		{ID: "garbage", IP: "10.0.0.10", Port: 25003},
	}})
	peer.send(t, MsgPing, pingData{ID: "sync"})
	peer.recvName(t, MsgPong)
	stop()

	n := table.NodeFind(discovered)
	require.NotNil(t, n)
	assert.Equal(t, "10.0.0.9", n.IP)
	assert.Equal(t, 5, table.NodesNum())
}

func TestServer_HelloRecordsPublicIP(t *testing.T) {
	settings := &fakeSettings{}
	b := newTestServer(t, ServerOpts{Settings: settings})
	stop := runServer(t, b)

	peer := dialRaw(t, b.Addr())
	peer.send(t, MsgHello, helloData{IP: "127.0.0.1"})
	peer.send(t, MsgHello, helloData{IP: "not an ip"})
	peer.send(t, MsgHello, helloData{IP: "203.0.113.7"})
	peer.send(t, MsgPing, pingData{ID: "sync"})
	peer.recvName(t, MsgPong)
	stop()

	assert.Equal(t, []string{"203.0.113.7"}, settings.ips)
}

func TestServer_BootstrapOnFirstAcceptedConnection(t *testing.T) {
	b := newTestServer(t, ServerOpts{Settings: &fakeSettings{firstRun: true}})
	runServer(t, b)

	first := dialRaw(t, b.Addr())
	first.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 1})
	msg, _ := first.recvName(t, MsgNodeFind)

	var d nodeFindData
	require.NoError(t, msg.Decode(&d))
	assert.Equal(t, b.LocalNode.ID.String(), d.NodeID)
	assert.Equal(t, dht.K, d.Num)
	assert.NotEmpty(t, d.RID)

	second := dialRaw(t, b.Addr())
	second.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 1})
	second.send(t, MsgPing, pingData{ID: "sync"})
	_, skipped := second.recvName(t, MsgPong)
	assert.NotContains(t, skipped, MsgNodeFind, "bootstrap runs only once")
}

func TestServer_NoBootstrapAfterFirstRun(t *testing.T) {
	b := newTestServer(t, ServerOpts{Settings: &fakeSettings{firstRun: false}})
	runServer(t, b)

	peer := dialRaw(t, b.Addr())
	peer.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 1})
	peer.send(t, MsgPing, pingData{ID: "sync"})
	_, skipped := peer.recvName(t, MsgPong)
	assert.NotContains(t, skipped, MsgNodeFind)
}

func TestServer_FramesSplitAcrossReads(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	runServer(t, b)

	peer := dialRaw(t, b.Addr())
	m1, _ := wire.NewMessage(MsgPing, pingData{ID: "one"})
	m2, _ := wire.NewMessage(MsgPing, pingData{ID: "two"})
	f1, _ := wire.EncodeFrame(m1)
	f2, _ := wire.EncodeFrame(m2)

	_, err := peer.conn.Write(f1[:5])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = peer.conn.Write(append(f1[5:], f2...))
	require.NoError(t, err)

	var ids []string
	for len(ids) < 2 {
		msg, _ := peer.recvName(t, MsgPong)
		var d pingData
		require.NoError(t, msg.Decode(&d))
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"one", "two"}, ids)
}

func TestServer_UnknownMessagesGoToOnMessage(t *testing.T) {
	got := make(chan wire.Message, 4)
	b := newTestServer(t, ServerOpts{OnMessage: func(_ *Session, msg wire.Message) { got <- msg }})
	runServer(t, b)

	peer := dialRaw(t, b.Addr())
	peer.send(t, MsgTalkMsg, TalkMsg{RID: "r", UserNickname: "bob", Text: "hi"})
	peer.send(t, "future_message", map[string]int{"x": 1})

	for _, want := range []string{MsgTalkMsg, "future_message"} {
		select {
		case msg := <-got:
			assert.Equal(t, want, msg.Name)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}
}

func TestServer_QuitRemovesSession(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	stop := runServer(t, b)

	peer := dialRaw(t, b.Addr())
	peer.recvName(t, MsgHello)
	peer.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 1})
	peer.send(t, MsgPing, pingData{ID: "sync"})
	peer.recvName(t, MsgPong)
	peer.send(t, MsgQuit, nil)

	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := peer.r.ReadByte()
	assert.Error(t, err)
	stop()

	assert.Equal(t, 0, b.SessionsNum())
}

func TestServer_KeepalivePing(t *testing.T) {
	b := newTestServer(t, ServerOpts{PingInterval: 20 * time.Millisecond})
	runServer(t, b)

	peer := dialRaw(t, b.Addr())
	peer.send(t, MsgID, idData{ID: dht.MustRandomID().String(), Port: 1})
	msg, _ := peer.recvName(t, MsgPing)

	var d pingData
	require.NoError(t, msg.Decode(&d))
	assert.NotEmpty(t, d.ID)
}

func TestServer_ChannelSessionRemoval(t *testing.T) {
	console := &fakeConsole{}
	a := newTestServer(t, ServerOpts{Console: console})
	b := newTestServer(t, ServerOpts{})

	sess, err := a.Connect("127.0.0.1", serverPort(t, b))
	require.NoError(t, err)
	tickUntil(t, func() bool { return b.SessionsNum() == 1 }, a, b)

	assert.False(t, a.SetChannel(999))
	require.True(t, a.SetChannel(sess.ID()))
	on, id := a.ChannelMode()
	assert.True(t, on)
	assert.Equal(t, sess.ID(), id)

	b.Shutdown()
	tickUntil(t, func() bool { return a.SessionsNum() == 0 }, a)

	on, id = a.ChannelMode()
	assert.False(t, on)
	assert.Equal(t, 0, id)

	want := []consoleCall{
		{fn: "setModeChannel", arg: true},
		{fn: "setModeChannelClient", arg: sess.ID()},
		{fn: "setModeChannel", arg: false},
		{fn: "setModeChannelClient", arg: 0},
		{fn: "msgAdd", text: ""},
		{fn: "msgAdd", text: "Connection to " + sess.IPPort() + " closed."},
	}
	assert.Equal(t, want, console.calls)

	// A second removal of the same session does nothing.
	a.sessionRemove(sess)
	assert.Len(t, console.calls, len(want))
}

func TestServer_TalkFanOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	a := NewServer(ServerOpts{Logger: discardLogger()})
	t.Cleanup(a.Shutdown)

	sess, err := a.Connect("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, err)

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	peer := newRawPeer(conn)

	a.TalkRequestSend(sess.ID(), "rid-1", "alice")
	a.TalkMsgSend(sess.ID(), "rid-1", "alice", "hello there", false)
	a.TalkUserNicknameChangeSend(sess.ID(), "alice", "alicia")
	a.TalkCloseSend(sess.ID(), "rid-1", "alicia")

	// Unknown sessions are silently skipped.
	a.TalkMsgSend(999, "rid-1", "alice", "lost", false)

	assert.Equal(t, MsgHello, peer.recv(t).Name)

	msg := peer.recv(t)
	require.Equal(t, MsgTalkRequest, msg.Name)
	var req TalkRequest
	require.NoError(t, msg.Decode(&req))
	assert.Equal(t, TalkRequest{RID: "rid-1", UserNickname: "alice"}, req)

	msg = peer.recv(t)
	require.Equal(t, MsgTalkMsg, msg.Name)
	var tm TalkMsg
	require.NoError(t, msg.Decode(&tm))
	assert.Equal(t, "hello there", tm.Text)

	assert.Equal(t, MsgTalkUserNicknameChange, peer.recv(t).Name)
	assert.Equal(t, MsgTalkClose, peer.recv(t).Name)
}

func TestServer_SessionShutDownBetweenTicksIsRemoved(t *testing.T) {
	b := newTestServer(t, ServerOpts{})
	a := newTestServer(t, ServerOpts{})

	sess, err := a.Connect("127.0.0.1", serverPort(t, b))
	require.NoError(t, err)

	sess.Shutdown()
	require.NoError(t, a.Tick())
	assert.Nil(t, a.Session(sess.ID()))
}
