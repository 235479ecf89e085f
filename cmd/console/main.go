package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kunal-geeks/peerchat/internal/ipc"
	"github.com/kunal-geeks/peerchat/internal/logging"
	"github.com/kunal-geeks/peerchat/internal/settings"
)

const ps1 = "> "

// console is the interactive side of the node: it prints what the daemon
// sends and turns typed lines into daemon calls.
type console struct {
	conn     *ipc.Connection
	nickname string

	modeChannel   bool
	channelClient int
	rid           string
}

func (c *console) msgAdd(args []json.RawMessage) (any, error) {
	text, err := ipc.ArgString(args, 0)
	if err != nil {
		return nil, err
	}
	showDate, _ := ipc.ArgBool(args, 1)
	printPs1, _ := ipc.ArgBool(args, 2)
	clearLine, _ := ipc.ArgBool(args, 3)

	if clearLine {
		fmt.Print("\r\033[K")
	}
	if showDate {
		text = time.Now().Format("15:04:05") + " " + text
	}
	fmt.Println(text)
	if printPs1 {
		fmt.Print(ps1)
	}
	return nil, nil
}

func (c *console) setModeChannel(args []json.RawMessage) (any, error) {
	on, err := ipc.ArgBool(args, 0)
	c.modeChannel = on
	if on {
		c.rid = uuid.NewString()
	}
	return nil, err
}

func (c *console) setModeChannelClient(args []json.RawMessage) (any, error) {
	id, err := ipc.ArgInt(args, 0)
	c.channelClient = id
	return nil, err
}

// handleLine runs one typed line. It reports false when the console should exit.
func (c *console) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	if !strings.HasPrefix(line, "/") {
		if !c.modeChannel {
			fmt.Println("Not in a channel. Use /connect <ip> <port> channel")
			return true
		}
		if _, err := c.conn.ExecAsync("serverTalkMsgSend", []any{c.channelClient, c.rid, c.nickname, line}, nil); err != nil {
			fmt.Println("ERROR:", err)
		}
		return true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/connect":
		if len(fields) < 3 {
			fmt.Println("usage: /connect <ip> <port> [channel]")
			return true
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			fmt.Println("ERROR: bad port:", fields[2])
			return true
		}
		isChannel := len(fields) > 3 && fields[3] == "channel"

		v, err := c.conn.ExecSync("serverConnect", []any{fields[1], port, isChannel}, 0)
		switch {
		case err != nil:
			fmt.Println("ERROR:", err)
		case v == true:
			fmt.Printf("Connected to %s:%d.\n", fields[1], port)
		default:
			fmt.Printf("Connection to %s:%d failed.\n", fields[1], port)
		}

	case "/list":
		v, err := c.conn.ExecSync("sessionList", nil, 0)
		if err != nil {
			fmt.Println("ERROR:", err)
			return true
		}
		rows, _ := v.([]any)
		for _, r := range rows {
			row, _ := r.(map[string]any)
			fmt.Printf("%4v  %s:%v  id=%v channel=%v %v\n",
				row["id"], row["ip"], row["port"], row["hasId"], row["isChannel"], row["nodeId"])
		}
		fmt.Printf("%d sessions\n", len(rows))

	case "/close":
		if !c.modeChannel {
			fmt.Println("Not in a channel.")
			return true
		}
		if _, err := c.conn.ExecAsync("serverTalkCloseSend", []any{c.channelClient, c.rid, c.nickname}, nil); err != nil {
			fmt.Println("ERROR:", err)
		}
		c.modeChannel = false

	case "/nick":
		if len(fields) > 1 {
			c.nickname = fields[1]
		}
		fmt.Println("Nickname:", c.nickname)

	case "/exit":
		if _, err := c.conn.ExecSync("setExit", nil, 0); err != nil {
			fmt.Println("ERROR:", err)
		}
		return false

	case "/quit":
		return false

	default:
		fmt.Println("commands: /connect <ip> <port> [channel], /list, /close, /nick <name>, /exit, /quit")
	}
	return true
}

func main() {
	settingsPath := flag.String("settings", settings.DefaultPath, "path to the node's settings file")
	network := flag.String("network", "", `daemon console network, "tcp" or "unix"`)
	addr := flag.String("addr", "", "daemon console address or socket path")
	nickname := flag.String("nick", "user", "chat nickname")
	logLevel := flag.String("log-level", "error", "minimum log level: debug, info, notice, error")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("[console] %v", err)
	}

	s, err := settings.Load(*settingsPath)
	if err != nil {
		log.Fatalf("[console] %v", err)
	}
	if *network == "" {
		*network = s.Data.Console.Network
	}
	if *addr == "" {
		*addr = s.Data.Console.Addr
	}

	logger := logging.New("console", level)
	c := &console{conn: ipc.NewConnection(logger), nickname: *nickname}
	c.conn.SetHandler(ipc.NewStreamHandler(ipc.StreamHandlerOpts{Network: *network, Addr: *addr, Logger: logger}))
	c.conn.FunctionAdd("msgAdd", ipc.HandlerFunc(c.msgAdd))
	c.conn.FunctionAdd("setModeChannel", ipc.HandlerFunc(c.setModeChannel))
	c.conn.FunctionAdd("setModeChannelClient", ipc.HandlerFunc(c.setModeChannelClient))

	if ok, err := c.conn.Connect(); !ok {
		log.Fatalf("[console] cannot reach the node on %s %s: %v", *network, *addr, err)
	}
	defer c.conn.Handler().Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Print(ps1)
	for {
		select {
		case line, ok := <-lines:
			if !ok || !c.handleLine(line) {
				return
			}
			fmt.Print(ps1)
		default:
		}

		if err := c.conn.Run(); err != nil {
			log.Printf("[console] %v\n", err)
			return
		}
		if c.conn.Handler().ClientsNum() == 0 {
			fmt.Println("\nConnection to the node closed.")
			return
		}
		time.Sleep(ipc.LoopInterval)
	}
}
