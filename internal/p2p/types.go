package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrNoLocalNode is returned when an operation needs the local identity
	// and none is configured.
	ErrNoLocalNode = errors.New("local node not set")

	// ErrUnknownErrorCode is returned by SendError for codes outside the table.
	ErrUnknownErrorCode = errors.New("error code not defined")

	// ErrNoListenAddr is returned by Init when neither IP nor port is set.
	ErrNoListenAddr = errors.New("no listen address configured")

	// ErrBind wraps listen failures.
	ErrBind = errors.New("bind failed")

	// ErrConnect wraps outbound connection failures.
	ErrConnect = errors.New("connect failed")

	// ErrSessionClosed is returned when sending on a session after shutdown.
	ErrSessionClosed = errors.New("session closed")
)

// Peer message names.
const (
	MsgNop                    = "nop"
	MsgHello                  = "hello"
	MsgID                     = "id"
	MsgPing                   = "ping"
	MsgPong                   = "pong"
	MsgError                  = "error"
	MsgQuit                   = "quit"
	MsgNodeFind               = "node_find"
	MsgNodeFound              = "node_found"
	MsgTalkRequest            = "talk_request"
	MsgTalkResponse           = "talk_response"
	MsgTalkMsg                = "talk_msg"
	MsgTalkUserNicknameChange = "talk_user_nickname_change"
	MsgTalkClose              = "talk_close"
)

// ErrorCode is the code carried by an `error` message.
type ErrorCode int

const (
	ErrCodeNeedID      ErrorCode = 100
	ErrCodeAlreadyID   ErrorCode = 110
	ErrCodeIDCollision ErrorCode = 120
	ErrCodeUnknown     ErrorCode = 999
)

var errorMessages = map[ErrorCode]string{
	ErrCodeNeedID:      "You need to identify",
	ErrCodeAlreadyID:   "You already identified",
	ErrCodeIDCollision: "You are using my ID",
	ErrCodeUnknown:     "Unknown error",
}

// Text returns the wire text for a known code.
func (c ErrorCode) Text() (string, error) {
	msg, ok := errorMessages[c]
	if !ok {
		return "", fmt.Errorf("error %d: %w", int(c), ErrUnknownErrorCode)
	}
	return msg, nil
}

// Payloads of the peer messages.

type helloData struct {
	IP string `json:"ip"`
}

type idData struct {
	ID        string `json:"id"`
	Port      int    `json:"port"`
	SSLKeyPub string `json:"sslKeyPub"`
	IsChannel bool   `json:"isChannel"`
}

type pingData struct {
	ID string `json:"id"`
}

type errorData struct {
	Code ErrorCode `json:"code"`
	Msg  string    `json:"msg"`
	Name string    `json:"name"`
}

type nodeFindData struct {
	RID    string `json:"rid"`
	Num    int    `json:"num"`
	NodeID string `json:"nodeId"`
}

type nodeData struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	SSLKeyPub string `json:"sslKeyPub"`
}

type nodeFoundData struct {
	RID   string     `json:"rid"`
	Nodes []nodeData `json:"nodes"`
}

// TalkRequest asks a peer to open a chat channel.
type TalkRequest struct {
	RID          string `json:"rid"`
	UserNickname string `json:"userNickname"`
}

// TalkResponse answers a TalkRequest.
type TalkResponse struct {
	RID          string `json:"rid"`
	Status       int    `json:"status"`
	UserNickname string `json:"userNickname"`
}

// TalkMsg is one chat line.
type TalkMsg struct {
	RID          string `json:"rid"`
	UserNickname string `json:"userNickname"`
	Text         string `json:"text"`
	Ignore       bool   `json:"ignore"`
}

// TalkUserNicknameChange announces a nickname change.
type TalkUserNicknameChange struct {
	UserNicknameOld string `json:"userNicknameOld"`
	UserNicknameNew string `json:"userNicknameNew"`
}

// TalkClose closes a chat channel.
type TalkClose struct {
	RID          string `json:"rid"`
	UserNickname string `json:"userNickname"`
}

// Settings is the persistent settings store the server reports to.
type Settings interface {
	// IsFirstRun reports whether this node has never bootstrapped before.
	IsFirstRun() bool

	// SetPublicIP records the IP peers see us at and marks the settings dirty.
	SetPublicIP(ip string)
}

// Console receives channel-mode notifications for an attached control console.
type Console interface {
	SetModeChannel(on bool)
	SetModeChannelClient(sessionID int)
	MsgAdd(text string, showDate, printPs1, clearLine bool)
}
