package gateway

import (
	"encoding/json"
	"strconv"
)

// Command codes of the chat gateway wire protocol.
const (
	CmdPing              = 0
	CmdConnect           = 100
	CmdRecentChatRequest = 5101
	CmdPong              = 10000
	CmdConnected         = 10100
	CmdRecentChat        = 15101
	CmdChat              = 93101
	CmdDonation          = 93102
)

// Protocol constants sent with every session frame.
const (
	ProtocolVersion = "2"
	ServiceID       = "game"
	DeviceType      = 2001
	AuthScope       = "SEND"
	RecentCount     = 50
)

// CommandName returns a short label for cmd, used in logs and metrics.
func CommandName(cmd int) string {
	switch cmd {
	case CmdPing:
		return "ping"
	case CmdConnect:
		return "connect"
	case CmdRecentChatRequest:
		return "recent_chat_request"
	case CmdPong:
		return "pong"
	case CmdConnected:
		return "connected"
	case CmdRecentChat:
		return "recent_chat"
	case CmdChat:
		return "chat"
	case CmdDonation:
		return "donation"
	default:
		return "other"
	}
}

// Version is the frame "ver" field. The gateway sends it as a string but some
// frames carry a bare number, so both are accepted.
type Version string

func (v *Version) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = Version(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = Version(n.String())
	return nil
}

// Frame is one JSON message on the gateway socket.
type Frame struct {
	Ver     Version         `json:"ver"`
	SvcID   string          `json:"svcid,omitempty"`
	CID     string          `json:"cid,omitempty"`
	Cmd     int             `json:"cmd"`
	TID     int             `json:"tid,omitempty"`
	SID     string          `json:"sid,omitempty"`
	Bdy     json.RawMessage `json:"bdy,omitempty"`
	RetCode int             `json:"retCode,omitempty"`
	RetMsg  string          `json:"retMsg,omitempty"`
}

type connectBody struct {
	UID     string `json:"uid"`
	DevType int    `json:"devType"`
	AccTkn  string `json:"accTkn"`
	Auth    string `json:"auth"`
}

type recentChatBody struct {
	RecentMessageCount int `json:"recentMessageCount"`
}

type connectedBody struct {
	SID string `json:"sid"`
}

func connectFrame(chatChannelID, uid, accessToken string) Frame {
	bdy, _ := json.Marshal(connectBody{UID: uid, DevType: DeviceType, AccTkn: accessToken, Auth: AuthScope})
	return Frame{Ver: ProtocolVersion, SvcID: ServiceID, CID: chatChannelID, Cmd: CmdConnect, TID: 1, Bdy: bdy}
}

func recentChatFrame(chatChannelID, sid string, count int) Frame {
	bdy, _ := json.Marshal(recentChatBody{RecentMessageCount: count})
	return Frame{Ver: ProtocolVersion, SvcID: ServiceID, CID: chatChannelID, Cmd: CmdRecentChatRequest, TID: 2, SID: sid, Bdy: bdy}
}

func pongFrame() Frame {
	return Frame{Ver: ProtocolVersion, Cmd: CmdPong}
}

// sessionID extracts bdy.sid from a connect-ack frame.
func sessionID(f Frame) (string, error) {
	var b connectedBody
	if err := json.Unmarshal(f.Bdy, &b); err != nil {
		return "", err
	}
	if b.SID == "" {
		return "", errMissingSID
	}
	return b.SID, nil
}

func cmdString(cmd int) string { return strconv.Itoa(cmd) + "/" + CommandName(cmd) }
