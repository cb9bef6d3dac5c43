package chat

import (
	"fmt"
	"time"
)

// Kind distinguishes ordinary chat from donations.
type Kind int

const (
	KindChat Kind = iota
	KindDonation
)

// String returns the name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindDonation:
		return "donation"
	default:
		return "unknown"
	}
}

// Label returns the Korean label used in the chat log.
func (k Kind) Label() string {
	if k == KindDonation {
		return "후원"
	}
	return "채팅"
}

// Platform names.
const (
	PlatformChzzk   = "chzzk"
	PlatformTwitch  = "twitch"
	PlatformYouTube = "youtube"
)

// StampLayout is the human-readable local timestamp format used in logs.
const StampLayout = "2006-01-02 15:04:05"

// Event is a normalized chat message.
type Event struct {
	Author   string
	Message  string
	Kind     Kind
	SentAt   time.Time
	Platform string
}

// Stamp renders SentAt in local time.
func (e Event) Stamp() string {
	return e.SentAt.Local().Format(StampLayout)
}

// LogLine renders the event the way the chat log stores it.
func (e Event) LogLine() string {
	return fmt.Sprintf("[%s][%s] %s : %s", e.Stamp(), e.Kind.Label(), e.Author, e.Message)
}

// Sink receives normalized events. Submit must not block for long; it reports
// whether the event was accepted.
type Sink interface {
	Submit(ev Event) bool
}
