package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AnonymousUID is the uid the gateway uses for anonymous donations.
const AnonymousUID = "anonymous"

// AnonymousName replaces the display name of anonymous donors.
const AnonymousName = "익명의 후원자"

// entry is one element of a chat/donation frame body.
type entry struct {
	UID     string          `json:"uid"`
	Profile *string         `json:"profile"`
	Msg     *string         `json:"msg"`
	MsgTime json.RawMessage `json:"msgTime"`
}

type profile struct {
	Nickname string `json:"nickname"`
}

// Decode converts the body of a chat or donation frame into events.
// Entries that cannot be decoded are skipped; their errors are joined into the
// returned error while the decodable entries are still returned in order.
func Decode(kind Kind, body json.RawMessage) ([]Event, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	events := make([]Event, 0, len(entries))
	var errs []error
	for i, raw := range entries {
		ev, err := decodeEntry(kind, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		events = append(events, ev)
	}
	return events, errors.Join(errs...)
}

func decodeEntry(kind Kind, raw json.RawMessage) (Event, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}
	name, err := displayName(e)
	if err != nil {
		return Event{}, err
	}
	ms, err := parseMillis(e.MsgTime)
	if err != nil {
		return Event{}, err
	}
	msg := ""
	if e.Msg != nil {
		msg = *e.Msg
	}
	return Event{
		Author:   name,
		Message:  msg,
		Kind:     kind,
		SentAt:   time.UnixMilli(ms),
		Platform: PlatformChzzk,
	}, nil
}

func displayName(e entry) (string, error) {
	if e.UID == AnonymousUID {
		return AnonymousName, nil
	}
	if e.Profile == nil || *e.Profile == "" {
		return "", errors.New("missing profile")
	}
	var p profile
	if err := json.Unmarshal([]byte(*e.Profile), &p); err != nil {
		return "", fmt.Errorf("profile: %w", err)
	}
	return p.Nickname, nil
}

// parseMillis accepts msgTime as a JSON number or a numeric string.
func parseMillis(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing msgTime")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 != nil {
			return 0, fmt.Errorf("msgTime: %w", err)
		}
		n = json.Number(s)
	}
	ms, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return 0, fmt.Errorf("msgTime: %w", err)
		}
		ms = int64(f)
	}
	return ms, nil
}
