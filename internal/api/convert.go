package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/coordinator"
	"github.com/matheus3301/nebula/internal/status"
)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func userMap(u chat.User) map[string]any {
	return map[string]any{
		"id":               u.ID,
		"name":             u.Name,
		"avatar":           u.Avatar,
		"about":            u.About,
		"share_id":         u.ShareID,
		"last_activity_ms": millis(u.LastActivity),
	}
}

func flagsMap(f chat.Flags) map[string]any {
	return map[string]any{"muted": f.Muted, "blocked": f.Blocked, "favorite": f.Favorite}
}

func contactMap(c chat.Contact) map[string]any {
	m := userMap(c.User)
	m["flags"] = flagsMap(c.Flags)
	if c.Preview != nil {
		m["preview"] = map[string]any{
			"kind":    string(c.Preview.Kind),
			"text":    c.Preview.Text,
			"time_ms": millis(c.Preview.Time),
		}
	}
	return m
}

func contactViewMap(c coordinator.ContactView) map[string]any {
	m := contactMap(c.Contact)
	m["online"] = c.Online
	m["draft"] = c.Draft
	return m
}

func messageMap(msg chat.Message) map[string]any {
	m := map[string]any{
		"id":           msg.ID,
		"sender_id":    msg.SenderID,
		"recipient_id": msg.Recipient,
		"text":         msg.Body,
		"kind":         string(msg.Kind),
		"status":       string(msg.Status),
		"timestamp_ms": millis(msg.Timestamp),
		"pending":      msg.Pending(),
	}
	if msg.ReplyTo != "" {
		m["reply_to"] = msg.ReplyTo
	}
	if msg.FileURL != "" {
		m["file_url"] = msg.FileURL
		m["file_name"] = msg.FileName
	}
	if msg.Call != nil {
		m["call"] = map[string]any{"status": string(msg.Call.Status), "duration": msg.Call.Duration}
	}
	return m
}

func messagesList(msgs []chat.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageMap(m))
	}
	return out
}

func callMap(ev coordinator.CallEvent) map[string]any {
	m := map[string]any{
		"phase": string(ev.Phase),
		"peer":  ev.Peer,
		"media": string(ev.Media),
		"role":  string(ev.Role),
	}
	if ev.Outcome != nil {
		m["outcome"] = map[string]any{"status": string(ev.Outcome.Status), "duration": ev.Outcome.Duration}
	}
	return m
}

func conversationMap(c coordinator.Conversation) map[string]any {
	return map[string]any{
		"contact_id": c.Peer,
		"draft":      c.Draft,
		"reply_to":   c.ReplyTo,
		"messages":   messagesList(c.Messages),
	}
}

// payloadMap renders a bus payload for WatchEvents.
func payloadMap(p any) map[string]any {
	switch v := p.(type) {
	case nil:
		return map[string]any{}
	case coordinator.MessageEvent:
		m := map[string]any{"contact_id": v.Peer, "blocked": v.Blocked}
		if v.Message.ID != "" {
			m["message"] = messageMap(v.Message)
		}
		if v.TempID != "" {
			m["temp_id"] = v.TempID
		}
		return m
	case coordinator.HistoryEvent:
		return map[string]any{"contact_id": v.Peer, "added": v.Added, "total": v.Total}
	case coordinator.ConversationEvent:
		return map[string]any{"contact_id": v.Peer, "draft": v.Draft, "reply_to": v.ReplyTo}
	case coordinator.ContactEvent:
		return contactMap(v.Contact)
	case coordinator.RosterEvent:
		online := make([]any, 0, len(v.Online))
		for _, id := range v.Online {
			online = append(online, id)
		}
		return map[string]any{"online": online}
	case coordinator.CallEvent:
		return callMap(v)
	case bus.Notice:
		return map[string]any{"text": v.Text, "contact_id": v.Peer, "error": v.Err}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case chat.User:
		return userMap(v)
	default:
		return map[string]any{"value": fmt.Sprint(v)}
	}
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// optBool returns the value of key and whether it was present.
func optBool(in *structpb.Struct, key string) (bool, bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return false, false
	}
	return v.GetBoolValue(), true
}
