package main

import (
	"fmt"
	"strings"
	"time"
)

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func object(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

func list(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if o, ok := v.(map[string]any); ok {
			out = append(out, o)
		}
	}
	return out
}

// millisTime reads a *_ms field; zero means unset.
func millisTime(m map[string]any, key string) time.Time {
	f, _ := m[key].(float64)
	if f == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(f))
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Local().Format("15:04")
}

// contactLine renders one row of the contact list.
func contactLine(c map[string]any) string {
	var marks strings.Builder
	flags := object(c, "flags")
	if boolean(c, "online") {
		marks.WriteString("●")
	} else {
		marks.WriteString(" ")
	}
	if boolean(flags, "favorite") {
		marks.WriteString("★")
	} else {
		marks.WriteString(" ")
	}
	if boolean(flags, "muted") {
		marks.WriteString("m")
	} else {
		marks.WriteString(" ")
	}
	if boolean(flags, "blocked") {
		marks.WriteString("b")
	} else {
		marks.WriteString(" ")
	}

	preview := ""
	if p := object(c, "preview"); p != nil {
		preview = fmt.Sprintf("%s  %s", clock(millisTime(p, "time_ms")), str(p, "text"))
	}
	if d := str(c, "draft"); d != "" {
		preview = "Draft: " + d
	}
	return fmt.Sprintf("%s %-24s %-20s %s", marks.String(), str(c, "id"), str(c, "name"), preview)
}

// messageLine renders one message of a conversation as seen by self.
func messageLine(m map[string]any, self string) string {
	who := str(m, "sender_id")
	if who == self {
		who = "You"
	}
	body := str(m, "text")
	switch str(m, "kind") {
	case "image", "file":
		body = fmt.Sprintf("[%s] %s", str(m, "kind"), body)
	case "call":
		c := object(m, "call")
		body = fmt.Sprintf("[%s call] %s", body, str(c, "status"))
		if d := str(c, "duration"); d != "" {
			body += " " + d
		}
	}
	state := str(m, "status")
	if boolean(m, "pending") {
		state = "sending"
	}
	return fmt.Sprintf("%s %-10s %s  (%s)", clock(millisTime(m, "timestamp_ms")), who, body, state)
}

func callLine(c map[string]any) string {
	phase := str(c, "phase")
	if peer := str(c, "peer"); peer != "" {
		line := fmt.Sprintf("%s %s with %s (%s)", phase, str(c, "media"), peer, str(c, "role"))
		if o := object(c, "outcome"); o != nil {
			line += fmt.Sprintf(", %s %s", str(o, "status"), str(o, "duration"))
		}
		return line
	}
	return phase
}
