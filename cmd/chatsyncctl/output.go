package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/journal"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st api.StateView) {
	fmt.Fprintf(w, "Profile:       %s\n", st.Profile)
	fmt.Fprintf(w, "User:          %s\n", st.Self)
	fmt.Fprintf(w, "Connection:    %s\n", st.Connection)
	fmt.Fprintf(w, "Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "Conversations: %d active, %d archived\n", len(st.Conversations), len(st.Archived))
	fmt.Fprintf(w, "Unread:        %d\n", st.Unread)
	if st.Open != nil {
		fmt.Fprintf(w, "Open:          %s (%d messages)\n", title(st.Self, *st.Open), len(st.Messages))
	}
	if len(st.Typing) > 0 {
		ids := make([]string, len(st.Typing))
		for i, id := range st.Typing {
			ids[i] = string(id)
		}
		fmt.Fprintf(w, "Typing:        %s\n", strings.Join(ids, ", "))
	}
}

func printConversations(w io.Writer, self chat.ID, list []api.ConversationView) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWITH\tUNREAD\tLAST")
	for _, c := range list {
		last := ""
		if c.LastMessage != nil {
			last = preview(c.LastMessage.Content, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, title(self, c), c.UnreadCount, last)
	}
	_ = tw.Flush()
}

func printThread(w io.Writer, st api.StateView) {
	if st.Open != nil {
		fmt.Fprintf(w, "== %s ==\n", title(st.Self, *st.Open))
	}
	for _, m := range st.Messages {
		who := "them"
		if m.SenderID == st.Self {
			who = "me"
		}
		line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Content)
		if len(m.Attachments) > 0 {
			line += fmt.Sprintf(" (+%d attachment(s))", len(m.Attachments))
		}
		if who == "me" {
			line += " " + statusMark(m.Status)
		}
		fmt.Fprintln(w, line)
	}
}

func printJournal(w io.Writer, entries []journal.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDIR\tCONV\tKIND\tPAYLOAD")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.RecordedAt.Local().Format(time.TimeOnly), e.Direction, e.ConversationID, e.Kind, preview(e.Payload, 60))
	}
	_ = tw.Flush()
}

type profileRow struct {
	Name  string    `json:"name"`
	PID   int       `json:"pid,omitempty"`
	Since time.Time `json:"since,omitzero"`
}

func printProfiles(w io.Writer, rows []profileRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no profiles")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROFILE\tDAEMON")
	for _, r := range rows {
		state := "stopped"
		if r.PID != 0 {
			state = fmt.Sprintf("pid %d since %s", r.PID, r.Since.Local().Format(time.DateTime))
		}
		fmt.Fprintf(tw, "%s\t%s\n", r.Name, state)
	}
	_ = tw.Flush()
}

// title names a conversation after its counterpart.
func title(self chat.ID, c api.ConversationView) string {
	for _, p := range c.Participants {
		if p.ID != self {
			return p.DisplayName()
		}
	}
	return string(c.ID)
}

func statusMark(s chat.Status) string {
	switch s {
	case chat.StatusRead:
		return "✓✓ read"
	case chat.StatusDelivered:
		return "✓✓"
	case chat.StatusSent:
		return "✓"
	}
	return ""
}

func presenceLine(p chat.Presence) string {
	if p.IsOnline {
		return "online"
	}
	if p.LastActivity == nil {
		return "offline"
	}
	return "last seen " + p.LastActivity.Local().Format(time.DateTime)
}

func eventLine(evt api.EventView) string {
	payload, _ := json.Marshal(evt.Payload)
	return fmt.Sprintf("%s %-22s %s", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, payload)
}

func preview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
