// Package render formats chat state for a terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/charmbracelet/lipgloss"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const timeLayout = "15:04"

// Printer renders chat events as styled lines. Colors are only emitted
// when the output is a terminal that supports them.
type Printer struct {
	w io.Writer

	sender    lipgloss.Style
	own       lipgloss.Style
	timestamp lipgloss.Style
	meta      lipgloss.Style
	unread    lipgloss.Style
	warn      lipgloss.Style
	fail      lipgloss.Style
	inserted  lipgloss.Style
	deleted   lipgloss.Style

	selfID int64
	loc    *time.Location
}

// NewPrinter creates a Printer writing to w. Messages from selfID are
// highlighted as the user's own.
func NewPrinter(w io.Writer, selfID int64) *Printer {
	r := lipgloss.NewRenderer(w)

	return &Printer{
		w:         w,
		sender:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		own:       r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		timestamp: r.NewStyle().Foreground(lipgloss.Color("240")),
		meta:      r.NewStyle().Foreground(lipgloss.Color("243")).Italic(true),
		unread:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		warn:      r.NewStyle().Foreground(lipgloss.Color("214")),
		fail:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		inserted:  r.NewStyle().Foreground(lipgloss.Color("42")),
		deleted:   r.NewStyle().Foreground(lipgloss.Color("196")).Strikethrough(true),
		selfID:    selfID,
		loc:       time.Local,
	}
}

// SetLocation sets the zone timestamps are shown in.
func (p *Printer) SetLocation(loc *time.Location) { p.loc = loc }

// Message formats one message line.
func (p *Printer) Message(m chat.Message) string {
	name := m.SenderName()
	if name == "" {
		name = "system"
	}

	style := p.sender
	if p.selfID != 0 && m.SenderID == p.selfID {
		style = p.own
	}

	var b strings.Builder

	b.WriteString(p.timestamp.Render(m.CreatedAt.In(p.loc).Format(timeLayout)))
	b.WriteString(" ")
	b.WriteString(style.Render(name))
	b.WriteString(": ")
	b.WriteString(m.Body)

	if m.Edited {
		b.WriteString(" ")
		b.WriteString(p.meta.Render("(edited)"))
	}

	for _, a := range m.Attachments {
		b.WriteString("\n      ")
		b.WriteString(p.meta.Render(fmt.Sprintf("[%s, %d bytes]", a.Filename, a.FileSize)))
	}

	return b.String()
}

// Conversation formats one entry of the conversation list.
func (p *Printer) Conversation(c chat.Conversation) string {
	name := c.DisplayName
	if name == "" {
		name = c.Name
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%5d  %s", c.ID, name)

	if c.Kind == chat.KindGroup {
		b.WriteString(" ")
		b.WriteString(p.meta.Render(fmt.Sprintf("(%d members)", c.ParticipantCount)))
	}

	if c.UnreadCount > 0 {
		b.WriteString(" ")
		b.WriteString(p.unread.Render(fmt.Sprintf("[%d]", c.UnreadCount)))
	}

	if lm := c.LastMessage; lm != nil {
		preview := lm.Body
		if lm.SenderName != "" {
			preview = lm.SenderName + ": " + preview
		}

		b.WriteString("\n       ")
		b.WriteString(p.meta.Render(truncate(preview, 60)))
	}

	return b.String()
}

// Typing formats the typing indicator, or returns "" when nobody types.
func Typing(users []chat.TypingUser) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0].Name + " is typing..."
	case 2:
		return users[0].Name + " and " + users[1].Name + " are typing..."
	}

	return fmt.Sprintf("%d people are typing...", len(users))
}

// State formats a connection state change.
func (p *Printer) State(sc chat.StateChange) string {
	switch sc.To {
	case chat.StateOpen:
		return p.meta.Render(fmt.Sprintf("connected to conversation %d", sc.ConversationID))
	case chat.StateClosedRetrying:
		return p.warn.Render(fmt.Sprintf("connection lost (%d), reconnecting...", sc.Failures))
	case chat.StateClosedFinal:
		msg := "connection closed"
		if sc.Err != nil {
			msg += ": " + sc.Err.Error()
		}

		return p.fail.Render(msg)
	}

	return p.meta.Render(sc.To.String())
}

// Error formats a surfaced error event.
func (p *Printer) Error(ev chat.ErrorEvent) string {
	style := p.warn
	if ev.Terminal {
		style = p.fail
	}

	return style.Render(fmt.Sprintf("%s error: %s", ev.Kind, ev.Message))
}

// EditDiff shows what changed between two versions of a message body,
// with deletions wrapped in [-...-] and insertions in {+...+}.
func (p *Printer) EditDiff(before, after string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			b.WriteString(p.deleted.Render("[-" + d.Text + "-]"))
		case diffmatchpatch.DiffInsert:
			b.WriteString(p.inserted.Render("{+" + d.Text + "+}"))
		}
	}

	return b.String()
}

// Println writes line followed by a newline.
func (p *Printer) Println(line string) {
	if line == "" {
		return
	}

	_, _ = fmt.Fprintln(p.w, line)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")

	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n-3]) + "..."
}
