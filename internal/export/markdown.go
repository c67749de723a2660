package export

import (
	"fmt"
	"io"
	"strings"
)

// MarkdownExporter writes a readable transcript.
type MarkdownExporter struct{}

func (e *MarkdownExporter) Export(t *Transcript, w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", t.Name)
	fmt.Fprintf(&b, "**Conversation:** %d  \n", t.ConversationID)

	if t.Kind != "" {
		fmt.Fprintf(&b, "**Kind:** %s  \n", t.Kind)
	}

	fmt.Fprintf(&b, "**Messages:** %d  \n", len(t.Messages))
	fmt.Fprintf(&b, "**Exported:** %s\n\n---\n\n", t.ExportedAt)

	for i, r := range t.Messages {
		sender := r.Sender
		if sender == "" {
			sender = "system"
		}

		fmt.Fprintf(&b, "**%s** (%s)", sender, r.CreatedAt)

		if r.Edited {
			b.WriteString(" _edited_")
		}

		fmt.Fprintf(&b, "\n\n%s\n", escapeMarkdown(r.Content))

		for _, a := range r.Attachments {
			fmt.Fprintf(&b, "\n- attachment: `%s`\n", a)
		}

		if i < len(t.Messages)-1 {
			b.WriteString("\n---\n\n")
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}

// escapeMarkdown escapes emphasis markers outside fenced code blocks.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCode := false

	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			continue
		}

		if inCode {
			continue
		}

		line = strings.ReplaceAll(line, "**", `\*\*`)
		lines[i] = strings.ReplaceAll(line, "__", `\_\_`)
	}

	return strings.Join(lines, "\n")
}

func (e *MarkdownExporter) Extension() string { return "md" }
