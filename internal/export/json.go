package export

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONExporter writes the transcript as one indented JSON document.
type JSONExporter struct{}

func (e *JSONExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(t)
}

func (e *JSONExporter) Extension() string { return "json" }

// JSONLExporter writes one message per line.
type JSONLExporter struct{}

func (e *JSONLExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)

	for _, r := range t.Messages {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encoding message %d: %w", r.ID, err)
		}
	}

	return nil
}

func (e *JSONLExporter) Extension() string { return "jsonl" }
