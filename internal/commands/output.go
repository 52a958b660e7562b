package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hay-kot/drupalctl/internal/core/connection"
)

// writeJSON writes v to w as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeRawJSON re-indents a raw backend value. A missing value prints as null.
func writeRawJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format value: %w", err)
	}
	buf.WriteByte('\n')

	_, err := w.Write(buf.Bytes())
	return err
}

// describeUser returns a short label for the connection's user.
func describeUser(c *connection.Connection) string {
	if c.User.IsAnonymous() {
		return "anonymous"
	}
	if c.User.Name != "" {
		return fmt.Sprintf("%s (uid %s)", c.User.Name, c.User.UID)
	}
	return "uid " + c.User.UID
}
