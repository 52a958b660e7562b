package drupal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// RemoteError is returned when the backend answers with a non-2xx status.
type RemoteError struct {
	StatusCode int
	Status     string
	Messages   []string
}

func (e *RemoteError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("backend returned %s", e.Status)
	}
	return fmt.Sprintf("backend returned %s: %s", e.Status, strings.Join(e.Messages, "; "))
}

// IsUnauthorized reports whether err is a backend rejection of the session
// or CSRF token.
func IsUnauthorized(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

func newRemoteError(code int, status string, body []byte) *RemoteError {
	if status == "" {
		status = fmt.Sprintf("%d %s", code, http.StatusText(code))
	}
	return &RemoteError{
		StatusCode: code,
		Status:     status,
		Messages:   errorMessages(body),
	}
}

// errorMessages extracts messages from an error body. The backend sends a
// JSON array of strings, a JSON string, an object of form errors, or text.
func errorMessages(body []byte) []string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		return list
	}

	var single string
	if err := json.Unmarshal(body, &single); err == nil {
		return []string{single}
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		if fe, ok := obj["form_errors"].(map[string]any); ok {
			var msgs []string
			for field, msg := range fe {
				msgs = append(msgs, fmt.Sprintf("%s: %v", field, msg))
			}
			slices.Sort(msgs)
			return msgs
		}
		return []string{string(body)}
	}

	if bytes.HasPrefix(body, []byte("<")) {
		// HTML error page, the status line says enough.
		return nil
	}

	return []string{string(body)}
}
