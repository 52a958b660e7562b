package doctor

import (
	"context"
	"fmt"
)

// TokenFetcher fetches a CSRF token from the backend.
type TokenFetcher interface {
	Token(ctx context.Context) (string, error)
}

// BackendCheck verifies the backend answers the token endpoint. Fetching a
// token does not modify the held session.
type BackendCheck struct {
	baseURL string
	tokens  TokenFetcher
	err     error
}

// NewBackendCheck creates a new backend check. A non-nil err reports that
// the transport could not be built.
func NewBackendCheck(baseURL string, tokens TokenFetcher, err error) *BackendCheck {
	return &BackendCheck{baseURL: baseURL, tokens: tokens, err: err}
}

func (c *BackendCheck) Name() string {
	return "Backend"
}

func (c *BackendCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	if c.err != nil || c.tokens == nil {
		detail := "transport not configured"
		if c.err != nil {
			detail = c.err.Error()
		}
		result.Items = append(result.Items, CheckItem{
			Label:  "Transport",
			Status: StatusFail,
			Detail: detail,
		})
		return result
	}

	if _, err := c.tokens.Token(ctx); err != nil {
		result.Items = append(result.Items, CheckItem{
			Label:  c.baseURL,
			Status: StatusFail,
			Detail: fmt.Sprintf("token endpoint: %v", err),
		})
		return result
	}

	result.Items = append(result.Items, CheckItem{
		Label:  c.baseURL,
		Status: StatusPass,
		Detail: "token endpoint reachable",
	})
	return result
}
