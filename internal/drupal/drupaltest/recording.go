package drupaltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hay-kot/drupalctl/internal/drupal"
)

// TokenStep is the Steps entry recorded for a token fetch.
const TokenStep = "token"

// RecordingTransport captures calls for testing.
// Configure Outputs and Errors maps to control return values.
type RecordingTransport struct {
	mu sync.Mutex

	// Calls holds every Post in order.
	Calls []drupal.Call
	// Steps holds "entity/resource" for each Post and TokenStep for each
	// token fetch, in call order.
	Steps []string

	// Outputs maps "entity/resource" to the JSON response body.
	Outputs map[string]string
	// Errors maps "entity/resource" or TokenStep to the error returned.
	Errors map[string]error
	// TokenValue is returned by Token.
	TokenValue string
	// Block, when set, makes Token wait for a receive after recording its
	// step.
	Block chan struct{}
}

// Post records the call and decodes the configured output into out.
func (r *RecordingTransport) Post(_ context.Context, call drupal.Call, out any) error {
	key := call.Entity + "/" + call.Resource

	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls = append(r.Calls, call)
	r.Steps = append(r.Steps, key)

	if err := r.Errors[key]; err != nil {
		return err
	}

	body, ok := r.Outputs[key]
	if !ok || out == nil || body == "" || body == "null" {
		return nil
	}

	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode %s response: %w", key, err)
	}
	return nil
}

// Token records the fetch and returns TokenValue.
func (r *RecordingTransport) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	r.Steps = append(r.Steps, TokenStep)
	block := r.Block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.Errors[TokenStep]; err != nil {
		return "", err
	}
	return r.TokenValue, nil
}

// StepsSnapshot returns a copy of Steps.
func (r *RecordingTransport) StepsSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Steps...)
}

// Reset clears recorded calls.
func (r *RecordingTransport) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
	r.Steps = nil
}

// LastCall returns the most recent Post, or false when none was made.
func (r *RecordingTransport) LastCall() (drupal.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Calls) == 0 {
		return drupal.Call{}, false
	}
	return r.Calls[len(r.Calls)-1], true
}
