package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atelierhq/atelier/internal/idgen"
	"github.com/atelierhq/atelier/internal/retry"
)

// HTTPAuthority talks to the multisig settlement program's gateway over
// its JSON API.
type HTTPAuthority struct {
	rpcURL  string
	program string
	client  *http.Client
}

// NewHTTPAuthority creates a settlement authority client for the given
// program address.
func NewHTTPAuthority(rpcURL, program string) *HTTPAuthority {
	return &HTTPAuthority{
		rpcURL:  rpcURL,
		program: program,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPAuthority) Propose(ctx context.Context, inst Instruction) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"program":     a.program,
		"instruction": inst,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		ProposalRef string `json:"proposalRef"`
	}
	if err := a.post(ctx, "/v1/proposals", payload, &out); err != nil {
		return "", err
	}
	if out.ProposalRef == "" {
		return "", fmt.Errorf("settlement authority returned no proposal reference")
	}
	return out.ProposalRef, nil
}

func (a *HTTPAuthority) Execute(ctx context.Context, proposalRef string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"program":     a.program,
		"proposalRef": proposalRef,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Signature string `json:"signature"`
	}
	if err := a.post(ctx, "/v1/executions", payload, &out); err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", fmt.Errorf("settlement authority returned no signature")
	}
	return out.Signature, nil
}

// post sends one gateway call, retrying transient failures. Rejections
// (4xx) are permanent; the gateway dedupes proposals by instruction, so
// a retried propose cannot double-spend.
func (a *HTTPAuthority) post(ctx context.Context, path string, payload []byte, out interface{}) error {
	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.rpcURL+path, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("settlement authority request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("settlement authority returned %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("settlement authority returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
}

// StubAuthority records proposals in memory and executes them instantly.
// Used in development and tests where no settlement program is wired.
type StubAuthority struct {
	mu        sync.Mutex
	proposals map[string]Instruction
	executed  map[string]string
}

// NewStubAuthority creates an in-memory settlement authority.
func NewStubAuthority() *StubAuthority {
	return &StubAuthority{
		proposals: make(map[string]Instruction),
		executed:  make(map[string]string),
	}
}

func (s *StubAuthority) Propose(_ context.Context, inst Instruction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := idgen.WithPrefix("prop_")
	s.proposals[ref] = inst
	return ref, nil
}

func (s *StubAuthority) Execute(_ context.Context, proposalRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[proposalRef]; !ok {
		return "", fmt.Errorf("unknown proposal %s", proposalRef)
	}
	sig := idgen.Hex(32)
	s.executed[proposalRef] = sig
	return sig, nil
}

// Proposal returns a recorded instruction, for tests.
func (s *StubAuthority) Proposal(ref string) (Instruction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.proposals[ref]
	return inst, ok
}
