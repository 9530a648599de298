package meeting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/breaker"
	"github.com/darktower/conference-control/internal/token"
)

// acCallDeadline bounds every server-to-server call to the AC.
const acCallDeadline = 5 * time.Second

const (
	acBreakerTrip     = 5
	acBreakerCooldown = 10 * time.Second
)

// TokenSource yields the GC's own currently-valid service bearer.
// Satisfied by the OAuth token manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ACClient calls the Authentication Controller's internal token endpoints.
// A circuit breaker fails joins fast when the AC is down instead of holding
// every request for the full call deadline.
type ACClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	brk     *breaker.Breaker
}

// NewACClient builds the client. baseURL is the AC origin without a
// trailing slash, e.g. "http://ac:8080".
func NewACClient(baseURL string, tokens TokenSource) *ACClient {
	return &ACClient{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: acCallDeadline},
		brk:     breaker.New("auth-controller", acBreakerTrip, acBreakerCooldown),
	}
}

// MeetingToken asks the AC for a participant join token.
func (c *ACClient) MeetingToken(ctx context.Context, req token.MeetingTokenRequest) (*token.TokenResponse, error) {
	var resp token.TokenResponse
	if err := c.post(ctx, "/internal/meeting-token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GuestToken asks the AC for a guest token.
func (c *ACClient) GuestToken(ctx context.Context, req token.GuestTokenRequest) (*token.GuestTokenResponse, error) {
	var resp token.GuestTokenResponse
	if err := c.post(ctx, "/internal/guest-token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ACClient) post(ctx context.Context, path string, body, out interface{}) error {
	err := c.brk.Do(func() error {
		return c.doPost(ctx, path, body, out)
	})
	if errors.Is(err, breaker.ErrOpen) {
		return apperr.Wrap(apperr.KindInternal, "auth controller unavailable", err)
	}
	return err
}

func (c *ACClient) doPost(ctx context.Context, path string, body, out interface{}) error {
	bearer, err := c.tokens.Token(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "auth controller unavailable", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Internal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, acCallDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "auth controller unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little for the log, never for the client.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Wrap(apperr.KindInternal, "auth controller call failed",
			fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindInternal, "auth controller call failed", err)
	}
	return nil
}
