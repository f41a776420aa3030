// Package client is the Go SDK used by the AI request pipeline and by
// presentation code to talk to creditsd.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tokligence/tokligence-credits/internal/balancecache"
)

var (
	// ErrOutcomeUnknown means a consume request may or may not have been
	// applied: the connection failed after the request was sent. Callers must
	// re-read the balance instead of retrying the spend.
	ErrOutcomeUnknown = errors.New("credits client: consume outcome unknown")
	ErrUnauthorized   = errors.New("credits client: unauthorized")
	ErrNotFound       = errors.New("credits client: not found")
	ErrRateLimited    = errors.New("credits client: rate limited")
	ErrUnavailable    = errors.New("credits client: service unavailable")
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx response other than an insufficient balance.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("credits api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("credits api: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	case ErrOutcomeUnknown:
		return e.StatusCode == http.StatusGatewayTimeout
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to the credits API on behalf of one signed-in identity.
type Client struct {
	baseURL    *url.URL
	httpClient HTTPClient
	cache      *balancecache.Cache
	newBackoff func() backoff.BackOff
	logger     *log.Logger

	mu     sync.RWMutex
	userID string
	token  string
}

// New constructs a client. cache may be nil, in which case balance reads
// always go to the server. Watch needs an httpClient without an overall
// timeout.
func New(baseURL string, httpClient HTTPClient, cache *balancecache.Cache) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		cache:      cache,
		newBackoff: defaultBackoff,
		logger:     log.New(io.Discard, "", 0),
	}, nil
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

// SetLogger replaces the discard logger.
func (c *Client) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetBackoff overrides the retry policy used for transient consume failures.
func (c *Client) SetBackoff(fn func() backoff.BackOff) {
	if fn != nil {
		c.newBackoff = fn
	}
}

// SetSession switches the identity the client speaks for. Any change of
// token discards every cached balance.
func (c *Client) SetSession(userID, token string) {
	c.mu.Lock()
	changed := c.token != token || c.userID != userID
	c.userID, c.token = userID, token
	c.mu.Unlock()
	if changed && c.cache != nil {
		c.cache.Purge()
	}
}

// UserID returns the identity of the current session.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) session() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.token
}

// SignInAnonymous creates a fresh anonymous identity and adopts its session.
func (c *Client) SignInAnonymous(ctx context.Context) (SessionResponse, error) {
	var out SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/anonymous", struct{}{}, &out); err != nil {
		return SessionResponse{}, err
	}
	c.SetSession(out.UserID, out.Token)
	return out, nil
}

// Session describes the identity behind the current token.
func (c *Client) Session(ctx context.Context) (SessionResponse, error) {
	var out SessionResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/auth/session", nil, &out)
	return out, err
}

// RequestUpgrade starts attaching email to the current anonymous identity.
func (c *Client) RequestUpgrade(ctx context.Context, email string) (ChallengeResponse, error) {
	var out ChallengeResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/upgrade/challenge", ChallengeRequest{Email: email}, &out)
	return out, err
}

// VerifyUpgrade completes the upgrade and adopts the registered session.
func (c *Client) VerifyUpgrade(ctx context.Context, challengeID, code string) (SessionResponse, error) {
	var out SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/upgrade/verify", VerifyRequest{ChallengeID: challengeID, Code: code}, &out); err != nil {
		return SessionResponse{}, err
	}
	c.SetSession(out.UserID, out.Token)
	if out.DiscardCache && c.cache != nil {
		c.cache.Purge()
	}
	return out, nil
}

// Consume charges the price of action before the paid work starts. A 402 is
// not an error: the response carries OK=false, the remaining balance and the
// next step. 503 responses are retried with backoff because the server
// guarantees nothing was deducted. Transport failures and 504 are not: the
// spend may have landed, so they surface as ErrOutcomeUnknown.
func (c *Client) Consume(ctx context.Context, action string) (ConsumeResponse, error) {
	userID, _ := c.session()
	var out ConsumeResponse
	op := func() error {
		resp, data, err := c.do(ctx, http.MethodPost, "/api/v1/credits/consume", ConsumeRequest{Action: action})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrOutcomeUnknown, err))
		}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusPaymentRequired:
			out = ConsumeResponse{}
			if err := json.Unmarshal(data, &out); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: decode: %v", ErrOutcomeUnknown, err))
			}
			return nil
		case http.StatusServiceUnavailable:
			apiErr := newAPIError(resp, data)
			c.logger.Printf("[WARN] consume %s: %v, retrying", action, apiErr)
			return apiErr
		case http.StatusGatewayTimeout:
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrOutcomeUnknown, newAPIError(resp, data)))
		default:
			return backoff.Permanent(newAPIError(resp, data))
		}
	}
	err := backoff.Retry(op, backoff.WithContext(c.newBackoff(), ctx))
	if c.cache != nil && userID != "" {
		switch {
		case err == nil:
			c.cache.Invalidate(ctx, userID)
			c.cache.Put(userID, out.Remaining)
		case errors.Is(err, ErrOutcomeUnknown):
			c.cache.Invalidate(ctx, userID)
		}
	}
	if err != nil {
		return ConsumeResponse{}, err
	}
	return out, nil
}

// Balance returns the remaining credits of the current identity, served from
// the cache when fresh. The value is for display only.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	userID, _ := c.session()
	if c.cache == nil || userID == "" {
		b, err := c.fetchBalance(ctx, false)
		return b.Remaining, err
	}
	return c.cache.Load(ctx, userID, func(ctx context.Context, _ string) (int64, error) {
		b, err := c.fetchBalance(ctx, false)
		return b.Remaining, err
	})
}

// BalanceDetail bypasses every cache and returns the full ledger row.
func (c *Client) BalanceDetail(ctx context.Context) (BalanceResponse, error) {
	b, err := c.fetchBalance(ctx, true)
	if err == nil && c.cache != nil && b.UserID != "" {
		c.cache.Put(b.UserID, b.Remaining)
	}
	return b, err
}

func (c *Client) fetchBalance(ctx context.Context, fresh bool) (BalanceResponse, error) {
	path := "/api/v1/credits/balance"
	if fresh {
		path += "?fresh=true"
	}
	var out BalanceResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// History returns the latest audit rows of the current identity.
func (c *Client) History(ctx context.Context, limit int) (HistoryResponse, error) {
	path := "/api/v1/credits/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out HistoryResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Watch follows the server's invalidation stream and drops the matching cache
// entries until ctx ends or the stream closes.
func (c *Client) Watch(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/credits/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return newAPIError(resp, data)
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "invalidate":
			var ev InvalidateEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				c.logger.Printf("[WARN] bad invalidate event: %v", err)
				continue
			}
			c.applyInvalidate(ev)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (c *Client) applyInvalidate(ev InvalidateEvent) {
	if c.cache == nil {
		return
	}
	if ev.UserID == "" {
		c.cache.Purge()
		return
	}
	c.cache.Drop(ev.UserID)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	resp, data, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return newAPIError(resp, data)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if _, token := c.session(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, []byte, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, data, nil
}

func newAPIError(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
