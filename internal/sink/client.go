// Package sink is the client for the application-facing record store. All
// calls carry a bearer token obtained from the admin password-auth endpoint;
// a 401 triggers one re-authentication before the call is reported as failed.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	appconfig "marketsync/config"
	"marketsync/internal/models"
	"marketsync/logger"
)

// ErrAuth marks a rejected credential or expired token.
var ErrAuth = errors.New("sink authentication rejected")

// TransientError marks a failure worth retrying: network trouble, 5xx,
// timeouts and an open circuit breaker.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient sink error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient sink error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client talks to the record store REST API.
type Client struct {
	baseURL  string
	identity string
	password string

	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	token string

	log *logger.Log
}

// NewClient configures the HTTP client, rate limiter and circuit breaker from
// the sink section of the configuration.
func NewClient(cfg appconfig.SinkConfig) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "record_sink",
		MaxRequests: uint32(cfg.CircuitBreaker.HalfOpenMaxRequests),
		Timeout:     cfg.CircuitBreaker.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreaker.FailureThreshold)
		},
	})

	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		identity: cfg.AdminIdentity,
		password: cfg.AdminPassword,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
		breaker: breaker,
		log:     logger.GetLogger(),
	}
}

type authRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges the admin credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(authRequest{Identity: c.identity, Password: c.password})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/admins/auth-with-password", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: admin credentials refused", ErrAuth)
	case resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode, Err: errors.New("auth endpoint unavailable")}
	default:
		return fmt.Errorf("unexpected auth status %d", resp.StatusCode)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if auth.Token == "" {
		return fmt.Errorf("%w: empty token", ErrAuth)
	}

	c.mu.Lock()
	c.token = auth.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do performs one authenticated request, re-authenticating once on 401.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if c.currentToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		err := c.roundTrip(ctx, method, path, body, out)
		if errors.Is(err, ErrAuth) {
			if authErr := c.Authenticate(ctx); authErr != nil {
				return nil, authErr
			}
			err = c.roundTrip(ctx, method, path, body, out)
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Err: err}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("%s %s", method, path)}
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateRecord inserts a single record into a collection.
func (c *Client) CreateRecord(ctx context.Context, collection string, rec models.SinkRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/collections/"+url.PathEscape(collection)+"/records", body, nil)
}

type batchRequest struct {
	Records []models.SinkRecord `json:"records"`
}

// CreateBatch inserts records in one bulk call.
func (c *Client) CreateBatch(ctx context.Context, collection string, recs []models.SinkRecord) error {
	if len(recs) == 0 {
		return nil
	}
	body, err := json.Marshal(batchRequest{Records: recs})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/collections/"+url.PathEscape(collection)+"/records/batch", body, nil)
}

// RecordPage is one page of a collection listing.
type RecordPage struct {
	Page       int                 `json:"page"`
	PerPage    int                 `json:"perPage"`
	TotalItems int64               `json:"totalItems"`
	Items      []models.SinkRecord `json:"items"`
}

// ListRecords fetches one page sorted by event time.
func (c *Client) ListRecords(ctx context.Context, collection string, page, perPage int) (*RecordPage, error) {
	path := fmt.Sprintf("/api/collections/%s/records?page=%d&perPage=%d&sort=timestamp",
		url.PathEscape(collection), page, perPage)
	var result RecordPage
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CountRecords reports the collection size using a minimal page request. It
// doubles as the sink health probe since it exercises the full auth path.
func (c *Client) CountRecords(ctx context.Context, collection string) (int64, error) {
	pageResult, err := c.ListRecords(ctx, collection, 1, 1)
	if err != nil {
		return 0, err
	}
	return pageResult.TotalItems, nil
}

// ExportRecords walks a collection page by page, used for full backups.
func (c *Client) ExportRecords(ctx context.Context, collection string, pageSize int, fn func([]models.SinkRecord) error) (int64, error) {
	var exported int64
	for page := 1; ; page++ {
		result, err := c.ListRecords(ctx, collection, page, pageSize)
		if err != nil {
			return exported, err
		}
		if len(result.Items) == 0 {
			return exported, nil
		}
		if err := fn(result.Items); err != nil {
			return exported, err
		}
		exported += int64(len(result.Items))
		if exported >= result.TotalItems {
			return exported, nil
		}
		select {
		case <-ctx.Done():
			return exported, ctx.Err()
		default:
		}
	}
}

// WaitReady polls the auth endpoint until the sink accepts the credentials or
// the deadline passes, used at startup.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := c.Authenticate(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
