// Package backend is the UI server's client for the diagnosis API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"triage/api"
	"triage/auth"
	"triage/models"
)

var (
	ErrTimeout     = errors.New("backend request timed out")
	ErrUnavailable = errors.New("backend unavailable")
)

const (
	DefaultTimeout = 30 * time.Second
	healthTimeout  = 5 * time.Second
	tokenTTL       = 2 * time.Minute
)

// ServerError is a non-2xx answer from the API.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("Server Error: %d", e.Code)
	}
	return fmt.Sprintf("Server Error: %d (%s)", e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	secret  []byte
}

func New(baseURL string, timeout time.Duration, secret []byte) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		secret:  secret,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var h api.HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return h, err
	}
	err = c.do(req, &h)
	return h, err
}

// Diagnose forwards input on behalf of acct, signing a short-lived token
// for the call.
func (c *Client) Diagnose(ctx context.Context, acct models.PublicAccount, input string) (models.DiagnosisResult, error) {
	var res models.DiagnosisResult

	tok, err := auth.IssueAPIToken(acct, c.secret, tokenTTL)
	if err != nil {
		return res, fmt.Errorf("sign api token: %w", err)
	}
	body, err := json.Marshal(models.DiagnosisRequest{Input: input})
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/diagnose", bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	if err := c.do(req, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiResp api.APIResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &apiResp)
		return &ServerError{Code: resp.StatusCode, Message: apiResp.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
