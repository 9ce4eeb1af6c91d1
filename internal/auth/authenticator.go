// Package auth exchanges a login challenge for a signed assertion token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ErrAuth is wrapped by every error Authenticate returns.
var ErrAuth = errors.New("authentication failed")

// maxBodyBytes bounds the login response read.
const maxBodyBytes = 1 << 20

// Authenticator calls the login action endpoint.
// A single Authenticator is safe for concurrent use.
type Authenticator struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewAuthenticator creates an Authenticator posting to endpoint.
//
// Precondition: endpoint must be an absolute http(s) URL; logger must be non-nil.
// Postcondition: A nil client is replaced by one with the given timeout.
func NewAuthenticator(endpoint string, client *http.Client, timeout time.Duration, logger *zap.Logger) *Authenticator {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Authenticator{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
	}
}

// Authenticate posts the credentials and challenge and returns the assertion.
// No retry is attempted.
//
// A 2xx response is not always a success: the login service answers a rejected
// login with an assertion starting with ";" followed by the reason, and an
// empty assertion when the challenge is unknown. Both are returned as ErrAuth
// rather than as a token, since the simulator would never confirm the login.
//
// Precondition: username and challenge must be non-empty.
// Postcondition: Returns a non-empty assertion not starting with ";", or an
// error wrapping ErrAuth.
func (a *Authenticator) Authenticate(ctx context.Context, username, password, challenge string) (string, error) {
	start := time.Now()

	form := url.Values{
		"act":      {"login"},
		"name":     {username},
		"pass":     {password},
		"challstr": {challenge},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: posting to %s: %w", ErrAuth, a.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: unexpected status %d", ErrAuth, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", ErrAuth, err)
	}

	assertion, err := ParseAssertion(body)
	if err != nil {
		return "", err
	}

	a.logger.Debug("authenticated",
		zap.String("username", username),
		zap.Duration("elapsed", time.Since(start)),
	)
	return assertion, nil
}

// ParseAssertion extracts the assertion from a login response body. The first
// byte of the body is an envelope marker and is discarded before the remainder
// is parsed as a JSON object.
//
// Postcondition: Returns a non-empty assertion not starting with ";", or an
// error wrapping ErrAuth that carries the server's rejection reason.
func ParseAssertion(body []byte) (string, error) {
	if len(body) < 2 {
		return "", fmt.Errorf("%w: response body too short (%d bytes)", ErrAuth, len(body))
	}
	payload := body[1:]
	if !gjson.ValidBytes(payload) {
		return "", fmt.Errorf("%w: response is not valid JSON", ErrAuth)
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return "", fmt.Errorf("%w: response is not a JSON object", ErrAuth)
	}

	field := doc.Get("assertion")
	if !field.Exists() || field.Type != gjson.String {
		return "", fmt.Errorf("%w: response has no assertion", ErrAuth)
	}
	assertion := field.String()
	if assertion == "" {
		return "", fmt.Errorf("%w: empty assertion", ErrAuth)
	}
	// The server reports login failures as ";;<reason>" in place of a token.
	if strings.HasPrefix(assertion, ";") {
		return "", fmt.Errorf("%w: server rejected login: %s", ErrAuth, strings.TrimLeft(assertion, ";"))
	}
	return assertion, nil
}
