package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"leadflow/apperr"
	"leadflow/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// User is the subset of the user service profile the lead flow needs.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

// Verifier resolves a user id to its profile.
type Verifier interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

var (
	ErrUserNotFound = apperr.New(apperr.KindNotFound, apperr.CodeSellerNotFound, "seller not found")
	ErrUnavailable  = apperr.New(apperr.KindDependencyUnavailable, apperr.CodeIdentityUnavailable, "identity service unavailable")
)

// Client calls GET {base}/users/{id} on the user service.
type Client struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewClient(baseURL string, opts ...func(*Client)) *Client {
	c := &Client{
		BaseURL:    baseURL,
		Timeout:    3 * time.Second,
		HTTPClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout bounds every lookup. Non-positive values are ignored.
func WithTimeout(d time.Duration) func(*Client) {
	return func(c *Client) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) func(*Client) {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

func (c *Client) Lookup(ctx context.Context, userID string) (User, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "identity.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return User{}, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		telemetry.Fail(span, err)
		return User{}, apperr.Wrap(ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return User{}, ErrUserNotFound
	case resp.StatusCode/100 != 2:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("user service non-2xx: %d: %s", resp.StatusCode, string(body))
		telemetry.Fail(span, err)
		return User{}, apperr.Wrap(ErrUnavailable, err)
	}

	var u User
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&u); err != nil {
		return User{}, apperr.Wrap(ErrUnavailable, fmt.Errorf("decode user: %w", err))
	}
	if u.ID == "" {
		u.ID = userID
	}
	return u, nil
}

// IsUnavailable reports whether err means the user service could not answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
