package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is the first-contact message a seller sends to a buyer.
type Message struct {
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	Message         string `json:"message"`
	RequirementID   string `json:"requirementId"`
	RequirementName string `json:"requirementName"`
	SellerName      string `json:"sellerName"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

// Receipt is what the receiver returned for an accepted message.
type Receipt struct {
	MessageID string
	Duplicate bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) (Receipt, error)
}

const IdempotencyHeader = "Idempotency-Key"

var ErrMissingIdempotencyKey = errors.New("notify: missing idempotency key")

// Client posts messages to {base}/messages. Any 2xx counts as delivered.
type Client struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewClient(baseURL string, opts ...func(*Client)) *Client {
	c := &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		HTTPClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

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

func (c *Client) Dispatch(ctx context.Context, msg Message) (Receipt, error) {
	if msg.IdempotencyKey == "" {
		return Receipt{}, ErrMissingIdempotencyKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("notify: marshal message: %w", err)
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, msg.IdempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("notify: post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Receipt{}, fmt.Errorf("notify: receiver non-2xx: %d: %s", resp.StatusCode, string(snippet))
	}

	var out struct {
		ID        string `json:"id"`
		Duplicate bool   `json:"duplicate"`
	}
	// The receiver may answer with an empty body.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
	return Receipt{MessageID: out.ID, Duplicate: out.Duplicate}, nil
}
