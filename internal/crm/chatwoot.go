// Package crm synchronizes broadcast recipients with Chatwoot contacts.
// Failures here are reported to the caller but never affect delivery
// bookkeeping.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/httpretry"
)

type Contact struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone_number"`
}

// Adapter is the contact API of one CRM integration.
type Adapter interface {
	FindContactByPhone(ctx context.Context, phone string) (*Contact, error)
	CreateContact(ctx context.Context, name, phone string) (*Contact, error)
	AddLabels(ctx context.Context, contactID int64, labels []string) error
}

type ChatwootClient struct {
	baseURL   string
	accountID int
	inboxID   int
	token     string
	http      *http.Client
	retry     httpretry.HTTPDoer
}

func NewChatwootClient(baseURL string, accountID, inboxID int, token string, log zerolog.Logger) *ChatwootClient {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	return &ChatwootClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		inboxID:   inboxID,
		token:     token,
		http:      httpClient,
		retry:     httpretry.New(httpClient, 2, log),
	}
}

func (c *ChatwootClient) endpoint(path string) string {
	return fmt.Sprintf("%s/api/v1/accounts/%d%s", c.baseURL, c.accountID, path)
}

func (c *ChatwootClient) do(ctx context.Context, doer httpretry.HTTPDoer, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("api_access_token", c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := doer.Do(req)
	if err != nil {
		return fmt.Errorf("chatwoot %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("chatwoot %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("chatwoot %s %s: decode: %w", method, req.URL.Path, err)
	}
	return nil
}

// FindContactByPhone returns nil when no contact carries exactly this number.
func (c *ChatwootClient) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	var out struct {
		Payload []Contact `json:"payload"`
	}
	endpoint := c.endpoint("/contacts/search?" + url.Values{"q": {phone}}.Encode())
	if err := c.do(ctx, c.retry, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Payload {
		if out.Payload[i].Phone == phone {
			return &out.Payload[i], nil
		}
	}
	return nil, nil
}

// CreateContact is not retried, a lost response would create duplicates.
func (c *ChatwootClient) CreateContact(ctx context.Context, name, phone string) (*Contact, error) {
	in := map[string]any{"name": name, "phone_number": phone}
	if c.inboxID > 0 {
		in["inbox_id"] = c.inboxID
	}
	var out struct {
		Payload struct {
			Contact Contact `json:"contact"`
		} `json:"payload"`
	}
	if err := c.do(ctx, c.http, http.MethodPost, c.endpoint("/contacts"), in, &out); err != nil {
		return nil, err
	}
	return &out.Payload.Contact, nil
}

func (c *ChatwootClient) AddLabels(ctx context.Context, contactID int64, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	endpoint := c.endpoint(fmt.Sprintf("/contacts/%d/labels", contactID))
	return c.do(ctx, c.retry, http.MethodPost, endpoint, map[string]any{"labels": labels}, nil)
}

var _ Adapter = (*ChatwootClient)(nil)
