package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/httpretry"
	"github.com/unclebandit/broadcast-dispatch/internal/logger"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

// Graph API error codes that mean "try again later".
var transientCodes = map[int]bool{
	1:      true, // unknown API error
	2:      true, // service temporarily unavailable
	4:      true, // application request limit
	80007:  true, // WABA rate limit
	130429: true, // throughput limit
	131000: true, // something went wrong
	131048: true, // spam rate limit
	131056: true, // pair rate limit
	133004: true, // server temporarily unavailable
}

// Credentials of one WhatsApp Business Account.
type Credentials struct {
	BusinessAccountID string
	AccessToken       string
}

// WhatsAppClient is a WhatsApp Cloud API adapter.
type WhatsAppClient struct {
	baseURL    string
	apiVersion string
	accounts   map[string]Credentials
	http       *http.Client
	catalog    httpretry.HTTPDoer
	log        zerolog.Logger
}

func NewWhatsAppClient(baseURL, apiVersion string, accounts map[string]Credentials, timeout time.Duration, log zerolog.Logger) *WhatsAppClient {
	httpClient := &http.Client{Timeout: timeout}
	return &WhatsAppClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		accounts:   accounts,
		http:       httpClient,
		catalog:    httpretry.New(httpClient, 3, log),
		log:        log,
	}
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

type sendPayload struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []Component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

// Send posts one template message. It never retries: the caller owns retry
// decisions so a recipient is delivered at most once.
func (c *WhatsAppClient) Send(ctx context.Context, req SendRequest) (string, error) {
	creds, ok := c.accounts[req.AccountID]
	if !ok || creds.AccessToken == "" {
		return "", appErrors.NewPermanent("no_credentials", "no access token for account "+req.AccountID, nil)
	}

	body, err := json.Marshal(sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(req.To, "+"),
		Type:             "template",
		Template: templatePayload{
			Name:       req.TemplateName,
			Language:   language{Code: req.TemplateLanguage},
			Components: req.Components,
		},
	})
	if err != nil {
		return "", appErrors.NewPermanent("encode", "failed to marshal WhatsApp payload", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, url.PathEscape(req.PhoneNumberID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", appErrors.NewPermanent("request", "failed to create WhatsApp request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.log.Debug().Str("to", logger.RedactPhone(req.To)).Str("template", req.TemplateName).
		Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("whatsapp send")

	if resp.StatusCode/100 != 2 {
		return "", classifyResponse(resp.StatusCode, respBody)
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || len(out.Messages) == 0 {
		// accepted but unreadable: the message may be out, do not resend
		return "", appErrors.NewPermanent("bad_response", "unexpected send response: "+truncate(string(respBody), 200), err)
	}
	return out.Messages[0].ID, nil
}

// FetchTemplate returns the approved template with the given name and
// language from the account's catalog.
func (c *WhatsAppClient) FetchTemplate(ctx context.Context, accountID, name, lang string) (*model.Template, error) {
	creds, ok := c.accounts[accountID]
	if !ok || creds.BusinessAccountID == "" {
		return nil, fmt.Errorf("account %s has no business account configured", accountID)
	}

	q := url.Values{}
	q.Set("name", name)
	q.Set("limit", "100")
	endpoint := fmt.Sprintf("%s/%s/%s/message_templates?%s", c.baseURL, c.apiVersion, url.PathEscape(creds.BusinessAccountID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.catalog.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch template %s: %w", name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch template %s: %w", name, classifyResponse(resp.StatusCode, body))
	}

	var out struct {
		Data []struct {
			Name       string                    `json:"name"`
			Language   string                    `json:"language"`
			Category   string                    `json:"category"`
			Status     string                    `json:"status"`
			Components []model.TemplateComponent `json:"components"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode template catalog: %w", err)
	}
	for _, t := range out.Data {
		if t.Name != name || !strings.EqualFold(t.Language, lang) {
			continue
		}
		if t.Status != "" && !strings.EqualFold(t.Status, "APPROVED") {
			return nil, fmt.Errorf("template %s/%s is %s", name, lang, t.Status)
		}
		return &model.Template{Name: t.Name, Language: t.Language, Category: t.Category, Components: t.Components}, nil
	}
	return nil, fmt.Errorf("template %s/%s not found", name, lang)
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return appErrors.NewTransient("timeout", "provider call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return appErrors.NewTransient("cancelled", "provider call cancelled", err)
	}
	return appErrors.NewTransient("network", "provider unreachable", err)
}

func classifyResponse(status int, body []byte) error {
	var ge graphError
	_ = json.Unmarshal(body, &ge)
	code := ""
	if ge.Error.Code != 0 {
		code = strconv.Itoa(ge.Error.Code)
	}
	detail := ge.Error.Message
	if ge.Error.ErrorData.Details != "" {
		detail += ": " + ge.Error.ErrorData.Details
	}
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d: %s", status, truncate(string(body), 200))
	}

	if status == http.StatusTooManyRequests || status >= 500 || transientCodes[ge.Error.Code] {
		return appErrors.NewTransient(code, detail, nil)
	}
	return appErrors.NewPermanent(code, detail, nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var (
	_ Adapter         = (*WhatsAppClient)(nil)
	_ TemplateFetcher = (*WhatsAppClient)(nil)
)
