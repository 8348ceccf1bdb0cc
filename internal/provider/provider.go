// Package provider talks to the messaging provider that delivers template
// messages. Errors returned by adapters are *appErrors.ProviderError so the
// sender pool can tell retryable failures from final ones.
package provider

import (
	"context"
	"sort"
	"strconv"

	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

// Adapter sends one template message and returns the provider message id.
type Adapter interface {
	Send(ctx context.Context, req SendRequest) (string, error)
}

// TemplateFetcher looks up approved templates in the provider catalog.
type TemplateFetcher interface {
	FetchTemplate(ctx context.Context, accountID, name, language string) (*model.Template, error)
}

type SendRequest struct {
	AccountID        string
	PhoneNumberID    string
	To               string
	TemplateName     string
	TemplateLanguage string
	Components       []Component
}

// Component is one entry of the template "components" array.
type Component struct {
	Type       string      `json:"type"`
	SubType    string      `json:"sub_type,omitempty"`
	Index      string      `json:"index,omitempty"`
	Parameters []Parameter `json:"parameters"`
}

type Parameter struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Document *Media `json:"document,omitempty"`
}

type Media struct {
	Link string `json:"link"`
}

// BuildComponents converts a rendered message into provider components.
// Components without parameters are left out.
func BuildComponents(msg model.RenderedMessage) []Component {
	var out []Component

	var header []Parameter
	if m := msg.HeaderMedia; m != nil && m.URL != "" {
		p := Parameter{}
		media := &Media{Link: m.URL}
		switch m.Type {
		case model.FormatVideo:
			p.Type, p.Video = "video", media
		case model.FormatDocument:
			p.Type, p.Document = "document", media
		default:
			p.Type, p.Image = "image", media
		}
		header = append(header, p)
	}
	header = append(header, textParams(msg.HeaderParams)...)
	if len(header) > 0 {
		out = append(out, Component{Type: "header", Parameters: header})
	}

	if len(msg.BodyParams) > 0 {
		out = append(out, Component{Type: "body", Parameters: textParams(msg.BodyParams)})
	}

	indexes := make([]int, 0, len(msg.ButtonParams))
	for i := range msg.ButtonParams {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		params := msg.ButtonParams[i]
		if len(params) == 0 {
			continue
		}
		out = append(out, Component{
			Type:       "button",
			SubType:    "url",
			Index:      strconv.Itoa(i),
			Parameters: textParams(params),
		})
	}
	return out
}

func textParams(values []string) []Parameter {
	out := make([]Parameter, 0, len(values))
	for _, v := range values {
		out = append(out, Parameter{Type: "text", Text: v})
	}
	return out
}
