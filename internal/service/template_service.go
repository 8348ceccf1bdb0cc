package service

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)

// MaxPlaceholderIndex is the highest {{n}} a template may use.
const MaxPlaceholderIndex = 100

// Pseudo columns resolvable on every recipient, even without CSV fields.
const (
	columnName  = "name"
	columnPhone = "phone"
)

// Placeholder is one {{n}} slot of a template component.
type Placeholder struct {
	Component   string `json:"component"`
	Index       int    `json:"index"`
	ButtonIndex int    `json:"button_index,omitempty"`
}

// ExtractPlaceholders lists the placeholders of the header, body and button
// URLs in component order, each slot once.
func ExtractPlaceholders(t *model.Template) []Placeholder {
	if t == nil {
		return nil
	}
	var out []Placeholder
	seen := map[Placeholder]bool{}
	add := func(component string, button int, text string) {
		for _, idx := range indexesIn(text) {
			p := Placeholder{Component: component, Index: idx, ButtonIndex: button}
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	for _, c := range t.Components {
		switch strings.ToUpper(c.Type) {
		case model.ComponentHeader:
			if strings.EqualFold(c.Format, model.FormatText) || c.Format == "" {
				add(model.ComponentHeader, 0, c.Text)
			}
		case model.ComponentBody:
			add(model.ComponentBody, 0, c.Text)
		}
	}
	for i, btn := range t.ButtonList() {
		add(model.ComponentButton, i, btn.URL)
	}
	return out
}

func indexesIn(text string) []int {
	var idx []int
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			idx = append(idx, n)
		}
	}
	sort.Ints(idx)
	return idx
}

// RenderTemplate replaces every {{n}} in text with params[n-1]. Slots without
// a parameter render empty.
func RenderTemplate(text string, params []string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		n, _ := strconv.Atoi(placeholderRe.FindStringSubmatch(m)[1])
		if n < 1 || n > len(params) {
			return ""
		}
		return params[n-1]
	})
}

// ValidateMappings checks that every placeholder of the template has a
// complete mapping and that a media header comes with a media URL.
func ValidateMappings(t *model.Template, mappings []model.VariableMapping, media *model.HeaderMedia) error {
	for i, m := range mappings {
		if m.Source != model.SourceCSVColumn && m.Source != model.SourceLiteral {
			return appErrors.NewValidation("variable_mappings", "mapping %d has unknown source %q", i, m.Source)
		}
	}
	for _, p := range ExtractPlaceholders(t) {
		if p.Index > MaxPlaceholderIndex {
			return appErrors.NewValidation("template", "%s placeholder {{%d}} exceeds {{%d}}", strings.ToLower(p.Component), p.Index, MaxPlaceholderIndex)
		}
		m := findMapping(mappings, p)
		if m == nil {
			return appErrors.NewValidation("variable_mappings", "%s placeholder {{%d}} has no mapping", strings.ToLower(p.Component), p.Index)
		}
		if m.Source == model.SourceCSVColumn && strings.TrimSpace(m.Value) == "" {
			return appErrors.NewValidation("variable_mappings", "%s placeholder {{%d}} has no column", strings.ToLower(p.Component), p.Index)
		}
	}
	if format := t.MediaHeaderFormat(); format != "" {
		if media == nil || strings.TrimSpace(media.URL) == "" {
			return appErrors.NewValidation("header_media", "template header expects %s media, url is required", strings.ToLower(format))
		}
	}
	return nil
}

func findMapping(mappings []model.VariableMapping, p Placeholder) *model.VariableMapping {
	for i := range mappings {
		m := &mappings[i]
		if !strings.EqualFold(m.ComponentType, p.Component) || m.PlaceholderIndex != p.Index {
			continue
		}
		if p.Component == model.ComponentButton && m.ButtonIndex != p.ButtonIndex {
			continue
		}
		return m
	}
	return nil
}

// Resolver fills a broadcast's template for one recipient.
type Resolver struct{}

// Render resolves every placeholder for rc. Missing columns render empty and
// are reported as warnings; rendering itself never fails.
func (Resolver) Render(b *model.Broadcast, rc *model.Recipient) (model.RenderedMessage, []appErrors.ResolverWarning) {
	var (
		msg      model.RenderedMessage
		warnings []appErrors.ResolverWarning
	)
	if b.Template == nil {
		return msg, nil
	}

	buttons := map[int][]string{}
	for _, p := range ExtractPlaceholders(b.Template) {
		value, warn := resolveValue(findMapping(b.VariableMappings, p), p, rc)
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		switch p.Component {
		case model.ComponentHeader:
			msg.HeaderParams = setParam(msg.HeaderParams, p.Index, value)
		case model.ComponentBody:
			msg.BodyParams = setParam(msg.BodyParams, p.Index, value)
		case model.ComponentButton:
			buttons[p.ButtonIndex] = setParam(buttons[p.ButtonIndex], p.Index, value)
		}
	}
	if len(buttons) > 0 {
		msg.ButtonParams = buttons
	}

	for _, c := range b.Template.Components {
		switch strings.ToUpper(c.Type) {
		case model.ComponentHeader:
			msg.Header = RenderTemplate(c.Text, msg.HeaderParams)
		case model.ComponentBody:
			msg.Body = RenderTemplate(c.Text, msg.BodyParams)
		}
	}
	for i, btn := range b.Template.ButtonList() {
		label := btn.Text
		if btn.URL != "" {
			label += " " + RenderTemplate(btn.URL, buttons[i])
		}
		msg.Buttons = append(msg.Buttons, strings.TrimSpace(label))
	}
	if b.Template.MediaHeaderFormat() != "" && b.HeaderMedia != nil {
		media := *b.HeaderMedia
		media.Type = strings.ToUpper(media.Type)
		if media.Type == "" {
			media.Type = b.Template.MediaHeaderFormat()
		}
		msg.HeaderMedia = &media
	}
	return msg, warnings
}

func resolveValue(m *model.VariableMapping, p Placeholder, rc *model.Recipient) (string, *appErrors.ResolverWarning) {
	if m == nil {
		return "", &appErrors.ResolverWarning{Placeholder: p.Index, Component: p.Component}
	}
	if m.Source == model.SourceLiteral {
		return m.Value, nil
	}
	if v, ok := rc.Fields[m.Value]; ok {
		return v, nil
	}
	switch strings.ToLower(m.Value) {
	case columnName:
		return rc.Name, nil
	case columnPhone:
		return rc.Phone, nil
	}
	return "", &appErrors.ResolverWarning{Placeholder: p.Index, Component: p.Component, Column: m.Value}
}

func setParam(params []string, index int, value string) []string {
	if index < 1 || index > MaxPlaceholderIndex {
		return params
	}
	for len(params) < index {
		params = append(params, "")
	}
	params[index-1] = value
	return params
}
