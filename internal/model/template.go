package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Component types of a provider template.
const (
	ComponentHeader  = "HEADER"
	ComponentBody    = "BODY"
	ComponentButtons = "BUTTONS"
	ComponentButton  = "BUTTON"
)

// Header formats.
const (
	FormatText     = "TEXT"
	FormatImage    = "IMAGE"
	FormatVideo    = "VIDEO"
	FormatDocument = "DOCUMENT"
)

// Mapping sources.
const (
	SourceCSVColumn = "csv_column"
	SourceLiteral   = "literal"
)

// Template is a pre-approved provider-side message structure.
type Template struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Category   string              `json:"category"`
	Components []TemplateComponent `json:"components"`
}

type TemplateComponent struct {
	Type    string           `json:"type"`
	Format  string           `json:"format,omitempty"`
	Text    string           `json:"text,omitempty"`
	Buttons []TemplateButton `json:"buttons,omitempty"`
}

type TemplateButton struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// MediaHeaderFormat returns the header media format, or "" when the header is
// absent or textual.
func (t *Template) MediaHeaderFormat() string {
	if t == nil {
		return ""
	}
	for _, c := range t.Components {
		if strings.EqualFold(c.Type, ComponentHeader) {
			switch f := strings.ToUpper(c.Format); f {
			case FormatImage, FormatVideo, FormatDocument:
				return f
			}
		}
	}
	return ""
}

// ButtonList flattens the template's buttons in order. A BUTTONS component
// contributes each of its buttons; a standalone BUTTON component contributes
// itself, with its text as the URL when it carries no button list.
func (t *Template) ButtonList() []TemplateButton {
	if t == nil {
		return nil
	}
	var out []TemplateButton
	for _, c := range t.Components {
		switch strings.ToUpper(c.Type) {
		case ComponentButtons:
			out = append(out, c.Buttons...)
		case ComponentButton:
			if len(c.Buttons) > 0 {
				out = append(out, c.Buttons...)
			} else {
				out = append(out, TemplateButton{Type: c.Format, URL: c.Text})
			}
		}
	}
	return out
}

// VariableMapping binds one template placeholder to a value source.
type VariableMapping struct {
	PlaceholderIndex int    `json:"placeholder_index"`
	ComponentType    string `json:"component_type"`
	ButtonIndex      int    `json:"button_index,omitempty"`
	Source           string `json:"source"`
	Value            string `json:"value"`
}

// HeaderMedia is the broadcast-level media attached to a media header.
type HeaderMedia struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// TimeWindow is a local time-of-day range, [Start, End), "HH:MM" each.
// Start after End wraps past midnight.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ParseClock converts "HH:MM" (or "HH:MM:SS") to an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}

// Validate checks both bounds parse and differ.
func (w *TimeWindow) Validate() error {
	start, err := ParseClock(w.Start)
	if err != nil {
		return err
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return err
	}
	if start == end {
		return fmt.Errorf("time window start and end are equal")
	}
	return nil
}

// Contains reports whether t (already in the reference location) falls inside
// the window. A nil window always contains t.
func (w *TimeWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	start, err := ParseClock(w.Start)
	if err != nil {
		return true
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return true
	}
	// wall clock, not elapsed time since midnight, so DST days line up
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	if start < end {
		return offset >= start && offset < end
	}
	return offset >= start || offset < end
}

// RenderedMessage is a template filled in for one recipient.
type RenderedMessage struct {
	// Positional parameters per component, in placeholder order.
	HeaderParams []string         `json:"header_params,omitempty"`
	BodyParams   []string         `json:"body_params,omitempty"`
	ButtonParams map[int][]string `json:"button_params,omitempty"`
	HeaderMedia  *HeaderMedia     `json:"header_media,omitempty"`

	// Human-readable texts with placeholders substituted.
	Header  string   `json:"header,omitempty"`
	Body    string   `json:"body"`
	Buttons []string `json:"buttons,omitempty"`
}
