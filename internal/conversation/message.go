package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cellar/internal/domain"
)

// Role is who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Kind discriminates message content.
type Kind string

const (
	KindText           Kind = "text"
	KindChips          Kind = "chips"
	KindImagePreview   Kind = "image_preview"
	KindError          Kind = "error"
	KindWineResult     Kind = "wine_result"
	KindDuplicateMatch Kind = "duplicate_match"
	KindBottleForm     Kind = "bottle_form"
	KindEnrichment     Kind = "enrichment"
)

// Content is the body of a message. The set of implementations is closed.
type Content interface {
	Kind() Kind
	isContent()
}

type TextContent struct {
	Text string `json:"text"`
}

// Chip is a tappable quick reply.
type Chip struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Action string `json:"action"`
}

type ChipsContent struct {
	Prompt string `json:"prompt,omitempty"`
	Chips  []Chip `json:"chips"`
}

type ImagePreviewContent struct {
	MimeType string `json:"mimeType"`
	Caption  string `json:"caption,omitempty"`
}

// ErrorContent is an inline failure. Retryable errors offer a retry button.
type ErrorContent struct {
	ErrorType  string `json:"errorType"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	SupportRef string `json:"supportRef,omitempty"`
}

type WineResultContent struct {
	Producer   string      `json:"producer,omitempty"`
	WineName   string      `json:"wineName,omitempty"`
	Vintage    string      `json:"vintage,omitempty"`
	Region     string      `json:"region,omitempty"`
	Country    string      `json:"country,omitempty"`
	WineType   string      `json:"wineType,omitempty"`
	Confidence float64     `json:"confidence"`
	Tier       domain.Tier `json:"tier"`
}

type DuplicateMatchContent struct {
	EntityType domain.EntityType       `json:"entityType"`
	Name       string                  `json:"name"`
	Exact      *domain.MatchCandidate  `json:"exact,omitempty"`
	Similar    []domain.MatchCandidate `json:"similar,omitempty"`
	Bottles    int                     `json:"bottles,omitempty"`
}

type BottleFormContent struct {
	Part     int                  `json:"part"`
	Defaults domain.BottleDetails `json:"defaults"`
}

type EnrichmentContent struct {
	Data map[string]any `json:"data"`
}

func (TextContent) Kind() Kind           { return KindText }
func (ChipsContent) Kind() Kind          { return KindChips }
func (ImagePreviewContent) Kind() Kind   { return KindImagePreview }
func (ErrorContent) Kind() Kind          { return KindError }
func (WineResultContent) Kind() Kind     { return KindWineResult }
func (DuplicateMatchContent) Kind() Kind { return KindDuplicateMatch }
func (BottleFormContent) Kind() Kind     { return KindBottleForm }
func (EnrichmentContent) Kind() Kind     { return KindEnrichment }

func (TextContent) isContent()           {}
func (ChipsContent) isContent()          {}
func (ImagePreviewContent) isContent()   {}
func (ErrorContent) isContent()          {}
func (WineResultContent) isContent()     {}
func (DuplicateMatchContent) isContent() {}
func (BottleFormContent) isContent()     {}
func (EnrichmentContent) isContent()     {}

// WineResultFrom summarises an identification for display.
func WineResultFrom(r *domain.IdentificationResult) WineResultContent {
	return WineResultContent{
		Producer:   r.StringField("producer"),
		WineName:   r.StringField("wineName"),
		Vintage:    r.StringField("vintage"),
		Region:     r.StringField("region"),
		Country:    r.StringField("country"),
		WineType:   r.StringField("wineType"),
		Confidence: r.Confidence,
		Tier:       r.TierUsed,
	}
}

// Message is one entry in the conversation.
type Message struct {
	ID        int64
	Role      Role
	Content   Content
	Disabled  bool
	CreatedAt time.Time
}

// Kind returns the content kind.
func (m Message) Kind() Kind {
	if m.Content == nil {
		return ""
	}
	return m.Content.Kind()
}

// Interactive reports whether the message still offers actions to the user.
func (m Message) Interactive() bool {
	if m.Disabled {
		return false
	}
	switch c := m.Content.(type) {
	case ChipsContent, DuplicateMatchContent, BottleFormContent:
		return true
	case ErrorContent:
		return c.Retryable
	}
	return false
}

// PlainText renders the message as a single line for logs and transcripts.
func (m Message) PlainText() string {
	switch c := m.Content.(type) {
	case TextContent:
		return c.Text
	case ChipsContent:
		labels := make([]string, len(c.Chips))
		for i, ch := range c.Chips {
			labels[i] = "[" + ch.Label + "]"
		}
		return strings.TrimSpace(c.Prompt + " " + strings.Join(labels, " "))
	case ImagePreviewContent:
		return "(photo " + c.MimeType + ") " + c.Caption
	case ErrorContent:
		return "error: " + c.Message
	case WineResultContent:
		return strings.Join(nonEmpty(c.Producer, c.WineName, c.Vintage, c.Region), " ")
	case DuplicateMatchContent:
		return fmt.Sprintf("%s %q: %d similar", c.EntityType, c.Name, len(c.Similar))
	case BottleFormContent:
		return fmt.Sprintf("bottle details (%d/2)", c.Part)
	case EnrichmentContent:
		return fmt.Sprintf("enrichment (%d fields)", len(c.Data))
	case nil:
		return ""
	default:
		panic(fmt.Sprintf("conversation: unhandled content %T", c))
	}
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type messageJSON struct {
	ID        int64           `json:"id"`
	Role      Role            `json:"role"`
	Kind      Kind            `json:"kind"`
	Content   json.RawMessage `json:"content"`
	Disabled  bool            `json:"disabled,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		ID: m.ID, Role: m.Role, Kind: m.Kind(), Content: body,
		Disabled: m.Disabled, CreatedAt: m.CreatedAt,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := decodeContent(raw.Kind, raw.Content)
	if err != nil {
		return fmt.Errorf("message %d: %w", raw.ID, err)
	}
	*m = Message{ID: raw.ID, Role: raw.Role, Content: content, Disabled: raw.Disabled, CreatedAt: raw.CreatedAt}
	return nil
}

func decodeContent(kind Kind, body json.RawMessage) (Content, error) {
	switch kind {
	case KindText:
		return decodeAs[TextContent](body)
	case KindChips:
		return decodeAs[ChipsContent](body)
	case KindImagePreview:
		return decodeAs[ImagePreviewContent](body)
	case KindError:
		return decodeAs[ErrorContent](body)
	case KindWineResult:
		return decodeAs[WineResultContent](body)
	case KindDuplicateMatch:
		return decodeAs[DuplicateMatchContent](body)
	case KindBottleForm:
		return decodeAs[BottleFormContent](body)
	case KindEnrichment:
		return decodeAs[EnrichmentContent](body)
	}
	return nil, fmt.Errorf("unknown message kind %q", kind)
}

func decodeAs[T Content](body json.RawMessage) (Content, error) {
	var c T
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, err
	}
	return c, nil
}
