package session

import "strings"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartText             PartType = "text"
	PartFunctionCall     PartType = "functionCall"
	PartFunctionResponse PartType = "functionResponse"
	PartInlineData       PartType = "inlineData"
)

// FunctionCall is a structured tool invocation reconstructed from the stream.
// While argument text is still arriving, PartialArgs holds the raw
// accumulation and Args the best-effort parse of it.
type FunctionCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args,omitempty"`
	PartialArgs string         `json:"partial_args,omitempty"`
	Index       *int           `json:"index,omitempty"`

	// Synthetic is true when the id was generated locally because the
	// provider delta carried none. Merge eligibility treats synthetic ids
	// as absent.
	Synthetic bool `json:"-"`
}

// FunctionResponse is the result of an executed tool call.
type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// InlineData is an inline binary payload.
type InlineData struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Part is the smallest unit of turn content.
type Part struct {
	Type     PartType          `json:"type"`
	Text     string            `json:"text,omitempty"`
	Thought  bool              `json:"thought,omitempty"`
	Call     *FunctionCall     `json:"call,omitempty"`
	Response *FunctionResponse `json:"response,omitempty"`
	Data     *InlineData       `json:"data,omitempty"`
}

// Turn is one role's contribution to a conversation.
type Turn struct {
	Role          Role   `json:"role"`
	Parts         []Part `json:"parts,omitempty"`
	Streaming     bool   `json:"streaming,omitempty"`
	AbsoluteIndex int    `json:"absolute_index"`
}

// Content returns the concatenation of the turn's non-thought text parts.
func (t *Turn) Content() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Type == PartText && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// LastCall returns the most recently appended functionCall part, or nil.
func (t *Turn) LastCall() *FunctionCall {
	for i := len(t.Parts) - 1; i >= 0; i-- {
		if t.Parts[i].Type == PartFunctionCall {
			return t.Parts[i].Call
		}
	}
	return nil
}

// appendText adds text to the turn, merging into a trailing text part of the
// same thought kind so no two adjacent text parts share a thought flag.
func (t *Turn) appendText(text string, thought bool) {
	if text == "" {
		return
	}
	if n := len(t.Parts); n > 0 {
		last := &t.Parts[n-1]
		if last.Type == PartText && last.Thought == thought {
			last.Text += text
			return
		}
	}
	t.Parts = append(t.Parts, Part{Type: PartText, Text: text, Thought: thought})
}

func clonePart(p Part) Part {
	out := p
	if p.Call != nil {
		c := *p.Call
		if p.Call.Args != nil {
			c.Args = cloneMap(p.Call.Args)
		}
		if p.Call.Index != nil {
			idx := *p.Call.Index
			c.Index = &idx
		}
		out.Call = &c
	}
	if p.Response != nil {
		r := *p.Response
		if p.Response.Response != nil {
			r.Response = cloneMap(p.Response.Response)
		}
		out.Response = &r
	}
	if p.Data != nil {
		d := *p.Data
		d.Data = append([]byte(nil), p.Data.Data...)
		out.Data = &d
	}
	return out
}

// cloneMap copies one level deep; nested maps and slices come from
// json.Unmarshal output and are never mutated in place after parsing.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
