package session

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/lithammer/shortuuid/v4"
)

var errMissingToolName = errors.New("inline tool call has no name")

// Inline tool-call markers. Some providers emit tool calls as plain text
// wrapped in one of these two envelopes instead of native structured deltas.
type markerKind int

const (
	markerNone markerKind = iota
	markerXML             // <tool_use><name>x</name><args>{...}</args></tool_use>
	markerJSON            // <<<TOOL_CALL>>>{"tool":x,"parameters":{...}}<<<END_TOOL_CALL>>>
)

const (
	xmlStart  = "<tool_use>"
	xmlEnd    = "</tool_use>"
	jsonStart = "<<<TOOL_CALL>>>"
	jsonEnd   = "<<<END_TOOL_CALL>>>"
)

var (
	xmlNameRe = regexp2.MustCompile(`<name>\s*(.*?)\s*</name>`, regexp2.Singleline)
	xmlArgsRe = regexp2.MustCompile(`<args>\s*(.*?)\s*</args>`, regexp2.Singleline)
)

// Ingest consumes one raw text delta for the in-progress assistant turn.
// Text outside markers is appended as text parts; a complete marker region
// becomes a functionCall part, or falls back to verbatim text if its body
// does not parse. A delta ending in a true prefix of a start marker holds
// that suffix back until the next delta decides whether a marker begins.
func (s *Session) Ingest(text string, thought bool) {
	t := s.BeginAssistantTurn()
	if thought {
		t.appendText(text, true)
		return
	}

	input := s.carry + text
	s.carry = ""

	for input != "" {
		if s.markerKind != markerNone {
			s.markerBuf += input
			input = ""
			rest, closed := s.tryCloseMarker(t)
			if !closed {
				return
			}
			input = rest
			continue
		}

		idx, kind := findStartMarker(input)
		if idx < 0 {
			keep := markerPrefixSuffix(input)
			t.appendText(input[:len(input)-len(keep)], false)
			s.carry = keep
			return
		}

		t.appendText(input[:idx], false)
		s.markerKind = kind
		s.markerBuf = input[idx:]
		input = ""
		rest, closed := s.tryCloseMarker(t)
		if !closed {
			return
		}
		input = rest
	}
}

// FlushMarker flushes any unterminated marker buffer and held prefix as plain
// text. Called at stream end: a marker that never closes must not hold text
// hostage.
func (s *Session) FlushMarker() {
	if s.markerKind == markerNone && s.markerBuf == "" && s.carry == "" {
		return
	}
	t := s.BeginAssistantTurn()
	if s.markerBuf != "" {
		t.appendText(s.markerBuf, false)
	}
	if s.carry != "" {
		t.appendText(s.carry, false)
	}
	s.markerBuf = ""
	s.markerKind = markerNone
	s.carry = ""
}

// tryCloseMarker looks for the end marker of the buffered kind. On a close it
// emits either a functionCall part (parse success) or the raw region as text
// (parse failure), resets to scanning, and returns the trailing remainder.
func (s *Session) tryCloseMarker(t *Turn) (rest string, closed bool) {
	start, end := xmlStart, xmlEnd
	if s.markerKind == markerJSON {
		start, end = jsonStart, jsonEnd
	}

	idx := strings.Index(s.markerBuf[len(start):], end)
	if idx < 0 {
		return "", false
	}
	idx += len(start)

	raw := s.markerBuf[:idx+len(end)]
	inner := s.markerBuf[len(start):idx]
	rest = s.markerBuf[idx+len(end):]

	kind := s.markerKind
	s.markerBuf = ""
	s.markerKind = markerNone

	name, args, err := parseInlineCall(kind, inner)
	if err != nil {
		// Never silently drop model output: surface the region verbatim.
		t.appendText(raw, false)
		return rest, true
	}

	call := &FunctionCall{
		ID:   "call-" + shortuuid.New(),
		Name: name,
		Args: args,
	}
	t.Parts = append(t.Parts, Part{Type: PartFunctionCall, Call: call})
	s.trackCall(call, StatusQueued)
	return rest, true
}

// trackCall creates or updates the denormalized invocation entry for a call.
func (s *Session) trackCall(call *FunctionCall, status InvocationStatus) {
	inv, ok := s.Invocations[call.ID]
	if !ok {
		inv = &ToolInvocation{ID: call.ID, Status: status}
		s.Invocations[call.ID] = inv
	}
	inv.Name = call.Name
	inv.PartialArgs = call.PartialArgs
	if call.Args != nil {
		inv.Args = call.Args
	}
}

type inlineJSONCall struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// parseInlineCall extracts {name, args} from a marker body.
func parseInlineCall(kind markerKind, body string) (string, map[string]any, error) {
	switch kind {
	case markerJSON:
		var call inlineJSONCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &call); err != nil {
			return "", nil, err
		}
		if call.Tool == "" {
			return "", nil, errMissingToolName
		}
		if call.Parameters == nil {
			call.Parameters = map[string]any{}
		}
		return call.Tool, call.Parameters, nil

	default:
		name, ok := regexGroup(xmlNameRe, body)
		if !ok || name == "" {
			return "", nil, errMissingToolName
		}
		args := map[string]any{}
		if rawArgs, ok := regexGroup(xmlArgsRe, body); ok && strings.TrimSpace(rawArgs) != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", nil, err
			}
		}
		return name, args, nil
	}
}

func regexGroup(re *regexp2.Regexp, s string) (string, bool) {
	m, err := re.FindStringMatch(s)
	if err != nil || m == nil {
		return "", false
	}
	return m.GroupByNumber(1).String(), true
}

// findStartMarker returns the earliest start marker position in input.
func findStartMarker(input string) (int, markerKind) {
	xi := strings.Index(input, xmlStart)
	ji := strings.Index(input, jsonStart)
	switch {
	case xi < 0 && ji < 0:
		return -1, markerNone
	case ji < 0 || (xi >= 0 && xi < ji):
		return xi, markerXML
	default:
		return ji, markerJSON
	}
}

// markerPrefixSuffix returns the longest suffix of input that is a proper
// prefix of either start marker.
func markerPrefixSuffix(input string) string {
	best := ""
	for _, marker := range []string{xmlStart, jsonStart} {
		max := len(marker) - 1
		if len(input) < max {
			max = len(input)
		}
		for l := max; l > len(best); l-- {
			if strings.HasSuffix(input, marker[:l]) {
				best = input[len(input)-l:]
				break
			}
		}
	}
	return best
}
