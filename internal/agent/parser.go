package agent

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/KafClaw/taskclaw/internal/provider"
)

// Parsed is the structured reading of a model response.
type Parsed struct {
	Thinking string
	Reply    string
	Actions  []Action
	Dropped  []DroppedAction
	// Structured is false when the response carried no JSON envelope.
	Structured bool
}

// DroppedAction is an action that could not be decoded.
type DroppedAction struct {
	Type   string          `json:"type"`
	Reason string          `json:"reason"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

type envelope struct {
	Thinking string            `json:"thinking"`
	Reply    string            `json:"reply"`
	Actions  []json.RawMessage `json:"actions"`
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// ParseResponse reads the model output. thinking is reasoning content the
// provider returned separately; it is prepended to any thinking found in
// the text. Bad actions are dropped, never fatal.
func ParseResponse(raw, thinking string) Parsed {
	tagThinking, rest := provider.SplitThinking(raw)
	p := Parsed{}

	if env, ok := decodeEnvelope(rest); ok {
		p.Structured = true
		p.Reply = strings.TrimSpace(env.Reply)
		p.Thinking = joinNonEmpty(thinking, tagThinking, env.Thinking)
		for _, rawAction := range env.Actions {
			a, err := DecodeAction(rawAction)
			if err != nil {
				d := DroppedAction{Type: actionType(rawAction), Reason: err.Error(), Raw: rawAction}
				slog.Warn("Dropped unrecognized action", "type", d.Type, "reason", d.Reason)
				p.Dropped = append(p.Dropped, d)
				continue
			}
			p.Actions = append(p.Actions, a)
		}
		return p
	}

	p.Reply = strings.TrimSpace(rest)
	p.Thinking = joinNonEmpty(thinking, tagThinking)
	return p
}

func decodeEnvelope(text string) (envelope, bool) {
	candidate := extractJSON(text)
	if candidate == "" {
		return envelope{}, false
	}
	fields, ok := decodeObject(candidate)
	if !ok {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			return envelope{}, false
		}
		if fields, ok = decodeObject(repaired); !ok {
			return envelope{}, false
		}
		candidate = repaired
	}
	_, hasReply := fields["reply"]
	_, hasActions := fields["actions"]
	_, hasThinking := fields["thinking"]
	if !hasReply && !hasActions && !hasThinking {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		// Fields of the wrong shape: keep what decodes.
		if r, ok := fields["reply"]; ok {
			_ = json.Unmarshal(r, &env.Reply)
		}
		if t, ok := fields["thinking"]; ok {
			_ = json.Unmarshal(t, &env.Thinking)
		}
		if a, ok := fields["actions"]; ok {
			_ = json.Unmarshal(a, &env.Actions)
		}
	}
	return env, true
}

func decodeObject(s string) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// extractJSON returns the fenced block, or the text from the first '{' to
// the last '}'.
func extractJSON(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		// Truncated output; let the repair pass close it.
		return strings.TrimSpace(text[start:])
	}
	return strings.TrimSpace(text[start : end+1])
}

func actionType(raw json.RawMessage) string {
	var head struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if s, ok := head.Type.(string); ok {
		return s
	}
	return ""
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
