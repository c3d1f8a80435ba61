package provider

import (
	"regexp"
	"strings"
)

// IsReasoningModel reports whether model belongs to a family that rejects
// system prompts and temperature: o1/o3/o4, deepseek-reasoner, r1 and
// "thinking" variants. A "provider/" prefix is ignored.
func IsReasoningModel(model string) bool {
	_, name := ParseModelString(model)
	name = strings.ToLower(name)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return strings.HasSuffix(name, "-reasoner") ||
		strings.Contains(name, "-r1") || strings.HasPrefix(name, "r1") ||
		strings.Contains(name, "thinking")
}

// MergeSystemPrompt folds system messages into the first user message for
// models that do not accept the system role.
func MergeSystemPrompt(msgs []Message) []Message {
	var system []string
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out = append(out, m)
	}
	if len(system) == 0 {
		return msgs
	}
	prefix := strings.Join(system, "\n\n")
	for i := range out {
		if out[i].Role == "user" {
			out[i].Content = prefix + "\n\n" + out[i].Content
			return out
		}
	}
	return append([]Message{{Role: "user", Content: prefix}}, out...)
}

var thinkBlock = regexp.MustCompile(`(?is)<(think|thinking)>(.*?)</(?:think|thinking)>`)

// SplitThinking removes <think>/<thinking> blocks from content and returns
// their joined text separately.
func SplitThinking(content string) (thinking, rest string) {
	matches := thinkBlock.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return "", content
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if t := strings.TrimSpace(m[2]); t != "" {
			parts = append(parts, t)
		}
	}
	rest = strings.TrimSpace(thinkBlock.ReplaceAllString(content, ""))
	return strings.Join(parts, "\n"), rest
}
