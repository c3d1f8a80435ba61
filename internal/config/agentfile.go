package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentFile is a YAML document declaring agents for `taskclaw agent import`.
//
//	agents:
//	  - slug: researcher
//	    name: Researcher
//	    owner: alice
//	    model: openai/gpt-4o-mini
//	    schedule: {mode: cron, cron: "*/15 * * * *"}
type AgentFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec is one agent definition.
type AgentSpec struct {
	Slug               string       `yaml:"slug"`
	Name               string       `yaml:"name"`
	Owner              string       `yaml:"owner"`
	SystemPrompt       string       `yaml:"systemPrompt"`
	Model              string       `yaml:"model"`
	MonthlyTokenBudget int          `yaml:"monthlyTokenBudget"`
	Schedule           ScheduleSpec `yaml:"schedule"`
	Thinking           ThinkingSpec `yaml:"thinking"`
	A2A                A2AAgentSpec `yaml:"a2a"`
}

// ScheduleSpec selects when the scheduler considers the agent.
type ScheduleSpec struct {
	Mode string `yaml:"mode"`
	Cron string `yaml:"cron"`
}

// ThinkingSpec seeds the agent's thinking state.
type ThinkingSpec struct {
	Enabled bool   `yaml:"enabled"`
	Goal    string `yaml:"goal"`
}

// A2AAgentSpec mirrors the agent's A2A settings.
type A2AAgentSpec struct {
	Enabled           bool `yaml:"enabled"`
	AllowPublicAgents bool `yaml:"allowPublicAgents"`
	AutoRespond       bool `yaml:"autoRespond"`
	MaxAutoReplyHops  int  `yaml:"maxAutoReplyHops"`
}

// LoadAgentFile reads and validates an agent definition file.
func LoadAgentFile(path string) (*AgentFile, error) {
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}
	return ParseAgentFile(data)
}

// ParseAgentFile decodes YAML agent definitions. Unknown keys are rejected.
func ParseAgentFile(data []byte) (*AgentFile, error) {
	var f AgentFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse agent file: %w", err)
	}
	seen := map[string]bool{}
	for i, a := range f.Agents {
		if strings.TrimSpace(a.Slug) == "" {
			return nil, fmt.Errorf("agent %d: slug is required", i)
		}
		if seen[a.Slug] {
			return nil, fmt.Errorf("agent %q declared twice", a.Slug)
		}
		seen[a.Slug] = true
		switch a.Schedule.Mode {
		case "", "manual", "auto":
		case "cron":
			if strings.TrimSpace(a.Schedule.Cron) == "" {
				return nil, fmt.Errorf("agent %q: cron schedule needs an expression", a.Slug)
			}
		default:
			return nil, fmt.Errorf("agent %q: unknown schedule mode %q", a.Slug, a.Schedule.Mode)
		}
		if a.A2A.MaxAutoReplyHops < 0 {
			return nil, fmt.Errorf("agent %q: maxAutoReplyHops must not be negative", a.Slug)
		}
	}
	return &f, nil
}
