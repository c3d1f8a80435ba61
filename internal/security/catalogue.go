package security

import "regexp"

// DefaultCatalogue returns the built-in injection patterns.
func DefaultCatalogue() []Pattern {
	return []Pattern{
		{
			Name:     "ignore_previous",
			Category: CategoryInstructionOverride,
			Re:       regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget|override|skip)\b[^.\n]{0,40}\b(?:previous|prior|above|earlier|preceding|all|your|the)\b[^.\n]{0,20}\b(?:instructions?|prompts?|rules|directives|guidelines|context)\b`),
		},
		{
			Name:     "new_instructions",
			Category: CategoryInstructionOverride,
			Re:       regexp.MustCompile(`(?i)\b(?:new|updated|real|actual)\s+instructions?\s*(?::|follow\b)`),
		},
		{
			Name:     "role_reassignment",
			Category: CategorySystemOverride,
			Re:       regexp.MustCompile(`(?i)\byou\s+are\s+(?:now|no\s+longer)\b`),
		},
		{
			Name:     "system_prompt_extraction",
			Category: CategorySystemOverride,
			Re:       regexp.MustCompile(`(?i)\b(?:reveal|print|show|repeat|output|leak|dump)\b[^.\n]{0,30}\b(?:system|hidden|initial|original)\s+(?:prompt|instructions?|message)\b`),
		},
		{
			Name:     "system_prompt_change",
			Category: CategorySystemOverride,
			Re:       regexp.MustCompile(`(?i)\b(?:change|modify|alter|rewrite|replace)\b[^.\n]{0,20}\b(?:system\s+prompt|your\s+(?:rules|instructions|programming|behaviou?r))\b`),
		},
		{
			Name:     "mode_switch",
			Category: CategorySystemOverride,
			Re:       regexp.MustCompile(`(?i)\b(?:developer|jailbreak|god|dan|unrestricted)\s+mode\b`),
		},
		{
			Name:     "credential_request",
			Category: CategoryCredentialExfiltration,
			Re:       regexp.MustCompile(`(?i)\b(?:print|send|show|reveal|give|tell|leak|post|email|exfiltrate|dump|share|output)\b[^.\n]{0,40}\b(?:api[\s_-]?keys?|access[\s_-]?tokens?|auth[\s_-]?tokens?|secret[\s_-]?keys?|credentials?|passwords?|private[\s_-]?keys?)\b`),
		},
		{
			Name:     "environment_dump",
			Category: CategoryCredentialExfiltration,
			Re:       regexp.MustCompile(`(?i)\b(?:print|dump|send|reveal|cat|echo)\b[^.\n]{0,30}(?:\benvironment\s+variables\b|\.env\b|\bprintenv\b|\$\{?[A-Z_]*(?:KEY|TOKEN|SECRET)\b)`),
		},
		{
			Name:     "chat_template_tokens",
			Category: CategoryDelimiterInjection,
			Re:       regexp.MustCompile(`(?i)<\|(?:im_start|im_end|system|endoftext)\|>|\[/?INST\]|<</?SYS>>`),
		},
		{
			Name:     "fake_role_header",
			Category: CategoryDelimiterInjection,
			Re:       regexp.MustCompile(`(?im)^\s*(?:#{2,}\s*)?(?:system|assistant)\s*:\s*\S|</?system>`),
		},
	}
}
