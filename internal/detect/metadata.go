package detect

import (
	"strings"

	"github.com/controledu/backend/internal/wire"
)

// keywordClasses is the fixed keyword-to-class table for the metadata
// rule. Keywords not present here still count as positives and collapse
// to UnknownAi.
var keywordClasses = map[string]wire.DetectionClass{
	"chatgpt":    wire.ClassChatGpt,
	"openai":     wire.ClassChatGpt,
	"claude":     wire.ClassClaude,
	"anthropic":  wire.ClassClaude,
	"gemini":     wire.ClassGemini,
	"bard":       wire.ClassGemini,
	"copilot":    wire.ClassCopilot,
	"perplexity": wire.ClassPerplexity,
	"deepseek":   wire.ClassDeepSeek,
	"poe.com":    wire.ClassPoe,
	"grok":       wire.ClassGrok,
	"qwen":       wire.ClassQwen,
	"mistral":    wire.ClassMistral,
	"le chat":    wire.ClassMistral,
	"meta.ai":    wire.ClassMetaAi,
}

// EvaluateMetadata is the stage-B rule: whitelist first, then keyword
// scan over the lower-cased process name, window title and URL hint.
func EvaluateMetadata(policy wire.DetectionPolicy, obs wire.DetectionObservation) wire.DetectionResult {
	haystack := strings.ToLower(
		obs.ActiveProcessName + " " + obs.ActiveWindowTitle + " " + obs.BrowserHintURL)

	for _, term := range policy.WhitelistKeywords {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(haystack, term) {
			return wire.DetectionResult{
				Class:             wire.ClassNone,
				StageSource:       wire.StageMetadataRule,
				Reason:            "Whitelist match",
				TriggeredKeywords: []string{},
			}
		}
	}

	var matched []string
	class := wire.ClassNone
	for _, kw := range policy.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || !strings.Contains(haystack, kw) {
			continue
		}
		matched = append(matched, kw)
		if class == wire.ClassNone {
			if c, ok := keywordClasses[kw]; ok {
				class = c
			}
		}
	}
	if len(matched) == 0 {
		return wire.DetectionResult{
			Class:             wire.ClassNone,
			StageSource:       wire.StageMetadataRule,
			Reason:            "No keyword match",
			TriggeredKeywords: []string{},
		}
	}
	if class == wire.ClassNone {
		class = wire.ClassUnknownAi
	}

	conf := 0.62 + 0.08*float64(len(matched))
	if conf > 0.98 {
		conf = 0.98
	}
	if strings.TrimSpace(obs.BrowserHintURL) != "" {
		conf += 0.08
	}
	if conf > 1 {
		conf = 1
	}

	return wire.DetectionResult{
		IsAiUiDetected:    true,
		Confidence:        conf,
		Class:             class,
		StageSource:       wire.StageMetadataRule,
		Reason:            "Keyword match: " + strings.Join(matched, ", "),
		TriggeredKeywords: matched,
	}
}
