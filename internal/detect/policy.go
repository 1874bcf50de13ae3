// Package detect implements the student-side on-screen-AI detection
// pipeline: a perceptual-hash frame filter, a metadata keyword rule,
// optional ML detectors and a temporal smoother that gates alerts.
package detect

import "github.com/controledu/backend/internal/wire"

// ProductionPolicy is the fixed policy the server hands to every agent.
// Server-side policy reads always return this value; persisted edits are
// ignored so a compromised UI cannot downgrade detection.
func ProductionPolicy() wire.DetectionPolicy {
	return wire.DetectionPolicy{
		Enabled:                   true,
		EvaluationIntervalSeconds: 5,
		FrameChangeThreshold:      3,
		MinRecheckIntervalSeconds: 120,
		MetadataThreshold:         0.60,
		MlThreshold:               0.70,
		TemporalWindowSize:        3,
		TemporalRequiredVotes:     2,
		CooldownSeconds:           10,
		Keywords: []string{
			"chatgpt", "openai", "claude", "anthropic", "gemini", "bard",
			"copilot", "perplexity", "deepseek", "poe.com", "grok",
			"qwen", "mistral", "le chat", "meta.ai",
		},
		WhitelistKeywords: nil,
		CollectFrames:     false,
		CollectMetadata:   false,
		ThumbnailWidth:    480,
		ThumbnailHeight:   270,
		PolicyVersion:     1,
	}
}
