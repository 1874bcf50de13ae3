package wire

import "time"

// DetectionClass identifies which AI assistant UI was detected.
// Values round-trip by name through JSON.
type DetectionClass string

const (
	ClassNone       DetectionClass = "None"
	ClassChatGpt    DetectionClass = "ChatGpt"
	ClassClaude     DetectionClass = "Claude"
	ClassGemini     DetectionClass = "Gemini"
	ClassCopilot    DetectionClass = "Copilot"
	ClassPerplexity DetectionClass = "Perplexity"
	ClassDeepSeek   DetectionClass = "DeepSeek"
	ClassPoe        DetectionClass = "Poe"
	ClassGrok       DetectionClass = "Grok"
	ClassQwen       DetectionClass = "Qwen"
	ClassMistral    DetectionClass = "Mistral"
	ClassMetaAi     DetectionClass = "MetaAi"
	ClassUnknownAi  DetectionClass = "UnknownAi"
)

// StageSource identifies which pipeline stage produced a result.
type StageSource string

const (
	StageNone           StageSource = "None"
	StageMetadataRule   StageSource = "MetadataRule"
	StageOnnxBinary     StageSource = "OnnxBinary"
	StageOnnxMulticlass StageSource = "OnnxMulticlass"
	StageFused          StageSource = "Fused"
)

// DetectionPolicy is the effective detection configuration for a student.
type DetectionPolicy struct {
	Enabled                   bool     `json:"enabled"`
	EvaluationIntervalSeconds int      `json:"evaluationIntervalSeconds"`
	FrameChangeThreshold      int      `json:"frameChangeThreshold"`
	MinRecheckIntervalSeconds int      `json:"minRecheckIntervalSeconds"`
	MetadataThreshold         float64  `json:"metadataThreshold"`
	MlThreshold               float64  `json:"mlThreshold"`
	TemporalWindowSize        int      `json:"temporalWindowSize"`
	TemporalRequiredVotes     int      `json:"temporalRequiredVotes"`
	CooldownSeconds           int      `json:"cooldownSeconds"`
	Keywords                  []string `json:"keywords"`
	WhitelistKeywords         []string `json:"whitelistKeywords"`
	CollectFrames             bool     `json:"collectFrames"`
	CollectMetadata           bool     `json:"collectMetadata"`
	ThumbnailWidth            int      `json:"thumbnailWidth"`
	ThumbnailHeight           int      `json:"thumbnailHeight"`
	PolicyVersion             int      `json:"policyVersion"`
}

// DetectionObservation is one input sample to the detection pipeline.
type DetectionObservation struct {
	StudentID         string    `json:"studentId"`
	TimestampUtc      time.Time `json:"timestampUtc"`
	ScreenFrameHash   string    `json:"screenFrameHash,omitempty"`
	FrameChanged      bool      `json:"frameChanged"`
	ActiveProcessName string    `json:"activeProcessName,omitempty"`
	ActiveWindowTitle string    `json:"activeWindowTitle,omitempty"`
	BrowserHintURL    string    `json:"browserHintUrl,omitempty"`
	FrameBytes        []byte    `json:"frameBytes,omitempty"`
	ThumbnailBytes    []byte    `json:"thumbnailBytes,omitempty"`
}

// DetectionResult is the output of the pipeline for one observation.
type DetectionResult struct {
	IsAiUiDetected    bool           `json:"isAiUiDetected"`
	Confidence        float64        `json:"confidence"`
	Class             DetectionClass `json:"class"`
	StageSource       StageSource    `json:"stageSource"`
	Reason            string         `json:"reason"`
	ModelVersion      string         `json:"modelVersion,omitempty"`
	TriggeredKeywords []string       `json:"triggeredKeywords"`
	IsStable          bool           `json:"isStable"`
}

// AlertEvent is a stable detection surfaced to the teacher.
type AlertEvent struct {
	DetectionResult

	EventID            string    `json:"eventId"`
	StudentID          string    `json:"studentId"`
	StudentDisplayName string    `json:"studentDisplayName"`
	TimestampUtc       time.Time `json:"timestampUtc"`
	Thumbnail          []byte    `json:"thumbnail,omitempty"`
}
