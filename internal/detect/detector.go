package detect

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/wire"
)

// inferenceTimeout bounds a single model invocation.
const inferenceTimeout = 2 * time.Second

// Detector is one stage-C classifier. A disabled detector contributes
// nothing; callers never need to special-case it.
type Detector interface {
	Name() string
	Enabled() bool
	// Evaluate scores one observation. ok is false when the detector is
	// disabled, the context was cancelled, or no usable score was produced.
	Evaluate(ctx context.Context, obs wire.DetectionObservation, threshold float64) (result wire.DetectionResult, ok bool)
}

// InferenceSession runs a loaded model over raw frame bytes. Platform
// builds bind a real runtime; tests inject fakes. Run must honor ctx.
type InferenceSession interface {
	Run(ctx context.Context, frame []byte) ([]float32, error)
	Labels() []string
	Version() string
}

type onnxDetector struct {
	name       string
	multiclass bool
	session    InferenceSession
	enabled    bool
	log        *observability.Logger
}

// NewBinaryDetector builds the binary AI-UI classifier from a model
// artifact. Any load failure disables the detector silently instead of
// failing agent startup.
func NewBinaryDetector(artifactPath string, session InferenceSession, log *observability.Logger) Detector {
	return newOnnxDetector("onnx-binary", false, artifactPath, session, log)
}

// NewMulticlassDetector builds the per-assistant classifier. Degrades
// the same way as the binary detector.
func NewMulticlassDetector(artifactPath string, session InferenceSession, log *observability.Logger) Detector {
	return newOnnxDetector("onnx-multiclass", true, artifactPath, session, log)
}

func newOnnxDetector(name string, multiclass bool, artifactPath string,
	session InferenceSession, log *observability.Logger) Detector {
	d := &onnxDetector{name: name, multiclass: multiclass, session: session,
		log: log.WithComponent("detect").WithField("detector", name)}
	if err := validateArtifact(artifactPath); err != nil {
		d.log.Warn(fmt.Sprintf("model artifact unusable, detector disabled: %v", err))
		return d
	}
	if session == nil {
		d.log.Warn("no inference runtime bound, detector disabled")
		return d
	}
	d.enabled = true
	return d
}

func validateArtifact(path string) error {
	if path == "" {
		return fmt.Errorf("no artifact path configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat model artifact: %w", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("model artifact is empty")
	}
	return nil
}

func (d *onnxDetector) Name() string  { return d.name }
func (d *onnxDetector) Enabled() bool { return d.enabled }

func (d *onnxDetector) Evaluate(ctx context.Context, obs wire.DetectionObservation, threshold float64) (wire.DetectionResult, bool) {
	if !d.enabled || len(obs.FrameBytes) == 0 || ctx.Err() != nil {
		return wire.DetectionResult{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, inferenceTimeout)
	defer cancel()
	scores, err := d.session.Run(ctx, obs.FrameBytes)
	if err != nil || len(scores) == 0 {
		if err != nil {
			d.log.Debug(fmt.Sprintf("inference failed: %v", err))
		}
		return wire.DetectionResult{}, false
	}
	if d.multiclass {
		return d.evaluateMulticlass(scores, threshold)
	}
	return d.evaluateBinary(scores, threshold)
}

// evaluateBinary accepts either a single sigmoid output or a 2-class
// softmax pair.
func (d *onnxDetector) evaluateBinary(scores []float32, threshold float64) (wire.DetectionResult, bool) {
	var p float64
	switch len(scores) {
	case 1:
		p = float64(scores[0])
	default:
		p = softmax(scores)[1]
	}
	if p < threshold {
		return wire.DetectionResult{}, false
	}
	return wire.DetectionResult{
		IsAiUiDetected:    true,
		Confidence:        clamp01(p),
		Class:             wire.ClassUnknownAi,
		StageSource:       wire.StageOnnxBinary,
		Reason:            "Binary classifier positive",
		ModelVersion:      d.session.Version(),
		TriggeredKeywords: []string{},
	}, true
}

func (d *onnxDetector) evaluateMulticlass(scores []float32, threshold float64) (wire.DetectionResult, bool) {
	labels := d.session.Labels()
	probs := softmax(scores)
	best, bestP := -1, 0.0
	for i, p := range probs {
		if p > bestP {
			best, bestP = i, p
		}
	}
	if best < 0 || bestP < threshold || best >= len(labels) {
		return wire.DetectionResult{}, false
	}
	class, known := labelClass(labels[best])
	if !known {
		return wire.DetectionResult{}, false
	}
	return wire.DetectionResult{
		IsAiUiDetected:    true,
		Confidence:        clamp01(bestP),
		Class:             class,
		StageSource:       wire.StageOnnxMulticlass,
		Reason:            "Multiclass classifier: " + labels[best],
		ModelVersion:      d.session.Version(),
		TriggeredKeywords: []string{},
	}, true
}

// labelClass maps a model vocabulary label onto a detection class.
func labelClass(label string) (wire.DetectionClass, bool) {
	switch wire.DetectionClass(strings.TrimSpace(label)) {
	case wire.ClassChatGpt, wire.ClassClaude, wire.ClassGemini, wire.ClassCopilot,
		wire.ClassPerplexity, wire.ClassDeepSeek, wire.ClassPoe, wire.ClassGrok,
		wire.ClassQwen, wire.ClassMistral, wire.ClassMetaAi, wire.ClassUnknownAi:
		return wire.DetectionClass(strings.TrimSpace(label)), true
	}
	if c, ok := keywordClasses[strings.ToLower(strings.TrimSpace(label))]; ok {
		return c, true
	}
	return wire.ClassNone, false
}

func softmax(scores []float32) []float64 {
	max := float64(scores[0])
	for _, s := range scores[1:] {
		if float64(s) > max {
			max = float64(s)
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(float64(s) - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
