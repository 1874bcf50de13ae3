package detect

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/wire"
)

func makeJpeg(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg encode failed: %v", err)
	}
	return buf.Bytes()
}

func positive(conf float64, class wire.DetectionClass) wire.DetectionResult {
	return wire.DetectionResult{
		IsAiUiDetected: true, Confidence: conf, Class: class,
		StageSource: wire.StageMetadataRule, TriggeredKeywords: []string{},
	}
}

func TestSmoother_BecomesStable(t *testing.T) {
	s := NewTemporalSmoother(3, 2, 30*time.Second)
	t0 := time.Now()

	first := s.Observe(positive(0.85, wire.ClassChatGpt), t0)
	if first.Result.IsStable || first.ShouldEmit {
		t.Errorf("first vote: isStable=%v shouldEmit=%v, want false/false",
			first.Result.IsStable, first.ShouldEmit)
	}

	second := s.Observe(positive(0.90, wire.ClassChatGpt), t0.Add(time.Second))
	if !second.Result.IsStable || !second.Result.IsAiUiDetected || !second.ShouldEmit {
		t.Errorf("second vote: isStable=%v detected=%v shouldEmit=%v, want all true",
			second.Result.IsStable, second.Result.IsAiUiDetected, second.ShouldEmit)
	}
	want := (0.85 + 0.90) / 2
	if second.Result.Confidence != want {
		t.Errorf("stable confidence = %v, want %v", second.Result.Confidence, want)
	}
}

func TestSmoother_CooldownSuppression(t *testing.T) {
	s := NewTemporalSmoother(1, 1, 20*time.Second)
	t0 := time.Now()

	emits := []bool{
		s.Observe(positive(0.88, wire.ClassClaude), t0).ShouldEmit,
		s.Observe(positive(0.88, wire.ClassClaude), t0.Add(2*time.Second)).ShouldEmit,
		s.Observe(positive(0.88, wire.ClassClaude), t0.Add(25*time.Second)).ShouldEmit,
	}
	want := []bool{true, false, true}
	for i := range want {
		if emits[i] != want[i] {
			t.Errorf("observation %d: shouldEmit=%v, want %v", i, emits[i], want[i])
		}
	}
}

func TestSmoother_CooldownIsPerClass(t *testing.T) {
	s := NewTemporalSmoother(1, 1, time.Minute)
	t0 := time.Now()
	if !s.Observe(positive(0.9, wire.ClassChatGpt), t0).ShouldEmit {
		t.Fatal("first class did not emit")
	}
	if !s.Observe(positive(0.9, wire.ClassGemini), t0.Add(time.Second)).ShouldEmit {
		t.Error("different class suppressed by another class's cooldown")
	}
}

func TestSmoother_PluralityTieBreaks(t *testing.T) {
	s := NewTemporalSmoother(4, 2, 0)
	t0 := time.Now()
	s.Observe(positive(0.70, wire.ClassChatGpt), t0)
	s.Observe(positive(0.95, wire.ClassGemini), t0.Add(time.Second))
	d := s.Observe(positive(0.70, wire.ClassChatGpt), t0.Add(2*time.Second))
	// ChatGpt has two votes against Gemini's one.
	if d.Result.Class != wire.ClassChatGpt {
		t.Errorf("stable class = %s, want ChatGpt", d.Result.Class)
	}
}

func TestFrameFilter_UnchangedFrame(t *testing.T) {
	f := NewFrameFilter(2, 120*time.Second)
	frame := makeJpeg(t, color.RGBA{R: 200, G: 200, B: 200, A: 255})
	t0 := time.Now()

	first := f.Evaluate(frame, t0)
	if !first.ShouldAnalyze {
		t.Fatal("first frame must be analyzed")
	}
	hex16 := regexp.MustCompile(`^[0-9a-f]{16}$`)
	if !hex16.MatchString(first.Hash) {
		t.Fatalf("hash %q is not 16 hex chars", first.Hash)
	}

	second := f.Evaluate(frame, t0.Add(time.Second))
	if second.ShouldAnalyze || second.FrameChanged {
		t.Errorf("unchanged frame: shouldAnalyze=%v frameChanged=%v, want false/false",
			second.ShouldAnalyze, second.FrameChanged)
	}
	if second.Hash != first.Hash {
		t.Errorf("hash changed for identical frame: %s vs %s", second.Hash, first.Hash)
	}
}

func TestFrameFilter_RecheckInterval(t *testing.T) {
	f := NewFrameFilter(2, 10*time.Second)
	frame := makeJpeg(t, color.White)
	t0 := time.Now()
	f.Evaluate(frame, t0)
	if f.Evaluate(frame, t0.Add(time.Second)).ShouldAnalyze {
		t.Error("recheck fired early")
	}
	if !f.Evaluate(frame, t0.Add(11*time.Second)).ShouldAnalyze {
		t.Error("recheck interval did not force re-analysis")
	}
}

func TestFrameFilter_DecoderErrorKeepsHash(t *testing.T) {
	f := NewFrameFilter(2, time.Hour)
	frame := makeJpeg(t, color.Black)
	t0 := time.Now()
	first := f.Evaluate(frame, t0)

	garbage := f.Evaluate([]byte("not a jpeg"), t0.Add(time.Second))
	if !garbage.ShouldAnalyze || !garbage.FrameChanged {
		t.Error("undecodable frame must be treated as changed")
	}
	if garbage.Hash != first.Hash {
		t.Error("decoder error cleared the previous hash")
	}

	// A later identical valid frame stays comparable.
	again := f.Evaluate(frame, t0.Add(2*time.Second))
	if again.FrameChanged {
		t.Error("valid frame after decoder error no longer comparable")
	}
}

func TestFrameFilter_EmptyFrame(t *testing.T) {
	f := NewFrameFilter(2, time.Hour)
	d := f.Evaluate(nil, time.Now())
	if !d.ShouldAnalyze {
		t.Error("missing frame bytes must force analysis")
	}
}

func TestMetadata_KeywordInTitle(t *testing.T) {
	policy := ProductionPolicy()
	r := EvaluateMetadata(policy, wire.DetectionObservation{
		ActiveProcessName: "chrome",
		ActiveWindowTitle: "ChatGPT - Google Chrome",
	})
	if !r.IsAiUiDetected || r.Class != wire.ClassChatGpt || r.StageSource != wire.StageMetadataRule {
		t.Errorf("result = %+v, want ChatGpt positive from MetadataRule", r)
	}
	if r.Confidence < 0.62 || r.Confidence > 1 {
		t.Errorf("confidence %v out of range", r.Confidence)
	}
}

func TestMetadata_WhitelistWins(t *testing.T) {
	policy := ProductionPolicy()
	policy.WhitelistKeywords = []string{"internal-helpdesk.local"}
	r := EvaluateMetadata(policy, wire.DetectionObservation{
		ActiveWindowTitle: "ChatGPT - Google Chrome",
		BrowserHintURL:    "https://internal-helpdesk.local/tickets",
	})
	if r.IsAiUiDetected {
		t.Error("whitelist match must force a negative result")
	}
	if r.Reason != "Whitelist match" {
		t.Errorf("reason = %q", r.Reason)
	}
	if r.StageSource != wire.StageMetadataRule {
		t.Errorf("stage = %s", r.StageSource)
	}
}

func TestMetadata_UrlBonusAndClamp(t *testing.T) {
	policy := ProductionPolicy()
	noURL := EvaluateMetadata(policy, wire.DetectionObservation{ActiveWindowTitle: "claude"})
	withURL := EvaluateMetadata(policy, wire.DetectionObservation{
		ActiveWindowTitle: "claude", BrowserHintURL: "https://claude.ai",
	})
	if withURL.Confidence <= noURL.Confidence {
		t.Error("URL hint bonus not applied")
	}
	if withURL.Confidence > 1 {
		t.Errorf("confidence %v exceeds 1", withURL.Confidence)
	}
}

func TestMetadata_UnmappedKeywordCollapsesToUnknown(t *testing.T) {
	policy := ProductionPolicy()
	policy.Keywords = []string{"mysteryai"}
	r := EvaluateMetadata(policy, wire.DetectionObservation{ActiveWindowTitle: "MysteryAI studio"})
	if !r.IsAiUiDetected || r.Class != wire.ClassUnknownAi {
		t.Errorf("result = %+v, want UnknownAi positive", r)
	}
}

func TestMetadata_BardMapsToGemini(t *testing.T) {
	r := EvaluateMetadata(ProductionPolicy(), wire.DetectionObservation{ActiveWindowTitle: "Bard"})
	if r.Class != wire.ClassGemini {
		t.Errorf("class = %s, want Gemini", r.Class)
	}
}

type fakeSession struct {
	scores  []float32
	labels  []string
	version string
}

func (f fakeSession) Run(context.Context, []byte) ([]float32, error) { return f.scores, nil }
func (f fakeSession) Labels() []string                               { return f.labels }
func (f fakeSession) Version() string                                { return f.version }

// blockingSession parks until the call's context is cancelled.
type blockingSession struct{}

func (blockingSession) Run(ctx context.Context, _ []byte) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingSession) Labels() []string { return nil }
func (blockingSession) Version() string  { return "" }

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(path, []byte{0x08, 0x07, 0x12, 0x00}, 0o600); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return path
}

func TestDetector_MissingArtifactDisables(t *testing.T) {
	log := observability.NewTestLogger()
	d := NewBinaryDetector(filepath.Join(t.TempDir(), "nope.onnx"),
		fakeSession{scores: []float32{0.99}}, log)
	if d.Enabled() {
		t.Fatal("detector with missing artifact must be disabled")
	}
	if _, ok := d.Evaluate(context.Background(), wire.DetectionObservation{FrameBytes: []byte{1}}, 0.5); ok {
		t.Error("disabled detector contributed a result")
	}
}

func TestDetector_BinaryPositive(t *testing.T) {
	log := observability.NewTestLogger()
	d := NewBinaryDetector(writeArtifact(t), fakeSession{scores: []float32{0.91}, version: "v3"}, log)
	if !d.Enabled() {
		t.Fatal("detector should be enabled")
	}
	r, ok := d.Evaluate(context.Background(), wire.DetectionObservation{FrameBytes: []byte{1}}, 0.7)
	if !ok || !r.IsAiUiDetected || r.StageSource != wire.StageOnnxBinary {
		t.Errorf("result = %+v ok=%v", r, ok)
	}
	if r.ModelVersion != "v3" {
		t.Errorf("modelVersion = %q", r.ModelVersion)
	}
	if _, ok := d.Evaluate(context.Background(), wire.DetectionObservation{FrameBytes: []byte{1}}, 0.95); ok {
		t.Error("score below threshold accepted")
	}
}

func TestDetector_MulticlassLabelMapping(t *testing.T) {
	log := observability.NewTestLogger()
	d := NewMulticlassDetector(writeArtifact(t),
		fakeSession{scores: []float32{0.1, 9.0}, labels: []string{"None", "ChatGpt"}}, log)
	r, ok := d.Evaluate(context.Background(), wire.DetectionObservation{FrameBytes: []byte{1}}, 0.7)
	if !ok || r.Class != wire.ClassChatGpt || r.StageSource != wire.StageOnnxMulticlass {
		t.Errorf("result = %+v ok=%v", r, ok)
	}

	unmapped := NewMulticlassDetector(writeArtifact(t),
		fakeSession{scores: []float32{9.0, 0.1}, labels: []string{"Screensaver", "ChatGpt"}}, log)
	if _, ok := unmapped.Evaluate(context.Background(), wire.DetectionObservation{FrameBytes: []byte{1}}, 0.7); ok {
		t.Error("unmapped label must not contribute")
	}
}

func TestFuse_HighestConfidenceWinsAndMerges(t *testing.T) {
	policy := ProductionPolicy()
	meta := positive(0.75, wire.ClassChatGpt)
	meta.TriggeredKeywords = []string{"chatgpt"}
	ml := wire.DetectionResult{
		IsAiUiDetected: true, Confidence: 0.92, Class: wire.ClassChatGpt,
		StageSource: wire.StageOnnxBinary, TriggeredKeywords: []string{},
	}
	fused := Fuse(policy, meta, []wire.DetectionResult{ml})
	if fused.Confidence != 0.92 || fused.StageSource != wire.StageFused {
		t.Errorf("fused = %+v", fused)
	}
	if len(fused.TriggeredKeywords) != 1 || fused.TriggeredKeywords[0] != "chatgpt" {
		t.Errorf("merged keywords = %v", fused.TriggeredKeywords)
	}
}

func TestFuse_BelowThresholdIsNegative(t *testing.T) {
	policy := ProductionPolicy()
	meta := positive(policy.MetadataThreshold-0.01, wire.ClassChatGpt)
	fused := Fuse(policy, meta, nil)
	if fused.IsAiUiDetected {
		t.Error("below-threshold candidate accepted")
	}
}

func TestPipeline_ModelAbsentStillAnalyzes(t *testing.T) {
	log := observability.NewTestLogger()
	missing := NewBinaryDetector(filepath.Join(t.TempDir(), "gone.onnx"), nil, log)
	p := NewPipeline(ProductionPolicy(), []Detector{missing}, log)

	out := p.Analyze(context.Background(), wire.DetectionObservation{
		StudentID:         "s1",
		TimestampUtc:      time.Now(),
		ActiveWindowTitle: "Spreadsheet - LibreOffice",
		FrameBytes:        makeJpeg(t, color.White),
	}, time.Now())
	if out.ShouldEmit {
		t.Error("benign observation emitted an alert")
	}
	if out.Result.IsAiUiDetected {
		t.Error("benign observation detected")
	}
}

func TestPipeline_ReusesCachedResultForUnchangedFrame(t *testing.T) {
	log := observability.NewTestLogger()
	policy := ProductionPolicy()
	policy.TemporalWindowSize = 1
	policy.TemporalRequiredVotes = 1
	p := NewPipeline(policy, nil, log)

	frame := makeJpeg(t, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	obs := wire.DetectionObservation{ActiveWindowTitle: "ChatGPT", FrameBytes: frame}
	t0 := time.Now()

	first := p.Analyze(context.Background(), obs, t0)
	if !first.ShouldEmit {
		t.Fatal("first analysis should emit")
	}

	second := p.Analyze(context.Background(), obs, t0.Add(time.Second))
	if !second.Cached {
		t.Fatal("unchanged frame was re-analyzed")
	}
	if second.ShouldEmit {
		t.Error("cached decision emitted an alert")
	}
	if !strings.Contains(second.Result.Reason, "reused previous detection") {
		t.Errorf("reason = %q", second.Result.Reason)
	}
}

func TestPipeline_DisabledPolicy(t *testing.T) {
	policy := ProductionPolicy()
	policy.Enabled = false
	p := NewPipeline(policy, nil, observability.NewTestLogger())
	out := p.Analyze(context.Background(), wire.DetectionObservation{ActiveWindowTitle: "ChatGPT"}, time.Now())
	if out.Result.IsAiUiDetected || out.ShouldEmit {
		t.Error("disabled policy still detected")
	}
}

func TestDetector_CancelledContextUnblocksInference(t *testing.T) {
	log := observability.NewTestLogger()
	d := NewBinaryDetector(writeArtifact(t), blockingSession{}, log)
	if !d.Enabled() {
		t.Fatal("detector should be enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := d.Evaluate(ctx, wire.DetectionObservation{FrameBytes: []byte{1}}, 0.5); ok {
			t.Error("cancelled evaluation contributed a result")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Evaluate did not return after cancellation")
	}
}

func TestPipeline_CancelledContextSkipsDetectors(t *testing.T) {
	log := observability.NewTestLogger()
	d := NewBinaryDetector(writeArtifact(t), blockingSession{}, log)
	p := NewPipeline(ProductionPolicy(), []Detector{d}, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan Outcome, 1)
	go func() {
		done <- p.Analyze(ctx, wire.DetectionObservation{
			ActiveWindowTitle: "Spreadsheet - LibreOffice",
			FrameBytes:        makeJpeg(t, color.White),
		}, time.Now())
	}()
	select {
	case out := <-done:
		if out.Result.StageSource == wire.StageOnnxBinary {
			t.Errorf("stageSource = %s, want no ML contribution", out.Result.StageSource)
		}
	case <-time.After(time.Second):
		t.Fatal("Analyze blocked on a cancelled context")
	}
}
