package detect

import (
	"context"
	"sync"
	"time"

	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/wire"
)

const reusedReason = "Frame unchanged; reused previous detection"

// Outcome is the pipeline verdict for one observation.
type Outcome struct {
	Result       wire.DetectionResult
	ShouldEmit   bool
	Cached       bool
	FrameHash    string
	FrameChanged bool
}

// Pipeline runs the four detection stages in order. It is owned by the
// agent loop; Analyze is safe for concurrent use but is expected to be
// called from a single goroutine.
type Pipeline struct {
	log *observability.Logger

	mu        sync.Mutex
	policy    wire.DetectionPolicy
	filter    *FrameFilter
	detectors []Detector
	smoother  *TemporalSmoother
	lastFused wire.DetectionResult
	haveFused bool
}

// NewPipeline builds a pipeline from a policy and optional ML detectors.
func NewPipeline(policy wire.DetectionPolicy, detectors []Detector, log *observability.Logger) *Pipeline {
	return &Pipeline{
		log:       log.WithComponent("detect"),
		policy:    policy,
		filter:    NewFrameFilter(policy.FrameChangeThreshold, time.Duration(policy.MinRecheckIntervalSeconds)*time.Second),
		detectors: detectors,
		smoother: NewTemporalSmoother(policy.TemporalWindowSize, policy.TemporalRequiredVotes,
			time.Duration(policy.CooldownSeconds)*time.Second),
	}
}

// SetPolicy swaps the active policy. Temporal or frame-filter parameter
// changes rebuild the affected stage.
func (p *Pipeline) SetPolicy(policy wire.DetectionPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.policy
	p.policy = policy
	if old.FrameChangeThreshold != policy.FrameChangeThreshold ||
		old.MinRecheckIntervalSeconds != policy.MinRecheckIntervalSeconds {
		p.filter = NewFrameFilter(policy.FrameChangeThreshold,
			time.Duration(policy.MinRecheckIntervalSeconds)*time.Second)
	}
	if old.TemporalWindowSize != policy.TemporalWindowSize ||
		old.TemporalRequiredVotes != policy.TemporalRequiredVotes ||
		old.CooldownSeconds != policy.CooldownSeconds {
		p.smoother.Configure(policy.TemporalWindowSize, policy.TemporalRequiredVotes,
			time.Duration(policy.CooldownSeconds)*time.Second)
	}
}

// Policy returns the active policy.
func (p *Pipeline) Policy() wire.DetectionPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Analyze runs one observation through all stages. It never fails; a
// degraded stage simply contributes nothing. Cancelling ctx skips any
// remaining ML detectors.
func (p *Pipeline) Analyze(ctx context.Context, obs wire.DetectionObservation, now time.Time) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.policy.Enabled {
		return Outcome{Result: wire.DetectionResult{
			Class:             wire.ClassNone,
			Reason:            "Detection disabled by policy",
			TriggeredKeywords: []string{},
		}}
	}

	frame := p.filter.Evaluate(obs.FrameBytes, now)

	if !frame.ShouldAnalyze && p.haveFused {
		reused := p.lastFused
		reused.Reason = reusedReason
		decision := p.smoother.Observe(reused, now)
		return Outcome{
			Result:       decision.Result,
			ShouldEmit:   false,
			Cached:       true,
			FrameHash:    frame.Hash,
			FrameChanged: frame.FrameChanged,
		}
	}

	metadata := EvaluateMetadata(p.policy, obs)

	var ml []wire.DetectionResult
	for _, d := range p.detectors {
		if ctx.Err() != nil {
			break
		}
		if r, ok := d.Evaluate(ctx, obs, p.policy.MlThreshold); ok {
			ml = append(ml, r)
		}
	}

	fused := Fuse(p.policy, metadata, ml)
	p.lastFused = fused
	p.haveFused = true

	decision := p.smoother.Observe(fused, now)
	return Outcome{
		Result:       decision.Result,
		ShouldEmit:   decision.ShouldEmit,
		FrameHash:    frame.Hash,
		FrameChanged: frame.FrameChanged,
	}
}
