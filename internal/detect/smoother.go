package detect

import (
	"sync"
	"time"

	"github.com/controledu/backend/internal/wire"
)

// Decision is the smoothed verdict for one observation.
type Decision struct {
	Result     wire.DetectionResult
	ShouldEmit bool
	Cached     bool
}

type smootherEntry struct {
	result wire.DetectionResult
	at     time.Time
}

// TemporalSmoother votes over a sliding window of raw fused results and
// rate-limits alert emission per class.
type TemporalSmoother struct {
	mu            sync.Mutex
	window        int
	requiredVotes int
	cooldown      time.Duration
	entries       []smootherEntry
	lastEmit      map[wire.DetectionClass]time.Time
}

// NewTemporalSmoother creates a smoother. Window and vote counts below
// one are raised to one.
func NewTemporalSmoother(window, requiredVotes int, cooldown time.Duration) *TemporalSmoother {
	s := &TemporalSmoother{lastEmit: make(map[wire.DetectionClass]time.Time)}
	s.configure(window, requiredVotes, cooldown)
	return s
}

// Configure replaces the temporal parameters and resets the window.
func (s *TemporalSmoother) Configure(window, requiredVotes int, cooldown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configure(window, requiredVotes, cooldown)
	s.entries = nil
}

func (s *TemporalSmoother) configure(window, requiredVotes int, cooldown time.Duration) {
	if window < 1 {
		window = 1
	}
	if requiredVotes < 1 {
		requiredVotes = 1
	}
	s.window = window
	s.requiredVotes = requiredVotes
	s.cooldown = cooldown
}

// Observe pushes one raw result through the voter. A stable positive
// inside the per-class cooldown is still reported stable but does not
// emit a new alert.
func (s *TemporalSmoother) Observe(raw wire.DetectionResult, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, smootherEntry{result: raw, at: now})
	if len(s.entries) > s.window {
		s.entries = s.entries[len(s.entries)-s.window:]
	}

	var positives []smootherEntry
	for _, e := range s.entries {
		if e.result.IsAiUiDetected {
			positives = append(positives, e)
		}
	}
	if len(positives) < s.requiredVotes {
		out := raw
		out.IsStable = false
		return Decision{Result: out}
	}

	class := pluralityClass(positives)
	var sum float64
	for _, e := range positives {
		sum += e.result.Confidence
	}

	stable := raw
	stable.IsAiUiDetected = true
	stable.IsStable = true
	stable.Class = class
	stable.Confidence = clamp01(sum / float64(len(positives)))
	for i := len(positives) - 1; i >= 0; i-- {
		if positives[i].result.Class == class {
			stable.StageSource = positives[i].result.StageSource
			stable.Reason = positives[i].result.Reason
			break
		}
	}

	last, seen := s.lastEmit[class]
	if seen && now.Sub(last) < s.cooldown {
		return Decision{Result: stable}
	}
	s.lastEmit[class] = now
	return Decision{Result: stable, ShouldEmit: true}
}

// pluralityClass picks the most frequent positive class; ties break by
// higher max confidence, then by most recent occurrence.
func pluralityClass(positives []smootherEntry) wire.DetectionClass {
	type tally struct {
		count   int
		maxConf float64
		lastIdx int
	}
	tallies := make(map[wire.DetectionClass]*tally)
	for i, e := range positives {
		t := tallies[e.result.Class]
		if t == nil {
			t = &tally{}
			tallies[e.result.Class] = t
		}
		t.count++
		if e.result.Confidence > t.maxConf {
			t.maxConf = e.result.Confidence
		}
		t.lastIdx = i
	}

	var best wire.DetectionClass
	var bestT *tally
	for c, t := range tallies {
		if bestT == nil {
			best, bestT = c, t
			continue
		}
		switch {
		case t.count > bestT.count:
			best, bestT = c, t
		case t.count == bestT.count && t.maxConf > bestT.maxConf:
			best, bestT = c, t
		case t.count == bestT.count && t.maxConf == bestT.maxConf && t.lastIdx > bestT.lastIdx:
			best, bestT = c, t
		}
	}
	return best
}
