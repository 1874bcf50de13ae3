package detect

import (
	"sort"

	"github.com/controledu/backend/internal/wire"
)

// Fuse combines the stage-B and stage-C outputs into a single raw
// result. Candidates below their stage threshold are rejected; among
// the accepted ones the highest confidence wins and triggered-keyword
// sets are merged. No accepted candidate yields a negative result.
func Fuse(policy wire.DetectionPolicy, metadata wire.DetectionResult, ml []wire.DetectionResult) wire.DetectionResult {
	var accepted []wire.DetectionResult
	if metadata.IsAiUiDetected && metadata.Confidence >= policy.MetadataThreshold {
		accepted = append(accepted, metadata)
	}
	for _, r := range ml {
		if r.IsAiUiDetected && r.Confidence >= policy.MlThreshold {
			accepted = append(accepted, r)
		}
	}

	if len(accepted) == 0 {
		reason := metadata.Reason
		if reason == "" {
			reason = "No stage produced a detection"
		}
		return wire.DetectionResult{
			Class:             wire.ClassNone,
			StageSource:       metadata.StageSource,
			Reason:            reason,
			TriggeredKeywords: []string{},
		}
	}

	best := accepted[0]
	for _, r := range accepted[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}

	fused := best
	fused.TriggeredKeywords = mergeKeywords(accepted)
	if len(accepted) > 1 {
		fused.StageSource = wire.StageFused
	}
	return fused
}

func mergeKeywords(results []wire.DetectionResult) []string {
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, kw := range r.TriggeredKeywords {
			seen[kw] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for kw := range seen {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}
