package detect

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// FrameDecision is the output of the frame-change filter.
type FrameDecision struct {
	Hash          string
	FrameChanged  bool
	ShouldAnalyze bool
}

// FrameFilter is the stage-A perceptual-hash gate. It keeps the last
// 64-bit average hash and skips re-analysis while the screen content is
// visually unchanged and the recheck interval has not elapsed.
type FrameFilter struct {
	threshold int
	recheck   time.Duration

	mu           sync.Mutex
	lastHash     uint64
	hasLast      bool
	lastRawSum   [32]byte
	hasRawSum    bool
	lastAnalyzed time.Time
}

// NewFrameFilter creates a filter with the given Hamming-distance
// threshold and minimum recheck interval.
func NewFrameFilter(frameChangeThreshold int, minRecheckInterval time.Duration) *FrameFilter {
	return &FrameFilter{threshold: frameChangeThreshold, recheck: minRecheckInterval}
}

// Evaluate classifies one frame. On a decoder error the previous hash is
// retained so a later valid frame stays comparable, and the frame is
// treated as changed.
func (f *FrameFilter) Evaluate(frame []byte, now time.Time) FrameDecision {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(frame) == 0 {
		return FrameDecision{Hash: f.hashHexLocked(), FrameChanged: true, ShouldAnalyze: true}
	}

	// Byte-identical frames short-circuit the decode entirely.
	rawSum := blake3.Sum256(frame)
	if f.hasRawSum && rawSum == f.lastRawSum && f.hasLast {
		due := now.Sub(f.lastAnalyzed) >= f.recheck
		if due {
			f.lastAnalyzed = now
		}
		return FrameDecision{Hash: f.hashHexLocked(), FrameChanged: false, ShouldAnalyze: due}
	}

	hash, err := averageHash(frame)
	if err != nil {
		return FrameDecision{Hash: f.hashHexLocked(), FrameChanged: true, ShouldAnalyze: true}
	}

	changed := !f.hasLast || bits.OnesCount64(hash^f.lastHash) > f.threshold
	due := now.Sub(f.lastAnalyzed) >= f.recheck
	analyze := changed || due

	f.lastRawSum = rawSum
	f.hasRawSum = true
	if analyze {
		f.lastHash = hash
		f.hasLast = true
		f.lastAnalyzed = now
		return FrameDecision{Hash: fmt.Sprintf("%016x", hash), FrameChanged: changed, ShouldAnalyze: true}
	}
	return FrameDecision{Hash: f.hashHexLocked(), FrameChanged: false, ShouldAnalyze: false}
}

func (f *FrameFilter) hashHexLocked() string {
	if !f.hasLast {
		return ""
	}
	return fmt.Sprintf("%016x", f.lastHash)
}

// averageHash downsamples the image to an 8x8 grayscale grid and sets
// bit i when cell i is at or above the mean gray level.
func averageHash(frame []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return 0, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0, fmt.Errorf("empty image bounds")
	}

	var cells [64]uint64
	var counts [64]uint64
	for y := 0; y < h; y++ {
		cy := y * 8 / h
		for x := 0; x < w; x++ {
			cx := x * 8 / w
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels.
			gray := (299*uint64(r) + 587*uint64(g) + 114*uint64(bl)) / 1000
			idx := cy*8 + cx
			cells[idx] += gray
			counts[idx]++
		}
	}

	var mean uint64
	for i := range cells {
		if counts[i] > 0 {
			cells[i] /= counts[i]
		}
		mean += cells[i]
	}
	mean /= 64

	var hash uint64
	for i := range cells {
		if cells[i] >= mean {
			hash |= 1 << uint(63-i)
		}
	}
	return hash, nil
}
