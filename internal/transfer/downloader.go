package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/controledu/backend/internal/hashutil"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/wire"
)

// ErrFileHashMismatch means the assembled file did not match the
// manifest SHA-256.
var ErrFileHashMismatch = errors.New("assembled file hash mismatch")

// ChunkSource fetches missing-chunk sets and chunk bodies from the
// server. The hub client implements it over authenticated HTTP.
type ChunkSource interface {
	Missing(ctx context.Context, transferID string, existing []int) ([]int, error)
	Chunk(ctx context.Context, transferID string, index int) (body []byte, sha256 string, err error)
}

// Downloader pulls dispatched files chunk by chunk, resuming from the
// persisted TransferResumeState after restarts.
type Downloader struct {
	store  *storage.AgentStore
	source ChunkSource
	log    *observability.Logger
}

// NewDownloader creates a downloader persisting resume state in store.
func NewDownloader(store *storage.AgentStore, source ChunkSource, log *observability.Logger) *Downloader {
	return &Downloader{store: store, source: source, log: log.WithComponent("transfer")}
}

// Run downloads one manifest into destDir, reporting progress after
// every chunk. The partial file is promoted to its final name only when
// every chunk is present and the whole-file hash matches.
func (d *Downloader) Run(ctx context.Context, clientID string, manifest wire.FileTransferManifest,
	destDir string, report func(wire.FileProgress)) error {
	if report == nil {
		report = func(wire.FileProgress) {}
	}
	log := d.log.WithTransfer(manifest.TransferID)

	state, err := d.store.LoadResume(manifest.TransferID)
	if errors.Is(err, storage.ErrResumeNotFound) {
		state = &storage.TransferResumeState{
			TransferID:      manifest.TransferID,
			FileName:        manifest.FileName,
			Sha256:          strings.ToUpper(manifest.Sha256),
			ChunkSize:       manifest.ChunkSize,
			TotalChunks:     manifest.TotalChunks,
			PartialFilePath: filepath.Join(destDir, manifest.FileName+".partial"),
		}
	} else if err != nil {
		return err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	partial, err := os.OpenFile(state.PartialFilePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer partial.Close()

	tracker := hashutil.NewResumeTrackerFrom(state.TotalChunks, state.CompletedChunkIndexes)

	missing, err := d.source.Missing(ctx, manifest.TransferID, tracker.GetCompletedChunks())
	if err != nil {
		return fmt.Errorf("failed to query missing chunks: %w", err)
	}

	for _, index := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, sha, err := d.source.Chunk(ctx, manifest.TransferID, index)
		if err != nil {
			d.reportError(report, clientID, state, tracker, err)
			return fmt.Errorf("failed to fetch chunk %d: %w", index, err)
		}
		if !strings.EqualFold(hashutil.Sha256Hex(body), sha) {
			d.reportError(report, clientID, state, tracker, ErrChunkHashMismatch)
			return ErrChunkHashMismatch
		}
		offset := int64(index) * int64(state.ChunkSize)
		if _, err := partial.WriteAt(body, offset); err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", index, err)
		}
		if err := tracker.MarkCompleted(index); err != nil {
			continue
		}

		state.CompletedChunkIndexes = tracker.GetCompletedChunks()
		if err := d.store.SaveResume(state); err != nil {
			return err
		}
		report(d.progress(clientID, state, tracker, false, ""))
	}

	if !tracker.IsComplete() {
		// Server did not have everything yet; a later run resumes.
		log.Info(fmt.Sprintf("download paused at %d/%d chunks",
			tracker.CompletedCount(), tracker.TotalChunks()))
		return nil
	}

	if err := partial.Sync(); err != nil {
		return fmt.Errorf("failed to sync partial file: %w", err)
	}
	if err := d.verifyWholeFile(state); err != nil {
		d.reportError(report, clientID, state, tracker, err)
		return err
	}

	final := filepath.Join(destDir, manifest.FileName)
	if err := os.Rename(state.PartialFilePath, final); err != nil {
		return fmt.Errorf("failed to promote file: %w", err)
	}
	if err := d.store.DeleteResume(manifest.TransferID); err != nil {
		return err
	}
	log.Info(fmt.Sprintf("download complete: %s", final))
	report(d.progress(clientID, state, tracker, true, ""))
	return nil
}

func (d *Downloader) verifyWholeFile(state *storage.TransferResumeState) error {
	f, err := os.Open(state.PartialFilePath)
	if err != nil {
		return fmt.Errorf("failed to open assembled file: %w", err)
	}
	defer f.Close()
	sum, err := hashutil.Sha256HexReader(f)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, state.Sha256) {
		return ErrFileHashMismatch
	}
	return nil
}

func (d *Downloader) progress(clientID string, state *storage.TransferResumeState,
	tracker *hashutil.ResumeTracker, completed bool, errText string) wire.FileProgress {
	return wire.FileProgress{
		ClientID:        clientID,
		TransferID:      state.TransferID,
		CompletedChunks: tracker.CompletedCount(),
		TotalChunks:     tracker.TotalChunks(),
		Completed:       completed,
		Error:           errText,
		TimestampUtc:    time.Now().UTC(),
	}
}

func (d *Downloader) reportError(report func(wire.FileProgress), clientID string,
	state *storage.TransferResumeState, tracker *hashutil.ResumeTracker, err error) {
	report(d.progress(clientID, state, tracker, false, err.Error()))
}
