// Package transfer implements chunked resumable file transfer: the
// server-side upload/dispatch coordinator and the student-side
// downloader with resume.
package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/controledu/backend/internal/hashutil"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/validation"
	"github.com/controledu/backend/internal/wire"
)

var (
	// ErrChunkHashMismatch means the body did not match X-Chunk-Sha256.
	ErrChunkHashMismatch = errors.New("chunk hash mismatch")
	// ErrChunkOutOfRange means the chunk index is outside [0, totalChunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrTransferIncomplete means dispatch was attempted before every
	// chunk was uploaded.
	ErrTransferIncomplete = errors.New("transfer is not fully uploaded")
	// ErrChunkNotFound means the requested chunk is not stored.
	ErrChunkNotFound = errors.New("chunk not stored")
)

// InitUploadRequest starts a new server-side upload.
type InitUploadRequest struct {
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	Sha256     string `json:"sha256"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
	UploadedBy string `json:"uploadedBy,omitempty"`
}

// Coordinator owns server-side transfers: chunk storage on disk, the
// durable manifest row and dispatch gating. Per-transfer mutations are
// serialized behind a per-transfer lock.
type Coordinator struct {
	store   *storage.Store
	baseDir string
	metrics *observability.Metrics
	log     *observability.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator creates a coordinator storing chunks under baseDir.
func NewCoordinator(store *storage.Store, baseDir string, metrics *observability.Metrics,
	log *observability.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		baseDir: baseDir,
		metrics: metrics,
		log:     log.WithComponent("transfer"),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) transferLock(transferID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[transferID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[transferID] = l
	}
	return l
}

// maxUploadBytes caps a single dispatched file at 4 GiB.
const maxUploadBytes = 4 << 30

// InitUpload registers a transfer and returns its manifest.
func (c *Coordinator) InitUpload(req InitUploadRequest) (*wire.FileTransferManifest, error) {
	if err := validation.FileName(req.FileName); err != nil {
		return nil, err
	}
	if err := validation.Sha256Hex(req.Sha256); err != nil {
		return nil, err
	}
	if err := validation.Int64Range(req.FileSize, 1, maxUploadBytes); err != nil {
		return nil, fmt.Errorf("fileSize: %w", err)
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = wire.DefaultChunkSize
	}
	if err := validation.IntRange(chunkSize, 256, int(wire.MaxHubMessageBytes)); err != nil {
		return nil, fmt.Errorf("chunkSize: %w", err)
	}

	transferID := uuid.NewString()
	total := hashutil.ChunkCount(req.FileSize, int64(chunkSize))
	now := time.Now().UTC()

	if err := os.MkdirAll(c.chunkDir(transferID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transfer directory: %w", err)
	}
	rec := storage.TransferRecord{
		TransferID:   transferID,
		FileName:     filepath.Base(req.FileName),
		Sha256:       strings.ToUpper(req.Sha256),
		FileSize:     req.FileSize,
		ChunkSize:    chunkSize,
		TotalChunks:  total,
		UploadedBy:   req.UploadedBy,
		CreatedAtUtc: now,
	}
	if err := c.store.SaveTransfer(rec); err != nil {
		return nil, err
	}

	c.log.WithTransfer(transferID).Info(
		fmt.Sprintf("upload started: %s (%d bytes, %d chunks)", rec.FileName, rec.FileSize, total))
	return manifestOf(&rec), nil
}

// UploadChunk stores one chunk after verifying the client-supplied
// SHA-256 header. Re-uploads of a stored chunk are idempotent.
func (c *Coordinator) UploadChunk(transferID string, index int, body []byte, headerSha string) error {
	rec, err := c.store.GetTransfer(transferID)
	if err != nil {
		return err
	}
	if index < 0 || index >= rec.TotalChunks {
		c.rejectChunk(transferID, index, "out_of_range")
		return ErrChunkOutOfRange
	}
	if !strings.EqualFold(hashutil.Sha256Hex(body), headerSha) {
		c.rejectChunk(transferID, index, "hash_mismatch")
		return ErrChunkHashMismatch
	}

	lock := c.transferLock(transferID)
	lock.Lock()
	defer lock.Unlock()

	path := c.chunkPath(transferID, index)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit chunk: %w", err)
	}
	if c.metrics != nil {
		c.metrics.ChunksStoredTotal.Inc()
		c.metrics.TransferBytesTotal.WithLabelValues("upload").Add(float64(len(body)))
	}
	return nil
}

func (c *Coordinator) rejectChunk(transferID string, index int, reason string) {
	c.log.ChunkRejected(transferID, index, reason)
	if c.metrics != nil {
		c.metrics.ChunksRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// Missing returns the chunks the student still needs, restricted to
// what the server actually has.
func (c *Coordinator) Missing(transferID string, existing []int) ([]int, error) {
	rec, err := c.store.GetTransfer(transferID)
	if err != nil {
		return nil, err
	}
	have := c.uploadedSet(rec)

	needed := hashutil.MissingChunks(rec.TotalChunks, existing)
	out := make([]int, 0, len(needed))
	for _, i := range needed {
		if have[i] {
			out = append(out, i)
		}
	}
	return out, nil
}

// Chunk returns the raw chunk body and its uppercase hex SHA-256.
func (c *Coordinator) Chunk(transferID string, index int) ([]byte, string, error) {
	rec, err := c.store.GetTransfer(transferID)
	if err != nil {
		return nil, "", err
	}
	if index < 0 || index >= rec.TotalChunks {
		return nil, "", ErrChunkOutOfRange
	}
	body, err := os.ReadFile(c.chunkPath(transferID, index))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrChunkNotFound
	} else if err != nil {
		return nil, "", fmt.Errorf("failed to read chunk: %w", err)
	}
	if c.metrics != nil {
		c.metrics.ChunksServedTotal.Inc()
	}
	return body, hashutil.Sha256Hex(body), nil
}

// Dispatch records the target set once every chunk is uploaded and
// returns the manifest to push to each target.
func (c *Coordinator) Dispatch(transferID string, targetClientIDs []string) (*wire.FileTransferManifest, error) {
	lock := c.transferLock(transferID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.store.GetTransfer(transferID)
	if err != nil {
		return nil, err
	}
	if c.uploadedCount(rec) != rec.TotalChunks {
		return nil, ErrTransferIncomplete
	}
	rec.Targets = targetClientIDs
	if err := c.store.SaveTransfer(*rec); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.TransfersDispatched.Inc()
	}
	return manifestOf(rec), nil
}

// Get returns the manifest for one transfer.
func (c *Coordinator) Get(transferID string) (*wire.FileTransferManifest, error) {
	rec, err := c.store.GetTransfer(transferID)
	if err != nil {
		return nil, err
	}
	return manifestOf(rec), nil
}

// UploadedCount reports how many chunks are stored for a transfer.
func (c *Coordinator) UploadedCount(transferID string) (int, error) {
	rec, err := c.store.GetTransfer(transferID)
	if err != nil {
		return 0, err
	}
	return c.uploadedCount(rec), nil
}

func (c *Coordinator) uploadedSet(rec *storage.TransferRecord) map[int]bool {
	have := make(map[int]bool, rec.TotalChunks)
	for i := 0; i < rec.TotalChunks; i++ {
		if _, err := os.Stat(c.chunkPath(rec.TransferID, i)); err == nil {
			have[i] = true
		}
	}
	return have
}

func (c *Coordinator) uploadedCount(rec *storage.TransferRecord) int {
	n := 0
	for i := 0; i < rec.TotalChunks; i++ {
		if _, err := os.Stat(c.chunkPath(rec.TransferID, i)); err == nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) chunkDir(transferID string) string {
	return filepath.Join(c.baseDir, transferID)
}

func (c *Coordinator) chunkPath(transferID string, index int) string {
	return filepath.Join(c.chunkDir(transferID), fmt.Sprintf("%08d.chunk", index))
}

func manifestOf(rec *storage.TransferRecord) *wire.FileTransferManifest {
	return &wire.FileTransferManifest{
		TransferID:   rec.TransferID,
		FileName:     rec.FileName,
		Sha256:       rec.Sha256,
		FileSize:     rec.FileSize,
		ChunkSize:    rec.ChunkSize,
		TotalChunks:  rec.TotalChunks,
		CreatedAtUtc: rec.CreatedAtUtc,
	}
}
