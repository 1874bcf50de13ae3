package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/controledu/backend/internal/hashutil"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/wire"
)

func newCoordinator(t *testing.T) (*Coordinator, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewCoordinator(store, filepath.Join(dir, "transfers"), nil,
		observability.NewTestLogger()), store
}

// testFile builds a deterministic payload spanning several chunks,
// including a short tail chunk.
func testFile(chunkSize int) []byte {
	data := make([]byte, chunkSize*3+chunkSize/2)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func chunkOf(data []byte, index, chunkSize int) []byte {
	start := index * chunkSize
	end := start + chunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

func TestUploadChunk_VerifiesAndIdempotent(t *testing.T) {
	c, _ := newCoordinator(t)
	const chunkSize = 1024
	data := testFile(chunkSize)

	m, err := c.InitUpload(InitUploadRequest{
		FileName: "lesson.pdf", FileSize: int64(len(data)),
		Sha256: hashutil.Sha256Hex(data), ChunkSize: chunkSize, UploadedBy: "teacher",
	})
	if err != nil {
		t.Fatalf("InitUpload failed: %v", err)
	}
	if m.TotalChunks != 4 {
		t.Fatalf("totalChunks = %d, want 4", m.TotalChunks)
	}

	body := chunkOf(data, 0, chunkSize)

	if err := c.UploadChunk(m.TransferID, 0, body, "DEADBEEF"); err != ErrChunkHashMismatch {
		t.Errorf("bad hash accepted: %v", err)
	}
	if err := c.UploadChunk(m.TransferID, 4, body, hashutil.Sha256Hex(body)); err != ErrChunkOutOfRange {
		t.Errorf("out-of-range index accepted: %v", err)
	}
	if err := c.UploadChunk(m.TransferID, 0, body, hashutil.Sha256Hex(body)); err != nil {
		t.Fatalf("UploadChunk failed: %v", err)
	}
	// Re-upload of the same chunk is a no-op.
	if err := c.UploadChunk(m.TransferID, 0, body, hashutil.Sha256Hex(body)); err != nil {
		t.Errorf("re-upload failed: %v", err)
	}
	if n, _ := c.UploadedCount(m.TransferID); n != 1 {
		t.Errorf("uploadedCount = %d, want 1", n)
	}
}

func TestDispatch_RequiresCompleteUpload(t *testing.T) {
	c, _ := newCoordinator(t)
	const chunkSize = 512
	data := testFile(chunkSize)

	m, err := c.InitUpload(InitUploadRequest{
		FileName: "a.bin", FileSize: int64(len(data)),
		Sha256: hashutil.Sha256Hex(data), ChunkSize: chunkSize,
	})
	if err != nil {
		t.Fatalf("InitUpload failed: %v", err)
	}

	if _, err := c.Dispatch(m.TransferID, []string{"c1"}); err != ErrTransferIncomplete {
		t.Fatalf("dispatch of empty transfer: %v", err)
	}

	for i := 0; i < m.TotalChunks; i++ {
		body := chunkOf(data, i, chunkSize)
		if err := c.UploadChunk(m.TransferID, i, body, hashutil.Sha256Hex(body)); err != nil {
			t.Fatalf("UploadChunk(%d) failed: %v", i, err)
		}
	}

	got, err := c.Dispatch(m.TransferID, []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.TransferID != m.TransferID {
		t.Error("dispatch returned wrong manifest")
	}
}

func TestMissing_IntersectsWithServerSide(t *testing.T) {
	c, _ := newCoordinator(t)
	const chunkSize = 512
	data := testFile(chunkSize) // 4 chunks

	m, _ := c.InitUpload(InitUploadRequest{
		FileName: "b.bin", FileSize: int64(len(data)),
		Sha256: hashutil.Sha256Hex(data), ChunkSize: chunkSize,
	})
	// Server only has chunks 0 and 2.
	for _, i := range []int{0, 2} {
		body := chunkOf(data, i, chunkSize)
		if err := c.UploadChunk(m.TransferID, i, body, hashutil.Sha256Hex(body)); err != nil {
			t.Fatalf("UploadChunk failed: %v", err)
		}
	}

	// Client has chunk 0; needs 1,2,3 but the server can serve only 2.
	missing, err := c.Missing(m.TransferID, []int{0})
	if err != nil {
		t.Fatalf("Missing failed: %v", err)
	}
	if len(missing) != 1 || missing[0] != 2 {
		t.Errorf("missing = %v, want [2]", missing)
	}
}

// coordinatorSource adapts the Coordinator as a student ChunkSource.
type coordinatorSource struct{ c *Coordinator }

func (s coordinatorSource) Missing(_ context.Context, id string, existing []int) ([]int, error) {
	return s.c.Missing(id, existing)
}

func (s coordinatorSource) Chunk(_ context.Context, id string, index int) ([]byte, string, error) {
	return s.c.Chunk(id, index)
}

func TestDownloader_ReconstructsFile(t *testing.T) {
	c, _ := newCoordinator(t)
	const chunkSize = 700
	data := testFile(chunkSize)

	m, err := c.InitUpload(InitUploadRequest{
		FileName: "video.mp4", FileSize: int64(len(data)),
		Sha256: hashutil.Sha256Hex(data), ChunkSize: chunkSize,
	})
	if err != nil {
		t.Fatalf("InitUpload failed: %v", err)
	}
	for i := 0; i < m.TotalChunks; i++ {
		body := chunkOf(data, i, chunkSize)
		if err := c.UploadChunk(m.TransferID, i, body, hashutil.Sha256Hex(body)); err != nil {
			t.Fatalf("UploadChunk failed: %v", err)
		}
	}

	agentDir := t.TempDir()
	agentStore, err := storage.OpenAgentStore(filepath.Join(agentDir, "agent.db"))
	if err != nil {
		t.Fatalf("OpenAgentStore failed: %v", err)
	}
	defer agentStore.Close()

	d := NewDownloader(agentStore, coordinatorSource{c}, observability.NewTestLogger())

	var last wire.FileProgress
	destDir := filepath.Join(agentDir, "downloads")
	err = d.Run(context.Background(), "client-1", *m, destDir, func(p wire.FileProgress) { last = p })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	final, err := os.ReadFile(filepath.Join(destDir, "video.mp4"))
	if err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if !bytes.Equal(final, data) {
		t.Fatal("reconstructed file differs from original")
	}
	if !last.Completed || last.CompletedChunks != m.TotalChunks {
		t.Errorf("final progress = %+v", last)
	}
	if _, err := agentStore.LoadResume(m.TransferID); err != storage.ErrResumeNotFound {
		t.Errorf("resume state not cleared: %v", err)
	}
}

func TestDownloader_ResumesFromPartialState(t *testing.T) {
	c, _ := newCoordinator(t)
	const chunkSize = 600
	data := testFile(chunkSize)

	m, _ := c.InitUpload(InitUploadRequest{
		FileName: "doc.zip", FileSize: int64(len(data)),
		Sha256: hashutil.Sha256Hex(data), ChunkSize: chunkSize,
	})
	for i := 0; i < m.TotalChunks; i++ {
		body := chunkOf(data, i, chunkSize)
		if err := c.UploadChunk(m.TransferID, i, body, hashutil.Sha256Hex(body)); err != nil {
			t.Fatalf("UploadChunk failed: %v", err)
		}
	}

	agentDir := t.TempDir()
	agentStore, err := storage.OpenAgentStore(filepath.Join(agentDir, "agent.db"))
	if err != nil {
		t.Fatalf("OpenAgentStore failed: %v", err)
	}
	defer agentStore.Close()

	// Simulate an interrupted earlier run: chunks 0 and 1 already on disk.
	destDir := filepath.Join(agentDir, "downloads")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		t.Fatal(err)
	}
	partial := filepath.Join(destDir, "doc.zip.partial")
	pf, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range []int{0, 1} {
		if _, err := pf.WriteAt(chunkOf(data, i, chunkSize), int64(i*chunkSize)); err != nil {
			t.Fatal(err)
		}
	}
	pf.Close()
	if err := agentStore.SaveResume(&storage.TransferResumeState{
		TransferID:            m.TransferID,
		FileName:              m.FileName,
		Sha256:                m.Sha256,
		ChunkSize:             chunkSize,
		TotalChunks:           m.TotalChunks,
		CompletedChunkIndexes: []int{0, 1},
		PartialFilePath:       partial,
	}); err != nil {
		t.Fatalf("SaveResume failed: %v", err)
	}

	fetches := 0
	src := countingSource{inner: coordinatorSource{c}, fetches: &fetches}
	d := NewDownloader(agentStore, src, observability.NewTestLogger())
	if err := d.Run(context.Background(), "client-1", *m, destDir, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if want := m.TotalChunks - 2; fetches != want {
		t.Errorf("fetched %d chunks, want %d (resume must skip completed)", fetches, want)
	}
	final, err := os.ReadFile(filepath.Join(destDir, "doc.zip"))
	if err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if !bytes.Equal(final, data) {
		t.Fatal("resumed file differs from original")
	}
}

type countingSource struct {
	inner   ChunkSource
	fetches *int
}

func (s countingSource) Missing(ctx context.Context, id string, existing []int) ([]int, error) {
	return s.inner.Missing(ctx, id, existing)
}

func (s countingSource) Chunk(ctx context.Context, id string, index int) ([]byte, string, error) {
	*s.fetches++
	return s.inner.Chunk(ctx, id, index)
}
