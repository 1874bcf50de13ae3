package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestAgentStore(t *testing.T) *AgentStore {
	t.Helper()
	s, err := OpenAgentStore(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("OpenAgentStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBinding_AtMostOne(t *testing.T) {
	s := openTestAgentStore(t)

	if _, err := s.LoadBinding(); err != ErrNoBinding {
		t.Errorf("expected ErrNoBinding, got %v", err)
	}

	b := &StudentBinding{
		ServerID:          "srv-1",
		ServerName:        "Room 204",
		ServerBaseURL:     "http://10.0.0.5:40556",
		ServerFingerprint: "FP",
		ClientID:          "c1",
		ProtectedToken:    []byte{1, 2, 3},
		UpdatedAtUtc:      time.Now().UTC(),
	}
	if err := s.SaveBinding(b); err != nil {
		t.Fatalf("SaveBinding failed: %v", err)
	}

	b.ServerID = "srv-2"
	if err := s.SaveBinding(b); err != nil {
		t.Fatalf("second SaveBinding failed: %v", err)
	}

	got, err := s.LoadBinding()
	if err != nil {
		t.Fatalf("LoadBinding failed: %v", err)
	}
	if got.ServerID != "srv-2" {
		t.Errorf("binding not replaced: %q", got.ServerID)
	}

	if err := s.ClearBinding(); err != nil {
		t.Fatalf("ClearBinding failed: %v", err)
	}
	if _, err := s.LoadBinding(); err != ErrNoBinding {
		t.Errorf("expected ErrNoBinding after clear, got %v", err)
	}
}

func TestResume_RoundTrip(t *testing.T) {
	s := openTestAgentStore(t)

	r := &TransferResumeState{
		TransferID:            "tr-9",
		FileName:              "lab.zip",
		Sha256:                "FFEE",
		ChunkSize:             256 * 1024,
		TotalChunks:           8,
		CompletedChunkIndexes: []int{0, 2, 3, 7},
		PartialFilePath:       "/tmp/lab.zip.partial",
	}
	if err := s.SaveResume(r); err != nil {
		t.Fatalf("SaveResume failed: %v", err)
	}

	got, err := s.LoadResume("tr-9")
	if err != nil {
		t.Fatalf("LoadResume failed: %v", err)
	}
	if got.TotalChunks != 8 || len(got.CompletedChunkIndexes) != 4 {
		t.Errorf("resume mismatch: %+v", got)
	}
	if got.UpdatedAtUtc.IsZero() {
		t.Error("UpdatedAtUtc not stamped")
	}

	all, err := s.ListResume()
	if err != nil {
		t.Fatalf("ListResume failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListResume returned %d states, want 1", len(all))
	}

	if err := s.DeleteResume("tr-9"); err != nil {
		t.Fatalf("DeleteResume failed: %v", err)
	}
	if _, err := s.LoadResume("tr-9"); err != ErrResumeNotFound {
		t.Errorf("expected ErrResumeNotFound, got %v", err)
	}
}
