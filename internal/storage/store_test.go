package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/controledu/backend/internal/observability"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettings_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSetting("server.id"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSetting("server.id", "abc123"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.SetSetting("server.id", "def456"); err != nil {
		t.Fatalf("SetSetting overwrite failed: %v", err)
	}
	v, err := s.GetSetting("server.id")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if v != "def456" {
		t.Errorf("GetSetting = %q, want def456", v)
	}
}

func TestPairedClients_UpsertReplacesToken(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	c := PairedClient{
		ClientID:          "client-1",
		Token:             "token-one",
		HostName:          "LAB-PC-01",
		UserName:          "student",
		OsDescription:     "Windows 11",
		CreatedAtUtc:      now,
		TokenExpiresAtUtc: now.Add(time.Hour),
	}
	if err := s.UpsertPairedClient(c); err != nil {
		t.Fatalf("UpsertPairedClient failed: %v", err)
	}

	c.Token = "token-two"
	if err := s.UpsertPairedClient(c); err != nil {
		t.Fatalf("re-pair failed: %v", err)
	}

	got, err := s.GetPairedClient("client-1")
	if err != nil {
		t.Fatalf("GetPairedClient failed: %v", err)
	}
	if got.Token != "token-two" {
		t.Errorf("token not replaced on re-pair: %q", got.Token)
	}
}

func TestValidateToken(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	c := PairedClient{
		ClientID:          "client-1",
		Token:             "secret-token",
		HostName:          "h",
		UserName:          "u",
		OsDescription:     "os",
		CreatedAtUtc:      now,
		TokenExpiresAtUtc: now.Add(time.Minute),
	}
	if err := s.UpsertPairedClient(c); err != nil {
		t.Fatalf("UpsertPairedClient failed: %v", err)
	}

	if !s.ValidateToken("client-1", "secret-token", now) {
		t.Error("valid token rejected")
	}
	if s.ValidateToken("client-1", "wrong-token", now) {
		t.Error("wrong token accepted")
	}
	if s.ValidateToken("client-2", "secret-token", now) {
		t.Error("unknown client accepted")
	}
	if s.ValidateToken("client-1", "secret-token", now.Add(2*time.Minute)) {
		t.Error("expired token accepted")
	}
}

func TestDeletePairedClient(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	if err := s.DeletePairedClient("missing"); err != ErrClientUnknown {
		t.Errorf("expected ErrClientUnknown, got %v", err)
	}

	c := PairedClient{ClientID: "c1", Token: "t", HostName: "h", UserName: "u",
		OsDescription: "os", CreatedAtUtc: now, TokenExpiresAtUtc: now.Add(time.Hour)}
	if err := s.UpsertPairedClient(c); err != nil {
		t.Fatalf("UpsertPairedClient failed: %v", err)
	}
	if err := s.DeletePairedClient("c1"); err != nil {
		t.Fatalf("DeletePairedClient failed: %v", err)
	}
	if _, err := s.GetPairedClient("c1"); err != ErrClientUnknown {
		t.Errorf("expected ErrClientUnknown after delete, got %v", err)
	}
}

func TestAudit_AppendAndLatest(t *testing.T) {
	s := openTestStore(t)

	for _, action := range []string{"pairing", "connect", "disconnect"} {
		if err := s.AppendAudit(action, "teacher", "details"); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	entries, err := s.LatestAudit(2)
	if err != nil {
		t.Fatalf("LatestAudit failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Action != "disconnect" || entries[1].Action != "connect" {
		t.Errorf("unexpected order: %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].ID <= entries[1].ID {
		t.Error("audit ids are not monotonic")
	}
}

func TestOperationCounters(t *testing.T) {
	s := openTestStore(t)
	m := observability.NewMetrics()
	s.SetMetrics(m)

	if err := s.SetSetting("k", "v"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.AppendAudit("action", "teacher", ""); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}
	if err := s.DeletePairedClient("missing"); err != ErrClientUnknown {
		t.Fatalf("expected ErrClientUnknown, got %v", err)
	}

	if got := testutil.ToFloat64(m.DatabaseOperationsTotal.WithLabelValues("set_setting", "ok")); got != 1 {
		t.Errorf("set_setting ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DatabaseOperationsTotal.WithLabelValues("append_audit", "ok")); got != 1 {
		t.Errorf("append_audit ok = %v, want 1", got)
	}
	// Delete of an unknown client is not a database error.
	if got := testutil.ToFloat64(m.DatabaseOperationsTotal.WithLabelValues("delete_paired_client", "ok")); got != 1 {
		t.Errorf("delete_paired_client ok = %v, want 1", got)
	}
}

func TestTransfers_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	rec := TransferRecord{
		TransferID:   "tr-1",
		FileName:     "worksheet.pdf",
		Sha256:       "ABCD",
		FileSize:     1 << 20,
		ChunkSize:    256 * 1024,
		TotalChunks:  4,
		UploadedBy:   "teacher",
		CreatedAtUtc: now,
		Targets:      []string{"c1", "c2"},
	}
	if err := s.SaveTransfer(rec); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}
	got, err := s.GetTransfer("tr-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.FileName != rec.FileName || got.TotalChunks != 4 || len(got.Targets) != 2 {
		t.Errorf("transfer mismatch: %+v", got)
	}

	if _, err := s.GetTransfer("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
