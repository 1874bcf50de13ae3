package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/controledu/backend/internal/events"
	"github.com/controledu/backend/internal/hashutil"
	"github.com/controledu/backend/internal/hub"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/pairing"
	"github.com/controledu/backend/internal/remotectl"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/transfer"
	"github.com/controledu/backend/internal/wire"
)

type apiFixture struct {
	api   *API
	store *storage.Store
	http  *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := observability.NewTestLogger()
	identity := wire.ServerIdentity{ServerID: "srv-1", DisplayName: "Room 12"}
	pins := pairing.NewPinManager(30 * time.Second)
	hubSrv := hub.NewServer(hub.Config{
		Store:          store,
		Registry:       events.NewRegistry(),
		Alerts:         events.NewAlertRing(100),
		Chat:           events.NewChatLog(50),
		Pins:           pins,
		Sessions:       remotectl.NewManager(time.Minute, log),
		SignalCooldown: 15 * time.Second,
		Logger:         log,
	})
	transfers := transfer.NewCoordinator(store, filepath.Join(dir, "chunks"), nil, log)

	api := New(Config{
		Store:      store,
		Identity:   identity,
		Pins:       pins,
		Pairings:   pairing.NewService(pins, store, identity, "http://127.0.0.1:40556", time.Hour, log),
		Hub:        hubSrv,
		Transfers:  transfers,
		Alerts:     events.NewAlertRing(100),
		Chat:       events.NewChatLog(50),
		ExportsDir: filepath.Join(dir, "exports"),
		Logger:     log,
	})
	hs := httptest.NewServer(api.Routes())
	t.Cleanup(hs.Close)
	return &apiFixture{api: api, store: store, http: hs}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rdr)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (f *apiFixture) pairStudent(t *testing.T, clientID string) string {
	t.Helper()
	token := "tok-" + clientID
	err := f.store.UpsertPairedClient(storage.PairedClient{
		ClientID:          clientID,
		Token:             token,
		HostName:          "PC-" + clientID,
		CreatedAtUtc:      time.Now().UTC(),
		TokenExpiresAtUtc: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("UpsertPairedClient failed: %v", err)
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/api/server/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	body := decode[wire.HealthResponse](t, resp)
	if body.Status != "ok" {
		t.Fatalf("health body status = %q, want ok", body.Status)
	}
}

func TestPairingFlow(t *testing.T) {
	f := newAPIFixture(t)

	bad := f.do(t, http.MethodPost, "/api/pairing/complete",
		wire.PairingRequest{Pin: "000000", HostName: "PC-9"}, nil)
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid pin status = %d, want 401", bad.StatusCode)
	}

	pinResp := f.do(t, http.MethodPost, "/api/pairing/pin", nil, nil)
	if pinResp.StatusCode != http.StatusOK {
		t.Fatalf("pin status = %d, want 200", pinResp.StatusCode)
	}
	pin := decode[wire.PairingPin](t, pinResp)

	okResp := f.do(t, http.MethodPost, "/api/pairing/complete",
		wire.PairingRequest{Pin: pin.Pin, HostName: "PC-9", UserName: "sam"}, nil)
	if okResp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, want 200", okResp.StatusCode)
	}
	creds := decode[wire.PairingResponse](t, okResp)
	if creds.ClientID == "" || creds.Token == "" {
		t.Fatalf("pairing response missing credentials: %+v", creds)
	}
	if !f.store.ValidateToken(creds.ClientID, creds.Token, time.Now().UTC()) {
		t.Fatal("minted token does not validate")
	}

	reuse := f.do(t, http.MethodPost, "/api/pairing/complete",
		wire.PairingRequest{Pin: pin.Pin, HostName: "PC-10"}, nil)
	if reuse.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pin reuse status = %d, want 401", reuse.StatusCode)
	}
}

func TestDetectionSettingsAlwaysProduction(t *testing.T) {
	f := newAPIFixture(t)

	weak := wire.DetectionPolicy{Enabled: false, MetadataThreshold: 0.99, PolicyVersion: 7}
	putResp := f.do(t, http.MethodPut, "/api/detection/settings", weak, nil)
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", putResp.StatusCode)
	}
	got := decode[wire.DetectionPolicy](t, putResp)
	if !got.Enabled || got.MetadataThreshold != 0.60 {
		t.Fatalf("put response leaked saved policy: %+v", got)
	}

	getResp := f.do(t, http.MethodGet, "/api/detection/settings", nil, nil)
	got = decode[wire.DetectionPolicy](t, getResp)
	if !got.Enabled || got.MetadataThreshold != 0.60 || got.MlThreshold != 0.70 ||
		got.TemporalWindowSize != 3 || got.CooldownSeconds != 10 {
		t.Fatalf("get returned non-production policy: %+v", got)
	}
}

func TestUploadDispatchAndChunkDownload(t *testing.T) {
	f := newAPIFixture(t)
	token := f.pairStudent(t, "c1")

	payload := bytes.Repeat([]byte("controledu"), 400)
	chunkSize := 1024
	initResp := f.do(t, http.MethodPost, "/api/files/upload/init", transfer.InitUploadRequest{
		FileName:   "notes.pdf",
		FileSize:   int64(len(payload)),
		Sha256:     hashutil.Sha256Hex(payload),
		ChunkSize:  chunkSize,
		UploadedBy: "teacher",
	}, nil)
	if initResp.StatusCode != http.StatusOK {
		t.Fatalf("init status = %d, want 200", initResp.StatusCode)
	}
	manifest := decode[wire.FileTransferManifest](t, initResp)
	if manifest.TotalChunks != 4 {
		t.Fatalf("TotalChunks = %d, want 4", manifest.TotalChunks)
	}

	early := f.do(t, http.MethodPost, "/api/files/"+manifest.TransferID+"/dispatch",
		map[string]any{"targetClientIds": []string{"c1"}}, nil)
	if early.StatusCode != http.StatusConflict {
		t.Fatalf("dispatch before upload status = %d, want 409", early.StatusCode)
	}

	for i := 0; i < manifest.TotalChunks; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(payload))
		chunk := payload[start:end]
		resp := f.do(t, http.MethodPut,
			fmt.Sprintf("/api/files/upload/%s/chunk/%d", manifest.TransferID, i),
			chunk, map[string]string{wire.HeaderChunkSha256: hashutil.Sha256Hex(chunk)})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("chunk %d status = %d, want 204", i, resp.StatusCode)
		}
	}

	badHash := f.do(t, http.MethodPut,
		fmt.Sprintf("/api/files/upload/%s/chunk/0", manifest.TransferID),
		payload[:chunkSize], map[string]string{wire.HeaderChunkSha256: hashutil.Sha256Hex([]byte("x"))})
	if badHash.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad hash status = %d, want 422", badHash.StatusCode)
	}

	dispatch := f.do(t, http.MethodPost, "/api/files/"+manifest.TransferID+"/dispatch",
		map[string]any{"targetClientIds": []string{"c1"}}, nil)
	if dispatch.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status = %d, want 200", dispatch.StatusCode)
	}
	result := decode[map[string]any](t, dispatch)
	if result["offline"].(float64) != 1 {
		t.Fatalf("offline = %v, want 1 (no hub session open)", result["offline"])
	}

	auth := map[string]string{wire.HeaderStudentToken: token}
	missing := f.do(t, http.MethodPost,
		"/api/files/"+manifest.TransferID+"/missing?clientId=c1",
		map[string][]int{"existing": {0, 3}}, auth)
	if missing.StatusCode != http.StatusOK {
		t.Fatalf("missing status = %d, want 200", missing.StatusCode)
	}
	miss := decode[map[string][]int](t, missing)
	if len(miss["missing"]) != 2 || miss["missing"][0] != 1 || miss["missing"][1] != 2 {
		t.Fatalf("missing = %v, want [1 2]", miss["missing"])
	}

	noAuth := f.do(t, http.MethodGet,
		"/api/files/"+manifest.TransferID+"/chunk/1?clientId=c1", nil, nil)
	if noAuth.StatusCode != http.StatusUnauthorized {
		t.Fatalf("chunk without token status = %d, want 401", noAuth.StatusCode)
	}

	dl := f.do(t, http.MethodGet,
		"/api/files/"+manifest.TransferID+"/chunk/1?clientId=c1", nil, auth)
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("chunk download status = %d, want 200", dl.StatusCode)
	}
	body, _ := io.ReadAll(dl.Body)
	if !bytes.Equal(body, payload[chunkSize:2*chunkSize]) {
		t.Fatal("downloaded chunk does not match uploaded bytes")
	}
	if dl.Header.Get(wire.HeaderChunkSha256) == "" {
		t.Fatal("chunk download missing hash header")
	}
}

func TestExportUploadListDownload(t *testing.T) {
	f := newAPIFixture(t)
	token := f.pairStudent(t, "c2")
	auth := map[string]string{wire.HeaderStudentToken: token}

	archive := []byte("PK\x03\x04fake-zip-bytes")
	up := f.do(t, http.MethodPost,
		"/api/detection/exports/upload?clientId=c2&name=evidence.zip", archive, auth)
	if up.StatusCode != http.StatusOK {
		t.Fatalf("export upload status = %d, want 200", up.StatusCode)
	}
	info := decode[ExportInfo](t, up)
	if info.ExportID == "" || info.SizeBytes != int64(len(archive)) {
		t.Fatalf("unexpected export info: %+v", info)
	}

	list := f.do(t, http.MethodGet, "/api/detection/exports/list", nil, nil)
	entries := decode[[]ExportInfo](t, list)
	if len(entries) != 1 || entries[0].ClientID != "c2" {
		t.Fatalf("export list = %+v, want single c2 entry", entries)
	}

	dl := f.do(t, http.MethodGet, "/api/detection/exports/download/"+info.ExportID, nil, nil)
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("export download status = %d, want 200", dl.StatusCode)
	}
	body, _ := io.ReadAll(dl.Body)
	if !bytes.Equal(body, archive) {
		t.Fatal("downloaded export does not match uploaded bytes")
	}
}

func TestExportDownloadRejectsEscapingPath(t *testing.T) {
	f := newAPIFixture(t)
	escape := base64.RawURLEncoding.EncodeToString([]byte("../../etc/passwd"))
	resp := f.do(t, http.MethodGet, "/api/detection/exports/download/"+escape, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("path escape status = %d, want 400", resp.StatusCode)
	}
}

func TestStudentDeleteUnknown(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodDelete, "/api/students/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestStudentDeleteRevokesPairing(t *testing.T) {
	f := newAPIFixture(t)
	token := f.pairStudent(t, "c3")
	resp := f.do(t, http.MethodDelete, "/api/students/c3", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	if f.store.ValidateToken("c3", token, time.Now().UTC()) {
		t.Fatal("token still validates after revocation")
	}
}

func TestConsolePasswordGatesDestructiveCalls(t *testing.T) {
	f := newAPIFixture(t)
	f.pairStudent(t, "c5")

	set := f.do(t, http.MethodPut, "/api/server/console-password",
		map[string]string{"password": "classroom12"}, nil)
	if set.StatusCode != http.StatusNoContent {
		t.Fatalf("set password status = %d, want 204", set.StatusCode)
	}

	noPass := f.do(t, http.MethodDelete, "/api/students/c5", nil, nil)
	if noPass.StatusCode != http.StatusUnauthorized {
		t.Fatalf("delete without passphrase status = %d, want 401", noPass.StatusCode)
	}

	wrong := f.do(t, http.MethodDelete, "/api/students/c5", nil,
		map[string]string{HeaderAdminPassword: "nope"})
	if wrong.StatusCode != http.StatusUnauthorized {
		t.Fatalf("delete with wrong passphrase status = %d, want 401", wrong.StatusCode)
	}

	ok := f.do(t, http.MethodDelete, "/api/students/c5", nil,
		map[string]string{HeaderAdminPassword: "classroom12"})
	if ok.StatusCode != http.StatusNoContent {
		t.Fatalf("delete with passphrase status = %d, want 204", ok.StatusCode)
	}

	rotateNoPass := f.do(t, http.MethodPut, "/api/server/console-password",
		map[string]string{"password": "newpassword"}, nil)
	if rotateNoPass.StatusCode != http.StatusUnauthorized {
		t.Fatalf("rotate without passphrase status = %d, want 401", rotateNoPass.StatusCode)
	}
}

func TestStudentCommandsRequireConnection(t *testing.T) {
	f := newAPIFixture(t)
	f.pairStudent(t, "c4")

	tts := f.do(t, http.MethodPost, "/api/students/c4/tts",
		wire.TtsRequest{Text: "eyes up front"}, nil)
	if tts.StatusCode != http.StatusConflict {
		t.Fatalf("tts offline status = %d, want 409", tts.StatusCode)
	}
	chat := f.do(t, http.MethodPost, "/api/students/c4/chat",
		wire.ChatMessage{Text: "hello"}, nil)
	if chat.StatusCode != http.StatusConflict {
		t.Fatalf("chat offline status = %d, want 409", chat.StatusCode)
	}
	export := f.do(t, http.MethodPost, "/api/students/c4/detection-export", nil, nil)
	if export.StatusCode != http.StatusConflict {
		t.Fatalf("export offline status = %d, want 409", export.StatusCode)
	}
}
