package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/controledu/backend/internal/wire"
)

// serverClient talks to the paired server's HTTP surface with the
// student credentials attached.
type serverClient struct {
	baseURL  string
	clientID string
	token    string
	http     *http.Client
}

func newServerClient(baseURL, clientID, token string) *serverClient {
	return &serverClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		clientID: clientID,
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// completePairing redeems a PIN against an unpaired server.
func completePairing(ctx context.Context, baseURL string, req wire.PairingRequest) (*wire.PairingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/api/pairing/complete", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pairing request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pairing rejected with status %d", resp.StatusCode)
	}
	var out wire.PairingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed pairing response: %w", err)
	}
	return &out, nil
}

func (c *serverClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set(wire.HeaderStudentToken, c.token)
	q := req.URL.Query()
	q.Set("clientId", c.clientID)
	req.URL.RawQuery = q.Encode()
	return c.http.Do(req)
}

// Missing asks the server which of a transfer's chunks this client
// still needs, given what it already has.
func (c *serverClient) Missing(ctx context.Context, transferID string, existing []int) ([]int, error) {
	if existing == nil {
		existing = []int{}
	}
	body, err := json.Marshal(map[string][]int{"existing": existing})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/files/%s/missing", c.baseURL, url.PathEscape(transferID)),
		bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("missing query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("missing query returned status %d", resp.StatusCode)
	}
	var out struct {
		Missing []int `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed missing response: %w", err)
	}
	return out.Missing, nil
}

// UploadExport posts a detection history document to the server's
// exports endpoint.
func (c *serverClient) UploadExport(ctx context.Context, name string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/detection/exports/upload?name=%s", c.baseURL, url.QueryEscape(name)),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("export upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("export upload returned status %d", resp.StatusCode)
	}
	return nil
}

// Chunk downloads one chunk with its hash header.
func (c *serverClient) Chunk(ctx context.Context, transferID string, index int) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/files/%s/chunk/%d", c.baseURL, url.PathEscape(transferID), index), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, "", fmt.Errorf("chunk download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("chunk download returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, wire.MaxHubMessageBytes))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get(wire.HeaderChunkSha256), nil
}
