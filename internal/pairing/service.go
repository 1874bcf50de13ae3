package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/wire"
)

// Service completes pairings: PIN redemption, credential mint, audit.
type Service struct {
	pins     *PinManager
	store    *storage.Store
	identity wire.ServerIdentity
	baseURL  string
	tokenTTL time.Duration
	log      *observability.Logger
}

// NewService wires the pairing completion flow.
func NewService(pins *PinManager, store *storage.Store, identity wire.ServerIdentity,
	baseURL string, tokenTTL time.Duration, log *observability.Logger) *Service {
	return &Service{
		pins:     pins,
		store:    store,
		identity: identity,
		baseURL:  baseURL,
		tokenTTL: tokenTTL,
		log:      log.WithComponent("pairing"),
	}
}

// Complete redeems a PIN and mints credentials for the requesting student.
// Every pairing attempt, successful or not, is audited.
func (s *Service) Complete(req wire.PairingRequest) (*wire.PairingResponse, error) {
	if !s.pins.TryConsume(req.Pin) {
		_ = s.store.AppendAudit("pairing.rejected", req.HostName, "invalid or expired pin")
		return nil, ErrPinInvalid
	}

	clientID, token, err := mintCredentials()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expires := now.Add(s.tokenTTL)

	client := storage.PairedClient{
		ClientID:          clientID,
		Token:             token,
		HostName:          req.HostName,
		UserName:          req.UserName,
		OsDescription:     req.OsDescription,
		LocalIP:           req.LocalIP,
		CreatedAtUtc:      now,
		TokenExpiresAtUtc: expires,
	}
	if err := s.store.UpsertPairedClient(client); err != nil {
		return nil, fmt.Errorf("failed to persist pairing: %w", err)
	}

	_ = s.store.AppendAudit("pairing.completed", req.HostName,
		fmt.Sprintf("clientId=%s user=%s", clientID, req.UserName))
	s.log.WithClient(clientID).Info("pairing completed")

	return &wire.PairingResponse{
		ServerID:     s.identity.ServerID,
		ServerName:   s.identity.DisplayName,
		BaseURL:      s.baseURL,
		Fingerprint:  s.identity.Fingerprint,
		ClientID:     clientID,
		Token:        token,
		ExpiresAtUtc: expires,
	}, nil
}

// mintCredentials returns a 128-bit clientId and a 256-bit token.
func mintCredentials() (clientID, token string, err error) {
	idRaw := make([]byte, 16)
	if _, err = rand.Read(idRaw); err != nil {
		return "", "", fmt.Errorf("failed to mint client id: %w", err)
	}
	tokenRaw := make([]byte, 32)
	if _, err = rand.Read(tokenRaw); err != nil {
		return "", "", fmt.Errorf("failed to mint token: %w", err)
	}
	return hex.EncodeToString(idRaw), base64.RawURLEncoding.EncodeToString(tokenRaw), nil
}
