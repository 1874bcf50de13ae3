package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/wire"
)

const settingServerID = "server.id"

// EnsureIdentity loads the persisted server identity, minting it on first run.
// The serverId is immutable once created.
func EnsureIdentity(store *storage.Store, displayName string) (wire.ServerIdentity, error) {
	serverID, err := store.GetSetting(settingServerID)
	if err == storage.ErrNotFound {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return wire.ServerIdentity{}, fmt.Errorf("failed to mint server id: %w", err)
		}
		serverID = hex.EncodeToString(raw)
		if err := store.SetSetting(settingServerID, serverID); err != nil {
			return wire.ServerIdentity{}, err
		}
	} else if err != nil {
		return wire.ServerIdentity{}, err
	}

	return wire.ServerIdentity{
		ServerID:    serverID,
		DisplayName: displayName,
		Fingerprint: Fingerprint(serverID),
	}, nil
}

// Fingerprint returns the uppercase hex SHA-256 of serverId.
func Fingerprint(serverID string) string {
	sum := sha256.Sum256([]byte(serverID))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
