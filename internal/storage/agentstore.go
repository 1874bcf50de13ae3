package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	ErrNoBinding      = errors.New("no student binding")
	ErrResumeNotFound = errors.New("resume state not found")
)

var (
	bucketBinding = []byte("binding")
	bucketResume  = []byte("resume")
	bucketAgentKV = []byte("settings")

	bindingKey = []byte("current")
)

// StudentBinding is the student's durable record of its server.
type StudentBinding struct {
	ServerID          string    `json:"serverId"`
	ServerName        string    `json:"serverName"`
	ServerBaseURL     string    `json:"serverBaseUrl"`
	ServerFingerprint string    `json:"serverFingerprint"`
	ClientID          string    `json:"clientId"`
	ProtectedToken    []byte    `json:"protectedToken"`
	UpdatedAtUtc      time.Time `json:"updatedAtUtc"`
}

// TransferResumeState is the student's durable progress for one transfer.
type TransferResumeState struct {
	TransferID            string    `json:"transferId"`
	FileName              string    `json:"fileName"`
	Sha256                string    `json:"sha256"`
	ChunkSize             int       `json:"chunkSize"`
	TotalChunks           int       `json:"totalChunks"`
	CompletedChunkIndexes []int     `json:"completedChunkIndexes"`
	PartialFilePath       string    `json:"partialFilePath"`
	UpdatedAtUtc          time.Time `json:"updatedAtUtc"`
}

// AgentStore is the Bolt-backed durable store on the student side.
type AgentStore struct {
	db *bolt.DB
}

// OpenAgentStore opens (or creates) the agent store at path.
func OpenAgentStore(path string) (*AgentStore, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open agent store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBinding, bucketResume, bucketAgentKV} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize agent store: %w", err)
	}
	return &AgentStore{db: db}, nil
}

// Close closes the store.
func (s *AgentStore) Close() error { return s.db.Close() }

// SaveBinding persists the at-most-one binding record.
func (s *AgentStore) SaveBinding(b *StudentBinding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal binding: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBinding).Put(bindingKey, data)
	})
}

// LoadBinding returns the binding, or ErrNoBinding.
func (s *AgentStore) LoadBinding() (*StudentBinding, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBinding).Get(bindingKey)
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoBinding
	}
	var b StudentBinding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binding: %w", err)
	}
	return &b, nil
}

// ClearBinding deletes the binding record. Clearing an absent binding is a
// no-op.
func (s *AgentStore) ClearBinding() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBinding).Delete(bindingKey)
	})
}

// SaveResume persists resume state keyed by transferId.
func (s *AgentStore) SaveResume(r *TransferResumeState) error {
	r.UpdatedAtUtc = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal resume state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Put([]byte(r.TransferID), data)
	})
}

// LoadResume returns the resume state for transferID, or ErrResumeNotFound.
func (s *AgentStore) LoadResume(transferID string) (*TransferResumeState, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResume).Get([]byte(transferID))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrResumeNotFound
	}
	var r TransferResumeState
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume state: %w", err)
	}
	return &r, nil
}

// DeleteResume removes the resume state for transferID.
func (s *AgentStore) DeleteResume(transferID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Delete([]byte(transferID))
	})
}

// ListResume returns all persisted resume states.
func (s *AgentStore) ListResume() ([]*TransferResumeState, error) {
	var out []*TransferResumeState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).ForEach(func(k, v []byte) error {
			var r TransferResumeState
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // skip corrupt rows
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAgentSetting returns a local settings value, or ErrNotFound.
func (s *AgentStore) GetAgentSetting(key string) (string, error) {
	var value string
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAgentKV).Get([]byte(key))
		if v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	return value, nil
}

// SetAgentSetting upserts a local settings value.
func (s *AgentStore) SetAgentSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentKV).Put([]byte(key), []byte(value))
	})
}
