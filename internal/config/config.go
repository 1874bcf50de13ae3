// Package config holds the server and agent configuration with defaults
// appropriate for a single-classroom LAN deployment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/controledu/backend/internal/wire"
)

// ServerConfig holds teacher-server configuration.
type ServerConfig struct {
	ListenAddress    string
	DiscoveryPort    int
	ServerName       string
	DataDir          string
	DatabaseFile     string
	TransfersDir     string
	ExportsDir       string
	ChunkSize        int
	PinTTL           time.Duration
	TokenTTL         time.Duration
	SignalCooldown   time.Duration
	AlertRingSize    int
	ChatRingSize     int
	ApprovalTimeout  time.Duration
	MaxHubMessage    int64
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	base := dataBase()
	return &ServerConfig{
		ListenAddress:   ":" + strconv.Itoa(wire.ServerPort),
		DiscoveryPort:   wire.DiscoveryPort,
		ServerName:      "ControlEdu",
		DataDir:         base,
		DatabaseFile:    filepath.Join(base, "controledu.db"),
		TransfersDir:    filepath.Join(base, "transfers"),
		ExportsDir:      filepath.Join(base, "exports"),
		ChunkSize:       wire.DefaultChunkSize,
		PinTTL:          60 * time.Second,
		TokenTTL:        180 * 24 * time.Hour,
		SignalCooldown:  15 * time.Second,
		AlertRingSize:   1500,
		ChatRingSize:    300,
		ApprovalTimeout: 60 * time.Second,
		MaxHubMessage:   wire.MaxHubMessageBytes,
	}
}

// AgentConfig holds student-agent configuration.
type AgentConfig struct {
	DataDir          string
	StoreFile        string
	DownloadsDir     string
	LocalListenAddr  string
	HeartbeatEvery   time.Duration
	ProbeTimeout     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	MinFps           int
	MaxFps           int
	MinJpegQuality   int
	MaxJpegQuality   int
	MaxInflightSends int64
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() *AgentConfig {
	base := dataBase()
	return &AgentConfig{
		DataDir:          base,
		StoreFile:        filepath.Join(base, "agent.db"),
		DownloadsDir:     filepath.Join(base, "downloads"),
		LocalListenAddr:  "127.0.0.1:" + strconv.Itoa(wire.AgentLocalPort),
		HeartbeatEvery:   10 * time.Second,
		ProbeTimeout:     1500 * time.Millisecond,
		ReconnectMin:     time.Second,
		ReconnectMax:     60 * time.Second,
		MinFps:           1,
		MaxFps:           12,
		MinJpegQuality:   30,
		MaxJpegQuality:   80,
		MaxInflightSends: 8,
	}
}

// dataBase resolves the platform-appropriate shared data path, honoring the
// CONTROLEDU_DATA_DIR override used by tests and portable installs.
func dataBase() string {
	if v := os.Getenv("CONTROLEDU_DATA_DIR"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "controledu")
}
