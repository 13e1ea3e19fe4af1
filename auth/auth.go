package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"copilotd/logger"
)

// ErrNoToken is returned when no credential is configured
var ErrNoToken = errors.New("no completion token configured")

// Provider supplies the credential and identity used on every completion request
type Provider interface {
	Token(ctx context.Context) (string, error)
	MachineID() string
}

// Static serves a fixed token, or one read from an environment variable on
// each call so a rotated secret is picked up without a restart
type Static struct {
	token     string
	tokenEnv  string
	machineID string
}

// NewStatic creates a Static provider. The machine id is derived from a device
// id persisted under dataDir.
func NewStatic(token, tokenEnv, dataDir string) *Static {
	return &Static{
		token:     strings.TrimSpace(token),
		tokenEnv:  tokenEnv,
		machineID: MachineID(LoadOrCreateDeviceID(dataDir)),
	}
}

func (s *Static) Token(ctx context.Context) (string, error) {
	if s.token != "" {
		return s.token, nil
	}
	if s.tokenEnv != "" {
		if v := strings.TrimSpace(os.Getenv(s.tokenEnv)); v != "" {
			return v, nil
		}
	}
	return "", ErrNoToken
}

func (s *Static) MachineID() string { return s.machineID }

// MachineID hashes a stable device identifier into the hex digest sent upstream
func MachineID(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])
}

// LoadOrCreateDeviceID returns the device id stored in dataDir, creating one
// on first use. Without a data dir a fresh id is returned every time.
func LoadOrCreateDeviceID(dataDir string) string {
	if dataDir == "" {
		return uuid.NewString()
	}

	idPath := filepath.Join(dataDir, "device_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Warn("auth: could not create data dir %s: %v", dataDir, err)
		return id
	}
	if err := os.WriteFile(idPath, []byte(id), 0644); err != nil {
		logger.Warn("auth: could not write device_id: %v", err)
	}
	return id
}
