package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"copilotd/assert"
)

func TestStatic_ConfiguredToken(t *testing.T) {
	s := NewStatic(" secret \n", "", t.TempDir())

	tok, err := s.Token(context.Background())
	assert.NoError(t, err, "Token")
	assert.Equal(t, "secret", tok, "trimmed token")
}

func TestStatic_TokenFromEnv(t *testing.T) {
	t.Setenv("COPILOTD_TEST_TOKEN", "from-env")
	s := NewStatic("", "COPILOTD_TEST_TOKEN", t.TempDir())

	tok, err := s.Token(context.Background())
	assert.NoError(t, err, "Token")
	assert.Equal(t, "from-env", tok, "env token")

	t.Setenv("COPILOTD_TEST_TOKEN", "rotated")
	tok, err = s.Token(context.Background())
	assert.NoError(t, err, "Token after rotation")
	assert.Equal(t, "rotated", tok, "env read on every call")
}

func TestStatic_NoToken(t *testing.T) {
	s := NewStatic("", "COPILOTD_TEST_UNSET_TOKEN", t.TempDir())

	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken, "missing token")
}

func TestLoadOrCreateDeviceID_Persists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first := LoadOrCreateDeviceID(dir)
	second := LoadOrCreateDeviceID(dir)
	assert.Equal(t, first, second, "stable across calls")

	data, err := os.ReadFile(filepath.Join(dir, "device_id"))
	assert.NoError(t, err, "device_id written")
	assert.Equal(t, first, string(data), "file content")
}

func TestLoadOrCreateDeviceID_NoDataDir(t *testing.T) {
	assert.NotEqual(t, LoadOrCreateDeviceID(""), LoadOrCreateDeviceID(""), "fresh id without storage")
}

func TestMachineID(t *testing.T) {
	id := MachineID("device")
	assert.Len(t, 64, id, "hex sha256")
	assert.Equal(t, id, MachineID("device"), "deterministic")
	assert.NotEqual(t, id, MachineID("other"), "depends on device")

	s := NewStatic("tok", "", t.TempDir())
	assert.Len(t, 64, s.MachineID(), "provider machine id")
}
