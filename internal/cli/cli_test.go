package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cgsbridge/internal/config"
	"cgsbridge/internal/device"
	"cgsbridge/internal/qingping"
	"cgsbridge/internal/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	addName, addModel = "", string(qingping.ModelCGS1)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDevicesCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvDBPath, filepath.Join(dir, "bridge.db"))
	cfgFile := filepath.Join(dir, ".env")

	out, err := run(t, "--config", cfgFile, "devices", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No devices registered.")

	out, err = run(t, "--config", cfgFile, "devices", "add", "aa:bb:cc:dd:ee:ff", "--model", "cgs2", "--name", "Office")
	require.NoError(t, err)
	assert.Contains(t, out, `Registered AABBCCDDEEFF (CGS2) as "Office"`)

	_, err = run(t, "--config", cfgFile, "devices", "add", "AABBCCDDEEFF")
	require.ErrorIs(t, err, storage.ErrAlreadyRegistered)

	_, err = run(t, "--config", cfgFile, "devices", "add", "112233", "--model", "CGS7")
	require.Error(t, err)

	out, err = run(t, "--config", cfgFile, "devices", "ls")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[2], "AABBCCDDEEFF"))
	assert.Contains(t, lines[2], "Office")
	assert.Contains(t, lines[2], "index")

	out, err = run(t, "--config", cfgFile, "devices", "rm", "AA-BB-CC-DD-EE-FF")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed AABBCCDDEEFF")

	_, err = run(t, "--config", cfgFile, "devices", "remove", "AABBCCDDEEFF")
	assert.Error(t, err)
}

func TestAddDeviceDefaults(t *testing.T) {
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	defer store.Close()

	dev, err := addDevice(store, "aabb", "", qingping.ModelCGS1)
	require.NoError(t, err)
	assert.Equal(t, "AABB", dev.MAC)
	assert.Equal(t, "Qingping CGS1", dev.Name)
	assert.Equal(t, qingping.DefaultSettings(qingping.ModelCGS1), dev.Settings)

	_, err = addDevice(store, "::", "", qingping.ModelCGS1)
	assert.ErrorIs(t, err, qingping.ErrInvalidSetting)
}

func TestPrintCandidates(t *testing.T) {
	var out bytes.Buffer
	printCandidates(&out, nil)
	assert.Equal(t, "No new devices found.\n", out.String())

	out.Reset()
	printCandidates(&out, []device.Candidate{{
		MAC:       "CCDD",
		Model:     qingping.ModelCGS2,
		Topic:     "qingping/CCDD/up",
		FirstSeen: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, out.String(), "CCDD  CGS2   qingping/CCDD/up  2024-05-01T12:00:00Z")
}
