package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/engram"
)

// seedEngram finalizes and persists one engram under the configured
// ENGRAM_DIR so the CLI has something to inspect.
func seedEngram(t *testing.T, dir, tenant, agentID, intent string) *engram.Engram {
	t.Helper()
	s := engram.NewSession(tenant, agentID, intent)
	require.NoError(t, s.AddDecision("sweep", "indices look stale", 0.7))
	require.NoError(t, s.AddAction("query_logs", "ran the sweep", map[string]any{"hits": 3}, true))
	e, err := s.Finalize()
	require.NoError(t, err)
	require.NoError(t, engram.NewFileStore(dir).Save(context.Background(), e))
	return e
}

// tamperEngram edits the stored record in place, breaking its content hash.
func tamperEngram(t *testing.T, dir, id string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*", "*", id+".json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("ran the sweep"), []byte("ran a cleanup"), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(matches[0], tampered, 0o600))
}

func TestEngramListAndVerify(t *testing.T) {
	base := setBaseEnv(t)
	dir := filepath.Join(base, "engrams")
	e1 := seedEngram(t, dir, "tenant-a", "hunt-1", "hunt for beacons")
	e2 := seedEngram(t, dir, "tenant-a", "sim-1", "simulate initial access")
	seedEngram(t, dir, "tenant-b", "hunt-9", "other tenant")

	code, out, _ := runCLI(t, "engram", "list", "--tenant", "tenant-a")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, e1.ID)
	assert.Contains(t, out, e2.ID)
	assert.Contains(t, out, "2 engrams")

	code, out, _ = runCLI(t, "engram", "verify", "--tenant", "tenant-a")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "2 engrams checked, 0 failed")
}

func TestEngramListAgentFilter(t *testing.T) {
	base := setBaseEnv(t)
	dir := filepath.Join(base, "engrams")
	kept := seedEngram(t, dir, "tenant-a", "hunt-1", "hunt for beacons")
	dropped := seedEngram(t, dir, "tenant-a", "sim-1", "simulate initial access")

	code, out, _ := runCLI(t, "engram", "list", "--tenant", "tenant-a", "--agent", "hunt-1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, kept.ID)
	assert.NotContains(t, out, dropped.ID)
	assert.Contains(t, out, "1 engrams")
}

func TestEngramListEmpty(t *testing.T) {
	setBaseEnv(t)
	code, out, _ := runCLI(t, "engram", "list", "--tenant", "tenant-a")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "no engrams found")
}

func TestEngramListMissingTenant(t *testing.T) {
	setBaseEnv(t)
	code, _, errOut := runCLI(t, "engram", "list")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--tenant is required")
}

func TestEngramVerifyByID(t *testing.T) {
	base := setBaseEnv(t)
	e := seedEngram(t, filepath.Join(base, "engrams"), "tenant-a", "hunt-1", "hunt for beacons")

	code, out, _ := runCLI(t, "engram", "verify", "--id", e.ID)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, e.ID)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "1 engrams checked, 0 failed")
}

func TestEngramVerifyMissingID(t *testing.T) {
	setBaseEnv(t)
	code, out, _ := runCLI(t, "engram", "verify", "--id", "no-such-engram")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAILED")
}

func TestEngramVerifyDetectsTampering(t *testing.T) {
	base := setBaseEnv(t)
	dir := filepath.Join(base, "engrams")
	good := seedEngram(t, dir, "tenant-a", "hunt-1", "hunt for beacons")
	bad := seedEngram(t, dir, "tenant-a", "hunt-2", "hunt for exfil")
	tamperEngram(t, dir, bad.ID)

	code, out, _ := runCLI(t, "engram", "verify", "--tenant", "tenant-a")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, good.ID+"  ok")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "2 engrams checked, 1 failed")
}

func TestEngramVerifyRequiresSelector(t *testing.T) {
	setBaseEnv(t)
	code, _, errOut := runCLI(t, "engram", "verify")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--id or --tenant is required")
}

func TestEngramVerifyTamperedJSON(t *testing.T) {
	base := setBaseEnv(t)
	dir := filepath.Join(base, "engrams")
	bad := seedEngram(t, dir, "tenant-a", "hunt-2", "hunt for exfil")
	tamperEngram(t, dir, bad.ID)

	code, out, _ := runCLI(t, "engram", "verify", "--tenant", "tenant-a", "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"verified": false`)
	assert.Contains(t, out, engram.ErrIntegrity.Error())
}
