package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/digestd/internal/config"
	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/render"
	"github.io/infrasutra/digestd/internal/store"
)

func sampleRecord() store.Record {
	record := store.NewRecord("alice")
	record.Buckets["2024-01-01"] = []store.Message{
		{To: "alice", Subject: "Build failed", Body: "see logs"},
		{To: "alice", Subject: "Build fixed", Body: "green again"},
	}
	record.Buckets["2024-01-02"] = []store.Message{{To: "alice", Subject: "Today", Body: "pending"}}
	return record
}

func TestWriteRecordTable(t *testing.T) {
	var out bytes.Buffer
	writeRecordTable(&out, nil)
	assert.Equal(t, "No digest records.\n", out.String())

	out.Reset()
	writeRecordTable(&out, []store.Record{sampleRecord()})
	assert.Contains(t, out.String(), "Recipient")
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "2024-01-01 (2), 2024-01-02 (1)")
}

func TestWriteRecordDetailPreviewsPriorPeriods(t *testing.T) {
	renderer, err := render.New("Digest", "")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, writeRecordDetail(&out, sampleRecord(), renderer, period.Key("2024-01-02")))

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "Recipient: alice\n"))
	assert.Contains(t, text, "=== Digest Notifications 2024-01-01 ===")
	assert.NotContains(t, text, "=== Digest Notifications 2024-01-02 ===")
	assert.Contains(t, text, "green again")
}

func TestLockPath(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, filepath.Join(os.TempDir(), "digestd.lock"), lockPath(cfg))

	cfg.DBPath = "/var/lib/digestd/digest.db"
	assert.Equal(t, "/var/lib/digestd/digest.db.lock", lockPath(cfg))

	cfg.LockPath = "/run/digestd.lock"
	assert.Equal(t, "/run/digestd.lock", lockPath(cfg))

	redisCfg := config.Defaults()
	redisCfg.StoreDriver = store.DriverRedis
	redisCfg.RedisURL = "redis://localhost:6379/0"
	assert.Empty(t, lockPath(redisCfg), "redis hosts share the store and lock per id")
	redisCfg.LockPath = "/run/digestd.lock"
	assert.Equal(t, "/run/digestd.lock", lockPath(redisCfg))
}

func TestAcquireLockExcludesSecondOwner(t *testing.T) {
	logger := newLogger(config.Defaults(), io.Discard)
	path := filepath.Join(t.TempDir(), "digestd.lock")

	unlock, err := acquireLock(path, logger)
	require.NoError(t, err)
	_, err = acquireLock(path, logger)
	assert.Error(t, err)
	unlock()

	unlock, err = acquireLock(path, logger)
	require.NoError(t, err)
	unlock()

	unlock, err = acquireLock("", logger)
	require.NoError(t, err)
	unlock()
}

func TestListCommandWithFileStore(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "digestd.toml")
	dbPath := filepath.Join(dir, "digest.db")
	require.NoError(t, os.WriteFile(configPath, []byte("db_path = \""+filepath.ToSlash(dbPath)+"\"\nlog_level = \"error\"\n"), 0o600))
	t.Setenv("DB_PATH", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("CONFIG_FILE", "")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", configPath, "list"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "No digest records.\n", out.String())

	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", configPath, "show", "nobody"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nobody")
}
