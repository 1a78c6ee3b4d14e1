package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bayou.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
data_dir: "/var/lib/bayou"
log_level: debug
node_id: 7
keys:
  - id: key-1
    secret: s3cret
    document: doc1
    author: alice
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, int64(7), cfg.NodeID)

	key, ok := cfg.KeyFor("key-1")
	require.True(t, ok)
	assert.Equal(t, "doc1", key.Document)
	assert.Equal(t, "alice", key.Author)

	_, ok = cfg.KeyFor("ghost")
	assert.False(t, ok)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Keys = []SessionKey{{ID: "k", Secret: "", Document: "d", Author: "a"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Keys = []SessionKey{
		{ID: "k", Secret: "s", Document: "d", Author: "a"},
		{ID: "k", Secret: "s2", Document: "d2", Author: "b"},
	}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.NodeID = 4096
	assert.Error(t, cfg.Validate())
}
