package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveClient_CreatesNewFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	err := SaveClient(configPath, ClientConfig{ServerURL: "ws://relay.local/ws", PageSize: 25})
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server_url: ws://relay.local/ws")
	assert.Contains(t, string(data), "page_size: 25")
}

func TestSaveClient_PreservesOtherSections(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	initial := `# relay config, do not lose this comment
server:
  addr: ":9000"   # custom port
store:
  driver: memory
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o644))

	err := SaveClient(configPath, ClientConfig{ServerURL: "ws://h:9000/ws", PageSize: 10})
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "do not lose this comment")
	assert.Contains(t, content, "custom port")
	assert.Contains(t, content, `addr: ":9000"`)
	assert.Contains(t, content, "driver: memory")
	assert.Contains(t, content, "server_url: ws://h:9000/ws")
}

func TestSaveClient_ReplacesExistingSection(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	initial := `client:
  server_url: ws://old:1/ws
  page_size: 5
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o644))

	err := SaveClient(configPath, ClientConfig{ServerURL: "ws://new:2/ws", PageSize: 100})
	require.NoError(t, err)

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var loaded ClientConfig
	require.NoError(t, v.UnmarshalKey("client", &loaded))
	assert.Equal(t, "ws://new:2/ws", loaded.ServerURL)
	assert.Equal(t, 100, loaded.PageSize)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ws://old:1/ws")
}

func TestSaveClient_OmitsZeroPageSize(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	err := SaveClient(configPath, ClientConfig{ServerURL: "ws://h/ws"})
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "page_size")
}
