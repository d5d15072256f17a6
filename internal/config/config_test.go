package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStringDefaultsIPAddr(t *testing.T) {
	c, err := LoadString(`
[system]
meta_dirs = ["/var/basecold/meta"]
data_dirs = ["/var/basecold/data"]

[server]
port = 9000
`)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", c.Server.IPAddr)
	assert.Equal(t, 9000, c.Server.Port)
}

func TestLoadStringRejectsEmptyDataDirs(t *testing.T) {
	_, err := LoadString(`
[system]
meta_dirs = ["/var/basecold/meta"]
data_dirs = []

[server]
port = 9000
`)
	assert.Error(t, err)
}

func TestLoadStringRejectsMissingPort(t *testing.T) {
	_, err := LoadString(`
[system]
meta_dirs = ["/m"]
data_dirs = ["/d"]
`)
	assert.Error(t, err)
}

func TestLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "basecold.toml")
	content := []byte(`
[system]
meta_dirs = ["/m"]
data_dirs = ["/d"]

[server]
ip_addr = "127.0.0.1"
port = 9001
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/m"}, c.System.MetaDirs)
	assert.Equal(t, "127.0.0.1", c.Server.IPAddr)
}

func TestLoadPrefersEnvOverride(t *testing.T) {
	dir := t.TempDir()
	overridePath := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(overridePath, []byte(`
[system]
meta_dirs = ["/override-m"]
data_dirs = ["/override-d"]

[server]
port = 9002
`), 0o644))
	t.Setenv(EnvOverride, overridePath)

	c, err := Load("", `[system]
meta_dirs = ["/ignored"]
data_dirs = ["/ignored"]
[server]
port = 1`)
	require.NoError(t, err)
	assert.Equal(t, []string{"/override-m"}, c.System.MetaDirs)
}
