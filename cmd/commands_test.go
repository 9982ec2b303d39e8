package main

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "secrets", "keygen")
	require.NoError(t, err)

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestConfigValidate(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	path := writeConfig(t, "[secrets]\ncurrent_version = 1\n[secrets.keys]\n1 = \""+key+"\"\n")

	out, err := execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (kafka=false, key version 1)")
}

func TestConfigValidate_Rejects(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))

	// 当前版本不在密钥环中
	path := writeConfig(t, "[secrets]\ncurrent_version = 2\n[secrets.keys]\n1 = \""+key+"\"\n")
	_, err := execute(t, "config", "validate", "-c", path)
	require.Error(t, err)

	// 密钥不是 base64
	path = writeConfig(t, "[secrets]\ncurrent_version = 1\n[secrets.keys]\n1 = \"not base64!\"\n")
	_, err = execute(t, "config", "validate", "-c", path)
	require.Error(t, err)

	_, err = execute(t, "config", "validate", "-c", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
