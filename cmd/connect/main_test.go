package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestRun(t *testing.T) {
	t.Run("should close the service when the command fails", func(t *testing.T) {
		path := writeConfig(t, "backend: memory\nlog:\n  level: error\n")
		a := &app{}

		err := run(a, []string{"--config", path, "destroy", "A", "B"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no connection from A to B")
		assert.NotNil(t, a.cfg, "the service was opened")
		assert.Nil(t, a.service)
	})

	t.Run("should close the service when the command succeeds", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, "backend: sqlite\nsqlite:\n  path: "+filepath.Join(dir, "connect.db")+"\nlog:\n  level: error\n")

		a := &app{}
		require.NoError(t, run(a, []string{"--config", path, "create", "A", "B", "--type", "follow"}))
		assert.Nil(t, a.service)

		a = &app{}
		require.NoError(t, run(a, []string{"--config", path, "destroy", "A", "B"}))
		assert.Nil(t, a.service)
	})

	t.Run("should not open anything when the config is invalid", func(t *testing.T) {
		path := writeConfig(t, "backend: cassandra\n")
		a := &app{}

		assert.Error(t, run(a, []string{"--config", path, "check", "A", "B"}))
		assert.Nil(t, a.cfg)
		assert.Nil(t, a.service)
	})
}
