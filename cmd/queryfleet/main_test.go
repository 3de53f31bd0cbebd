package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"executor", "migrate", "sweep"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateThenSweep(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUERYFLEET_CONFIG", "")
	t.Setenv("META_DB_PATH", filepath.Join(dir, "status.sqlite"))
	t.Setenv("LOCK_BACKEND", "sqlite")
	t.Setenv("BROKER_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "error")
	envFile := filepath.Join(dir, "missing.env")

	_, err := runCmd(t, "migrate", "--env-file", envFile)
	require.NoError(t, err)

	out, err := runCmd(t, "sweep", "--env-file", envFile)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "swept", got["result"])

	out, err = runCmd(t, "sweep", "--env-file", envFile)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "not_due", got["result"], "second tick inside the interval is skipped")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("QUERYFLEET_CONFIG", "")
	t.Setenv("LOCK_BACKEND", "zookeeper")

	_, err := runCmd(t, "migrate", "--env-file", filepath.Join(t.TempDir(), "none.env"))
	assert.ErrorContains(t, err, "LOCK_BACKEND")
}
