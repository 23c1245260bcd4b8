package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv pins the configuration to an offline, dummy-backed profile.
func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_PROFILE", "test")
	t.Setenv("RELAY_MODEL_PROVIDER", "dummy")
	t.Setenv("RELAY_TOKENIZER", "heuristic")
	t.Setenv("RELAY_LOG_DIR", "")
	t.Setenv("OPENAI_API_KEY", "")
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "history", "events", "tokens", "migrate"} {
		assert.Contains(t, names, want)
	}
	for _, flag := range []string{"config", "env-file", "db"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestMigrateCmd(t *testing.T) {
	setupEnv(t)
	dbPath := filepath.Join(t.TempDir(), "relay.db")

	out, err := execute(t, nil, "migrate", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "applied 1 migration(s) to "+dbPath+"\n", out)

	out, err = execute(t, nil, "migrate", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "applied 0 migration(s) to "+dbPath+"\n", out)
}

func TestTokensCmd_Args(t *testing.T) {
	setupEnv(t)
	t.Setenv("RELAY_SYSTEM_PROMPT", "system!")
	t.Setenv("RELAY_MAX_CONTEXT_TOKENS", "100")
	t.Setenv("RELAY_RESPONSE_RESERVE", "10")

	out, err := execute(t, nil, "tokens", "abcd", "efg")
	require.NoError(t, err)
	assert.Equal(t, "tokens: 2\ncontext: 4/100 (system prompt + text), reserve 10\navailable: 86\n", out)
}

func TestTokensCmd_Stdin(t *testing.T) {
	setupEnv(t)
	t.Setenv("RELAY_SYSTEM_PROMPT", "system!")
	t.Setenv("RELAY_MAX_CONTEXT_TOKENS", "100")
	t.Setenv("RELAY_RESPONSE_RESERVE", "10")

	out, err := execute(t, strings.NewReader("abcd\n"), "tokens")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tokens: 1\n"), out)
	assert.Contains(t, out, "available: 87\n")
}

func TestTokensCmd_OverBudget(t *testing.T) {
	setupEnv(t)
	t.Setenv("RELAY_SYSTEM_PROMPT", "system!")
	t.Setenv("RELAY_MAX_CONTEXT_TOKENS", "12")
	t.Setenv("RELAY_RESPONSE_RESERVE", "10")

	out, err := execute(t, nil, "tokens", strings.Repeat("x", 16))
	require.NoError(t, err)
	assert.Contains(t, out, "tokens: 4\n")
	assert.Contains(t, out, "available: none")
}

func TestTokensCmd_UnknownTokenizer(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, nil, "tokens", "--tokenizer", "bpe", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tokenizer")
}
