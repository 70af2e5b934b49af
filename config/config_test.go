package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8333", c.ListenAddr)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 1000, c.ReplayEvents)
	assert.NotEmpty(t, c.WorkDir)
	assert.Empty(t, c.DockerImage)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCRIPTBOOK_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("SCRIPTBOOK_LOG_LEVEL", "debug")
	t.Setenv("SCRIPTBOOK_EXEC_TIMEOUT", "30s")
	t.Setenv("SCRIPTBOOK_WORK_DIR", "/tmp")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", c.ListenAddr)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 30*time.Second, c.ExecTimeout)
	assert.Equal(t, "/tmp", c.WorkDir)
}

func TestInterpreterSpec(t *testing.T) {
	in := Interpreter{Command: "/bin/bash", Args: []string{"-c"}}
	spec := in.Spec("echo hi", "/work")
	assert.Equal(t, "/bin/bash", spec.Command)
	assert.Equal(t, []string{"-c", "echo hi"}, spec.Args)
	assert.Equal(t, "/work", spec.WD)
	assert.False(t, spec.TTY)
}

func TestResolveDefaultsToBash(t *testing.T) {
	m := DefaultInterpreters()
	in, err := m.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "/bin/bash", in.Command)
}

func TestResolveUnknownLanguage(t *testing.T) {
	m := DefaultInterpreters()
	_, err := m.Resolve("cobol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no interpreter")
	// the error names the configured languages to aid debugging
	assert.Contains(t, err.Error(), "bash")
}

func TestLoadInterpretersNoFile(t *testing.T) {
	m, err := LoadInterpreters("", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultInterpreters(), m)
}

func TestLoadInterpretersMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := `
interpreters:
  ruby:
    command: ruby
    args: ["-e"]
  python:
    command: /opt/python/bin/python3
    args: ["-c"]
    tty: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadInterpreters(path, dir)
	require.NoError(t, err)

	// new language added
	ruby, err := m.Resolve("ruby")
	require.NoError(t, err)
	assert.Equal(t, "ruby", ruby.Command)
	assert.Equal(t, []string{"-e"}, ruby.Args)

	// default overridden
	py, err := m.Resolve("python")
	require.NoError(t, err)
	assert.Equal(t, "/opt/python/bin/python3", py.Command)
	assert.True(t, py.TTY)

	// untouched default survives
	bash, err := m.Resolve("bash")
	require.NoError(t, err)
	assert.Equal(t, "/bin/bash", bash.Command)
}

func TestLoadInterpretersDiscoversFileUpward(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	content := "interpreters:\n  zsh:\n    command: /bin/zsh\n    args: [\"-c\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, InterpretersFileName), []byte(content), 0o644))

	m, err := LoadInterpreters("", nested)
	require.NoError(t, err)
	zsh, err := m.Resolve("zsh")
	require.NoError(t, err)
	assert.Equal(t, "/bin/zsh", zsh.Command)
}

func TestLoadInterpretersRejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interpreters:\n  ruby:\n    args: [\"-e\"]\n"), 0o644))

	_, err := LoadInterpreters(path, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command")
}

func TestLoadInterpretersBadPath(t *testing.T) {
	_, err := LoadInterpreters("/nonexistent/interpreters.yaml", "/tmp")
	require.Error(t, err)
}
