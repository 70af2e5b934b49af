package proc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func spawn(t *testing.T, spec Spec) Handle {
	t.Helper()
	h, err := NewLocalSpawner(log).Spawn(context.Background(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { h.Kill() })
	return h
}

// drain reads the output stream to completion, returning per-stream bytes.
func drain(t *testing.T, h Handle) (stdout, stderr string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case chunk, ok := <-h.Output():
			if !ok {
				return stdout, stderr
			}
			if chunk.Stream == Stderr {
				stderr += string(chunk.Bytes)
			} else {
				stdout += string(chunk.Bytes)
			}
		case <-timeout:
			t.Fatal("timed out draining output")
		}
	}
}

func wait(t *testing.T, h Handle) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := h.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestSpawnMissingInterpreter(t *testing.T) {
	_, err := NewLocalSpawner(log).Spawn(context.Background(), Spec{Command: "/nonexistent/interpreter"})
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
}

func TestSpawnBadWorkingDirectory(t *testing.T) {
	_, err := NewLocalSpawner(log).Spawn(context.Background(), Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "true"},
		WD:      "/nonexistent/directory",
	})
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Contains(t, err.Error(), "working directory")
}

func TestOutputStreams(t *testing.T) {
	cases := []struct {
		name      string
		code      string
		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:      "stdout only",
			code:      "echo hello",
			expStdout: "hello\n",
		},
		{
			name:      "both streams",
			code:      "printf foo; printf bar 1>&2",
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:    "nonzero exit",
			code:    "exit 3",
			expCode: 3,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", c.code}})
			stdout, stderr := drain(t, h)
			assert.Equal(t, c.expStdout, stdout)
			assert.Equal(t, c.expStderr, stderr)
			st := wait(t, h)
			assert.Equal(t, c.expCode, st.ExitCode)
			assert.False(t, st.Signaled)
		})
	}
}

func TestStdinRoundtrip(t *testing.T) {
	h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", "read line; echo $line bar"}})
	require.NoError(t, h.WriteStdin([]byte("foo\n")))
	stdout, _ := drain(t, h)
	assert.Equal(t, "foo bar\n", stdout)
	assert.Equal(t, 0, wait(t, h).ExitCode)
}

func TestCloseStdinSignalsEOF(t *testing.T) {
	h := spawn(t, Spec{Command: "cat"})
	require.NoError(t, h.WriteStdin([]byte("all of it")))
	require.NoError(t, h.CloseStdin())
	stdout, _ := drain(t, h)
	assert.Equal(t, "all of it", stdout)
	assert.Equal(t, 0, wait(t, h).ExitCode)
}

func TestWriteStdinAfterExit(t *testing.T) {
	h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", "true"}})
	drain(t, h)
	wait(t, h)
	assert.ErrorIs(t, h.WriteStdin([]byte("late\n")), ErrStdinClosed)
}

func TestKillUnblocksReadsAndIsIdempotent(t *testing.T) {
	h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 60"}})
	require.NoError(t, h.Kill())
	require.NoError(t, h.Kill())

	drain(t, h)
	st := wait(t, h)
	assert.True(t, st.Signaled)
	assert.Equal(t, -1, st.ExitCode)

	// killing an exited process is a no-op
	require.NoError(t, h.Kill())
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 60 & echo up; read line"}})
	select {
	case chunk := <-h.Output():
		require.Equal(t, "up\n", string(chunk.Bytes))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	require.NoError(t, h.Kill())

	// the background child shares the stdout pipe; it must not keep the
	// stream open past the kill
	drain(t, h)
	st := wait(t, h)
	assert.True(t, st.Signaled)
}

func TestWaitHonorsContext(t *testing.T) {
	h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 60"}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResizeIsNoopWithoutTTY(t *testing.T) {
	h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 0.2"}})
	assert.NoError(t, h.Resize(40, 120))
	drain(t, h)
	wait(t, h)
}

func TestPTYOutputAndResize(t *testing.T) {
	h := spawn(t, Spec{Command: "/bin/sh", Args: []string{"-c", "echo hi"}, TTY: true})
	require.NoError(t, h.Resize(40, 120))
	stdout, stderr := drain(t, h)
	// a PTY merges streams and rewrites NL to CRNL
	assert.Contains(t, stdout, "hi")
	assert.Empty(t, stderr)
	assert.Equal(t, 0, wait(t, h).ExitCode)
}

func TestEnvAndWorkingDirectory(t *testing.T) {
	h := spawn(t, Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo $SCRIPTBOOK_TEST_VAR; pwd"},
		WD:      "/tmp",
		Env:     []string{"SCRIPTBOOK_TEST_VAR=val123"},
	})
	stdout, _ := drain(t, h)
	assert.Contains(t, stdout, "val123")
	assert.Contains(t, stdout, "/tmp")
	assert.Equal(t, 0, wait(t, h).ExitCode)
}
