package process

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exitCode waits for s to be reaped and returns its exit code.
func exitCode(t *testing.T, s Stream) int {
	t.Helper()
	require.Implements(t, (*ExitCoder)(nil), s)
	ec := s.(ExitCoder)
	select {
	case <-ec.Reaped():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not reaped")
	}
	return ec.ExitCode()
}

func TestDefaultHandle(t *testing.T) {
	cases := []struct {
		name        string
		cmd         string
		opts        []Option
		expOutput   string
		expExitCode int
	}{
		{
			name:      "happy case",
			cmd:       `printf 'Line 1\nLine 2'`,
			expOutput: "Line 1\nLine 2",
		},
		{
			name:      "no output",
			cmd:       "true",
			expOutput: "",
		},
		{
			name:        "non-zero exit",
			cmd:         "printf foo; exit 3",
			expOutput:   "foo",
			expExitCode: 3,
		},
		{
			name:      "stderr is not in the stream by default",
			cmd:       "printf foo; printf bar 1>&2",
			expOutput: "foo",
		},
		{
			name:      "combined output",
			cmd:       "printf foo; printf bar 1>&2",
			opts:      []Option{WithCombinedOutput()},
			expOutput: "foobar",
		},
		{
			name:      "env",
			cmd:       `printf "$PROCWORKER_TEST"`,
			opts:      []Option{WithEnv("PROCWORKER_TEST=hello")},
			expOutput: "hello",
		},
		{
			name:      "dir",
			cmd:       "pwd",
			opts:      []Option{WithDir("/")},
			expOutput: "/\n",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := NewDefaultHandle(c.cmd, c.opts...)
			assert.Equal(t, c.cmd, h.Command())

			s, err := h.Start()
			require.NoError(t, err)
			assert.True(t, h.IsRunning(s))

			b, err := io.ReadAll(s)
			require.NoError(t, err)
			assert.Equal(t, c.expOutput, string(b))
			assert.False(t, h.IsRunning(s))

			h.Stop(s)
			assert.Equal(t, c.expExitCode, exitCode(t, s))
		})
	}
}

func TestDefaultHandleStartFailure(t *testing.T) {
	h := NewDefaultHandle("echo hello", WithShell("/nonexistent/shell"))
	s, err := h.Start()
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, ErrStartFailure))

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "echo hello", startErr.Command)
}

func TestDefaultHandleStopIsIdempotent(t *testing.T) {
	h := NewDefaultHandle("printf hello")
	s, err := h.Start()
	require.NoError(t, err)

	h.Stop(s)
	h.Stop(s)
	assert.False(t, h.IsRunning(s))

	n, err := s.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Error(t, err)

	// never started, or started by a different handle
	h.Stop(nil)
	other := NewDefaultHandle("printf hello")
	otherStream, err := other.Start()
	require.NoError(t, err)
	h.Stop(otherStream)
	assert.True(t, other.IsRunning(otherStream))
	assert.False(t, h.IsRunning(otherStream))
	other.Stop(otherStream)
}

func TestDefaultHandleStopKillsRunningProcess(t *testing.T) {
	h := NewDefaultHandle("sleep 30")
	s, err := h.Start()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.Stop(s)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop blocked")
	}
	assert.Equal(t, -1, exitCode(t, s))
}

func TestDefaultHandleStopDoesNotWaitForLingeringProcess(t *testing.T) {
	cases := []struct {
		name        string
		cmd         string
		killGrace   time.Duration
		expExitCode int
	}{
		{
			name:        "exits on its own within the grace",
			cmd:         "printf hi; exec 1>&-; sleep 0.3; exit 7",
			killGrace:   5 * time.Second,
			expExitCode: 7,
		},
		{
			name:        "killed after the grace",
			cmd:         "printf hi; exec 1>&-; sleep 30",
			killGrace:   100 * time.Millisecond,
			expExitCode: -1,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := NewDefaultHandle(c.cmd, WithKillGrace(c.killGrace))
			s, err := h.Start()
			require.NoError(t, err)

			b, err := io.ReadAll(s)
			require.NoError(t, err)
			assert.Equal(t, "hi", string(b))
			require.False(t, h.IsRunning(s))

			start := time.Now()
			h.Stop(s)
			assert.Less(t, time.Since(start), 200*time.Millisecond)

			select {
			case <-s.(ExitCoder).Reaped():
				t.Fatal("reaped before the process exited")
			default:
			}
			assert.Equal(t, -1, s.(ExitCoder).ExitCode())

			assert.Equal(t, c.expExitCode, exitCode(t, s))
		})
	}
}

func TestDefaultHandleChunkedReads(t *testing.T) {
	h := NewDefaultHandle(`printf 'Line 1\nLine 2'`)
	s, err := h.Start()
	require.NoError(t, err)
	defer h.Stop(s)

	var out bytes.Buffer
	buf := make([]byte, 4)
	for h.IsRunning(s) {
		n, err := s.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
		}
	}
	assert.Equal(t, "Line 1\nLine 2", out.String())
}
