package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bouncer-worker/internal/command"
	"github.com/mattjoyce/bouncer-worker/internal/config"
	"github.com/mattjoyce/bouncer-worker/internal/dispatch"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunCheckValidConfig(t *testing.T) {
	path := writeConfig(t, `
rabbitmq:
  worker_queue: JOBQ
  callback_queue: CALLBACKQ
bouncer:
  path: /nonexistent/bouncer
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"-config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "fingerprint: blake3:")
	assert.Contains(t, stdout, "Configuration OK")
	assert.Contains(t, stderr, "bouncer.path")
}

func TestRunCheckInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
rabbitmq:
  worker_queue: JOBQ
bouncer:
  path: /opt/bouncer
`)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"-config", path})
	})
	assert.Equal(t, 1, code)
	assert.True(t, strings.Contains(stderr, "callback_queue"), stderr)
}

func TestSubscriptionsFollowConfiguredQueues(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bouncer.Path = "/opt/bouncer"
	disp := dispatch.New(dispatch.Options{Builder: command.New(cfg)})

	rc := config.RabbitMQConfig{
		WorkerQueue:   "JOBQ",
		ModelQueue:    "MODELQ",
		UnityQueue:    "UNITYQ",
		TaskPrefetch:  4,
		ModelPrefetch: 1,
		UnityPrefetch: 1,
	}

	// The unity queue is only a hand-off target here.
	subs := subscriptions(rc, disp)
	require.Len(t, subs, 2)
	assert.Equal(t, "JOBQ", subs[0].Queue)
	assert.Equal(t, 4, subs[0].Prefetch)
	assert.NotNil(t, subs[0].Handler)
	assert.Equal(t, "MODELQ", subs[1].Queue)

	rc.ConsumeUnity = true
	subs = subscriptions(rc, disp)
	require.Len(t, subs, 3)
	assert.Equal(t, "UNITYQ", subs[2].Queue)
	assert.Equal(t, 1, subs[2].Prefetch)
}

func TestNonEmpty(t *testing.T) {
	assert.Nil(t, nonEmpty(""))
	assert.Equal(t, []string{"UNITYQ"}, nonEmpty("", "UNITYQ"))
}

func TestFmtOctal(t *testing.T) {
	assert.Equal(t, "0002", fmtOctal(0o2))
	assert.Equal(t, "0022", fmtOctal(0o22))
}
