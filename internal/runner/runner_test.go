//go:build !windows

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/log"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

func TestMain(m *testing.M) {
	log.Setup(log.Options{Level: "ERROR"})
	os.Exit(m.Run())
}

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

var softFails = []int{7, 10, 15}

func TestRunClassifiesExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantKind Kind
		wantCode job.Code
	}{
		{name: "clean exit", script: "exit 0", wantKind: Success, wantCode: job.CodeOK},
		{name: "soft fail", script: "exit 7", wantKind: Success, wantCode: 7},
		{name: "other soft fail", script: "exit 15", wantKind: Success, wantCode: 15},
		{name: "hard fail", script: "exit 3", wantKind: Failure, wantCode: 3},
		{name: "killed by signal", script: "kill -9 $$", wantKind: Failure, wantCode: job.CodeUnknownError},
	}

	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Run(context.Background(), Invocation{
				Path:         writeScript(t, tt.script),
				SuccessCodes: softFails,
				Timeout:      10 * time.Second,
			}, nil)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantCode, out.Code)
			assert.NotZero(t, out.PID)
		})
	}
}

func TestRunMissingExecutable(t *testing.T) {
	out := New().Run(context.Background(), Invocation{Path: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.Equal(t, Failure, out.Kind)
	assert.Equal(t, job.CodeUnknownError, out.Code)
	assert.False(t, out.OK())
}

func TestRunBackgroundChildHoldingOutput(t *testing.T) {
	r := New(WithGracePeriod(100 * time.Millisecond))

	tests := []struct {
		name     string
		script   string
		wantKind Kind
		wantCode job.Code
	}{
		{name: "clean exit", script: "sleep 2 &\nexit 0", wantKind: Success, wantCode: job.CodeOK},
		{name: "soft fail", script: "sleep 2 &\nexit 7", wantKind: Success, wantCode: 7},
		{name: "hard fail", script: "sleep 2 &\nexit 3", wantKind: Failure, wantCode: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			out := r.Run(context.Background(), Invocation{
				Path:         writeScript(t, tt.script),
				SuccessCodes: softFails,
				Timeout:      10 * time.Second,
			}, nil)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantCode, out.Code)
			assert.Less(t, time.Since(start), 2*time.Second, "Wait should not block on the child's pipes")
		})
	}
}

func TestExitCodeWithoutProcessState(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil, nil))
	assert.Equal(t, -1, exitCode(nil, os.ErrNotExist))
}

func TestRunTimeout(t *testing.T) {
	r := New(WithGracePeriod(200 * time.Millisecond))

	t.Run("terminated by SIGTERM", func(t *testing.T) {
		start := time.Now()
		out := r.Run(context.Background(), Invocation{
			Path:    writeScript(t, "sleep 30"),
			Timeout: 100 * time.Millisecond,
		}, nil)
		assert.Equal(t, Timeout, out.Kind)
		assert.Equal(t, job.CodeTimeout, out.Code)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("ignores SIGTERM and gets killed", func(t *testing.T) {
		start := time.Now()
		out := r.Run(context.Background(), Invocation{
			Path:    writeScript(t, "trap '' TERM\nsleep 30"),
			Timeout: 100 * time.Millisecond,
		}, nil)
		assert.Equal(t, Timeout, out.Kind)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("clean exit after termination is still a timeout", func(t *testing.T) {
		out := r.Run(context.Background(), Invocation{
			Path:    writeScript(t, "trap 'exit 0' TERM\nsleep 30 &\nwait"),
			Timeout: 100 * time.Millisecond,
		}, nil)
		assert.Equal(t, Timeout, out.Kind)
		assert.Equal(t, job.CodeTimeout, out.Code)
	})
}

func TestTimeoutKillsProcessTree(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("requires /proc")
	}
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, "sleep 30 &\necho $! > "+pidFile+"\nwait")

	out := New(WithGracePeriod(200*time.Millisecond)).Run(context.Background(), Invocation{
		Path:    script,
		Timeout: 300 * time.Millisecond,
	}, nil)
	require.Equal(t, Timeout, out.Kind)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !alive(child) }, 3*time.Second, 20*time.Millisecond,
		"grandchild %d survived the timeout", child)
}

// alive treats zombies as dead; the orphan may not be reaped yet.
func alive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] != 'Z'
}

func TestRunPassesPerInvocationEnv(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "env.txt")
	script := writeScript(t, `printf '%s|%s' "$REPO_LOG_DIR" "$AWS_ACCESS_KEY_ID" > `+outFile)

	out := New().Run(context.Background(), Invocation{
		Path: script,
		Env:  map[string]string{"REPO_LOG_DIR": "/logs/task-1", "AWS_ACCESS_KEY_ID": "AKIA"},
	}, nil)
	require.Equal(t, Success, out.Kind)

	got, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "/logs/task-1|AKIA", string(got))

	_, leaked := os.LookupEnv("REPO_LOG_DIR")
	assert.False(t, leaked, "worker environment must not be modified")
}

func TestRunPassesArgs(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, `echo "$@" > `+outFile)

	out := New().Run(context.Background(), Invocation{Path: script, Args: []string{"db1", "genStash", "tree"}}, nil)
	require.True(t, out.OK())

	got, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "db1 genStash tree\n", string(got))
}

func TestStderrTail(t *testing.T) {
	out := New().Run(context.Background(), Invocation{Path: writeScript(t, "echo boom >&2\nexit 2")}, nil)
	assert.Equal(t, Failure, out.Kind)
	assert.Equal(t, "boom\n", out.Stderr)
}

type recordingMonitor struct {
	mu      sync.Mutex
	started []int
	stopped map[int]int
}

func (m *recordingMonitor) Start(_ context.Context, pid int, _ monitor.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, pid)
}

func (m *recordingMonitor) Stop(_ context.Context, pid int, code int) (monitor.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[pid] = code
	return monitor.Record{PID: pid, ReturnCode: code}, true
}

func TestRunDrivesMonitor(t *testing.T) {
	mon := &recordingMonitor{stopped: map[int]int{}}
	r := New(WithMonitor(mon))

	out := r.Run(context.Background(), Invocation{Path: writeScript(t, "exit 10"), SuccessCodes: softFails},
		&monitor.Info{Database: "db1", Queue: "jobq"})
	require.Equal(t, Success, out.Kind)

	assert.Equal(t, []int{out.PID}, mon.started)
	assert.Equal(t, 10, mon.stopped[out.PID])

	// Without info the process is not tracked.
	r.Run(context.Background(), Invocation{Path: writeScript(t, "exit 0")}, nil)
	assert.Len(t, mon.started, 1)
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
	assert.Equal(t, []string{"A=1"}, mergeEnv([]string{"A=1"}, nil))
}

func TestLineLoggerTail(t *testing.T) {
	l := newLineLogger(log.Get(), "stderr")
	big := strings.Repeat("x", maxStderrBytes+10)
	_, err := l.Write([]byte(big))
	require.NoError(t, err)
	l.Flush()
	assert.Len(t, l.Tail(), maxStderrBytes)
}
