package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// DockerEnvFile marks a Docker container.
var DockerEnvFile = "/.dockerenv"

// CgroupMemoryFiles are tried in order: cgroup v1 then v2.
var CgroupMemoryFiles = []string{
	"/sys/fs/cgroup/memory/memory.usage_in_bytes",
	"/sys/fs/cgroup/memory.current",
}

// DetectMemoryReader picks the container accounting file inside a Linux
// container and whole-system memory otherwise.
func DetectMemoryReader(goos string) MemoryReader {
	if InContainer(goos) {
		return CgroupReader{Files: CgroupMemoryFiles}
	}
	return SystemMemory{}
}

// InContainer reports whether the worker runs inside a Docker container.
func InContainer(goos string) bool {
	if goos != "linux" {
		return false
	}
	_, err := os.Stat(DockerEnvFile)
	return err == nil
}

// SystemMemory reads whole-system used memory.
type SystemMemory struct{}

func (SystemMemory) UsedMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read system memory: %w", err)
	}
	return vm.Used, nil
}

// CgroupReader reads the first existing cgroup memory accounting file.
type CgroupReader struct {
	Files []string
}

func (c CgroupReader) UsedMemory(ctx context.Context) (uint64, error) {
	for _, f := range c.Files {
		data, err := os.ReadFile(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", f, err)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", f, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("no cgroup memory file found in %v", c.Files)
}

// SystemChecker answers process questions through gopsutil.
type SystemChecker struct{}

func (SystemChecker) Exists(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}

func (SystemChecker) Elapsed(ctx context.Context, pid int) (time.Duration, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, err
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return time.Since(time.UnixMilli(created)), nil
}
