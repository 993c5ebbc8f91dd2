// Package monitor tracks memory and elapsed time of running tool processes.
//
// A Registry owns the tracked pid set and one record per pid. A single sampler
// goroutine runs while at least one pid is tracked; it exits when the set
// becomes empty and is restarted by the next Start.
//
// Memory readings are whole-system (or whole-container) values, not
// per-process. When several jobs run on one host their deltas overlap, so the
// figures are exact only for one-job-per-container deployments.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/bouncer-worker/internal/log"
)

// SupportedPlatforms lists the GOOS values on which monitoring runs.
var SupportedPlatforms = []string{"linux", "windows"}

// Info is job metadata attached to a tracked process.
type Info struct {
	DateTime time.Time `json:"date_time"`
	Owner    string    `json:"owner,omitempty"`
	Model    string    `json:"model,omitempty"`
	Database string    `json:"database,omitempty"`
	Queue    string    `json:"queue,omitempty"`
	FileType string    `json:"file_type,omitempty"`
	FileSize int64     `json:"file_size,omitempty"`
}

// Record is the state of one tracked process. Finalized records returned by
// Stop also carry ReturnCode and MaxMemoryDelta.
type Record struct {
	PID            int           `json:"pid"`
	Info           Info          `json:"info"`
	StartMemory    uint64        `json:"start_memory"`
	MaxMemory      uint64        `json:"max_memory"`
	Elapsed        time.Duration `json:"elapsed"`
	ReturnCode     int           `json:"return_code"`
	MaxMemoryDelta uint64        `json:"max_memory_delta"`
}

// Sink receives finalized records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// MemoryReader returns the current used memory in bytes.
type MemoryReader interface {
	UsedMemory(ctx context.Context) (uint64, error)
}

// ProcessChecker answers questions about live processes.
type ProcessChecker interface {
	Exists(ctx context.Context, pid int) (bool, error)
	Elapsed(ctx context.Context, pid int) (time.Duration, error)
}

// Options configures a Registry. Zero values pick the gopsutil-backed
// defaults for the current platform.
type Options struct {
	Interval time.Duration
	Memory   MemoryReader
	Checker  ProcessChecker
	Sink     Sink
	GOOS     string
	Now      func() time.Time
	Logger   *slog.Logger
}

type entry struct {
	rec       Record
	startedAt time.Time
}

// Registry is the tracked-pid set plus per-pid records.
type Registry struct {
	interval time.Duration
	mem      MemoryReader
	checker  ProcessChecker
	sink     Sink
	goos     string
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	tracked map[int]struct{}
	records map[int]*entry
	running bool
	quit    chan struct{}
	closed  bool
}

// New creates a Registry.
func New(opts Options) *Registry {
	r := &Registry{
		interval: opts.Interval,
		mem:      opts.Memory,
		checker:  opts.Checker,
		sink:     opts.Sink,
		goos:     opts.GOOS,
		now:      opts.Now,
		logger:   opts.Logger,
		tracked:  make(map[int]struct{}),
		records:  make(map[int]*entry),
		quit:     make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = time.Second
	}
	if r.goos == "" {
		r.goos = runtime.GOOS
	}
	if r.mem == nil {
		r.mem = DetectMemoryReader(r.goos)
	}
	if r.checker == nil {
		r.checker = SystemChecker{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = log.WithComponent("monitor")
	}
	return r
}

// Supported reports whether monitoring runs on this platform.
func (r *Registry) Supported() bool {
	return slices.Contains(SupportedPlatforms, r.goos)
}

// Start begins tracking pid. On unsupported platforms it logs and returns.
func (r *Registry) Start(ctx context.Context, pid int, info Info) {
	if !r.Supported() {
		r.logger.Error("not a supported operating system for monitoring", "os", r.goos)
		return
	}

	used, err := r.mem.UsedMemory(ctx)
	if err != nil {
		r.logger.Error("failed to get memory information record", "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.tracked[pid] = struct{}{}
	r.records[pid] = &entry{
		rec:       Record{PID: pid, Info: info, StartMemory: used, MaxMemory: used},
		startedAt: r.now(),
	}
	if !r.running {
		r.running = true
		go r.sample()
	}
	r.logger.Debug("monitoring enabled for process", "pid", pid, "start_memory", used)
}

// Stop ends tracking for pid, finalizes its record, hands it to the sink and
// drops all state for the pid. The returned record is the finalized one.
func (r *Registry) Stop(ctx context.Context, pid int, returnCode int) (Record, bool) {
	if !r.Supported() {
		r.logger.Error("not a supported operating system for monitoring", "os", r.goos)
		return Record{}, false
	}

	r.mu.Lock()
	delete(r.tracked, pid)
	e, ok := r.records[pid]
	delete(r.records, pid)
	r.mu.Unlock()
	if !ok {
		return Record{}, false
	}

	rec := e.rec
	rec.ReturnCode = returnCode
	rec.MaxMemoryDelta = rec.MaxMemory - rec.StartMemory
	if rec.Elapsed == 0 {
		rec.Elapsed = r.now().Sub(e.startedAt)
	}
	r.logger.Debug("process finalized", "pid", pid,
		"max_memory", rec.MaxMemory, "start_memory", rec.StartMemory, "delta", rec.MaxMemoryDelta)

	if r.sink != nil {
		if err := r.sink.Write(ctx, rec); err != nil {
			r.logger.Error("failed to create record", "pid", pid, "error", err)
		}
	}
	return rec, true
}

// Tick runs one sampling pass: drop pids whose process is gone, take one
// memory reading, then update elapsed time and peak memory of every pid
// still tracked.
func (r *Registry) Tick(ctx context.Context) {
	r.mu.Lock()
	pids := make([]int, 0, len(r.tracked))
	for pid := range r.tracked {
		pids = append(pids, pid)
	}
	r.mu.Unlock()
	if len(pids) == 0 {
		return
	}

	alive := make(map[int]time.Duration, len(pids))
	var gone []int
	for _, pid := range pids {
		exists, err := r.checker.Exists(ctx, pid)
		if err != nil {
			r.logger.Error("process existence check failed", "pid", pid, "error", err)
			exists = true
		}
		if !exists {
			gone = append(gone, pid)
			continue
		}
		elapsed, err := r.checker.Elapsed(ctx, pid)
		if err != nil {
			elapsed = -1
		}
		alive[pid] = elapsed
	}

	used, memErr := r.mem.UsedMemory(ctx)
	if memErr != nil {
		r.logger.Error("failed to get memory information record", "error", memErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pid := range gone {
		delete(r.tracked, pid)
	}
	for pid, elapsed := range alive {
		if _, ok := r.tracked[pid]; !ok {
			continue
		}
		e, ok := r.records[pid]
		if !ok {
			continue
		}
		if elapsed < 0 {
			elapsed = r.now().Sub(e.startedAt)
		}
		e.rec.Elapsed = elapsed
		if memErr == nil && used > e.rec.MaxMemory {
			r.logger.Debug("updating max memory", "pid", pid, "max_memory", used)
			e.rec.MaxMemory = used
		}
	}
}

// Tracked reports whether pid is in the sampling set.
func (r *Registry) Tracked(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tracked[pid]
	return ok
}

// Snapshot returns a copy of every live record.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, e := range r.records {
		out = append(out, e.rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return a.PID - b.PID })
	return out
}

// Close stops the sampler. Start is a no-op afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.quit)
}

func (r *Registry) sample() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return
		case <-ticker.C:
			r.Tick(context.Background())

			r.mu.Lock()
			if len(r.tracked) == 0 {
				r.running = false
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
	}
}
