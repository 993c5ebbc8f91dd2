package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/bouncer-worker/internal/artifact"
	"github.com/mattjoyce/bouncer-worker/internal/command"
	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/log"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
	"github.com/mattjoyce/bouncer-worker/internal/runner"
	"github.com/mattjoyce/bouncer-worker/internal/toy"
)

// Queue labels attached to resource records.
const (
	LabelTaskQueue  = "JOBQ"
	LabelModelQueue = "MODELQ"
	LabelUnityQueue = "UNITYQ"
)

var timeNow = time.Now

// Runner executes a built invocation.
type Runner interface {
	Run(ctx context.Context, inv runner.Invocation, info *monitor.Info) runner.Outcome
}

// Options wires a Dispatcher.
type Options struct {
	Builder *command.Builder
	Runner  Runner
	// Toys is required for importToy and genFed toy federation.
	Toys toy.Importer
	// Archiver is optional; task logs are uploaded after the terminal reply.
	Archiver   artifact.Archiver
	TaskLogDir string
	ToyDir     string
	// UnityQueue receives successful model imports. Empty sends results to the reply queue.
	UnityQueue string
	NewID      func() string
}

// Dispatcher runs jobs for all inbound queues.
type Dispatcher struct {
	builder    *command.Builder
	runner     Runner
	toys       toy.Importer
	archiver   artifact.Archiver
	taskLogDir string
	toyDir     string
	unityQueue string
	newID      func() string
	logger     *slog.Logger

	// onTerminal sees each job's lifecycle once its terminal state is entered.
	onTerminal func(*lifecycle)
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		builder:    opts.Builder,
		runner:     opts.Runner,
		toys:       opts.Toys,
		archiver:   opts.Archiver,
		taskLogDir: opts.TaskLogDir,
		toyDir:     opts.ToyDir,
		unityQueue: opts.UnityQueue,
		newID:      opts.NewID,
		logger:     log.WithComponent("dispatch"),
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if d.taskLogDir == "" {
		d.taskLogDir = "./log"
	}
	if d.toyDir == "" {
		d.toyDir = "./toy"
	}
	return d
}

// Task returns the handler for text commands.
func (d *Dispatcher) Task() job.Handler { return job.HandlerFunc(d.handleTask) }

// Model returns the handler for the model queue.
func (d *Dispatcher) Model() job.Handler { return job.HandlerFunc(d.handleModel) }

// Unity returns the handler for the unity queue.
func (d *Dispatcher) Unity() job.Handler { return job.HandlerFunc(d.handleUnity) }

// run is the per-message context shared by the handlers.
type run struct {
	d      *Dispatcher
	msg    job.Message
	r      job.Replier
	rid    string
	logDir string
	life   *lifecycle
	logger *slog.Logger
}

func (d *Dispatcher) begin(msg job.Message, r job.Replier) *run {
	rid := msg.CorrelationID
	if rid == "" {
		rid = d.newID()
	}
	logger := log.WithJob(rid).With("component", "dispatch", "queue", msg.Queue)
	logger.Info("message received", "body", string(msg.Body))
	return &run{
		d:      d,
		msg:    msg,
		r:      r,
		rid:    rid,
		logDir: command.LogDir(d.taskLogDir, rid),
		life:   newLifecycle(logger),
		logger: logger,
	}
}

// announce sends an intermediate status without acknowledging.
func (j *run) announce(ctx context.Context, status job.Status) {
	if err := j.r.Reply(ctx, status, false); err != nil {
		j.logger.Error("failed to publish status", "status", status.State, "error", err)
	}
}

// spawn moves to Spawned, runs inv and moves to the outcome state.
func (j *run) spawn(ctx context.Context, inv runner.Invocation, info *monitor.Info) runner.Outcome {
	if info != nil && info.DateTime.IsZero() {
		info.DateTime = timeNow()
	}
	j.life.advance(StateSpawned)
	out := j.d.runner.Run(ctx, inv, info)
	switch {
	case out.Kind == runner.Timeout:
		j.life.advance(StateTimedOut)
	case out.Kind == runner.Failure:
		j.life.advance(StateFailed)
	case out.Code != job.CodeOK:
		j.life.advance(StateSoftFailed)
	default:
		j.life.advance(StateSucceeded)
	}
	return out
}

// finish sends the single terminal reply, to the reply queue or to queue
// when it is set, and archives the task logs.
func (j *run) finish(ctx context.Context, res job.Result, queue string) {
	if j.life.terminal() {
		j.logger.Error("duplicate terminal result suppressed", "code", int(res.Code))
		return
	}
	j.life.advance(StateTerminal)
	if err := j.life.err(); err != nil {
		j.logger.Error("job reached terminal through illegal transitions", "history", j.life.history, "error", err)
	}
	if j.d.onTerminal != nil {
		j.d.onTerminal(j.life)
	}

	var err error
	if queue != "" {
		err = j.r.ReplyTo(ctx, queue, res.Status())
	} else {
		err = j.r.Reply(ctx, res.Status(), true)
	}
	if err != nil {
		j.logger.Error("failed to publish result", "code", int(res.Code), "error", err)
	} else {
		j.logger.Info("job finished", "code", int(res.Code), "result", res.Code.String(),
			"database", res.Database, "project", res.Project)
	}

	if j.d.archiver != nil {
		if err := j.d.archiver.Archive(ctx, j.rid, j.logDir); err != nil {
			j.logger.Warn("failed to archive task logs", "error", err)
		}
	}
}

func (d *Dispatcher) toyRequest(dir, database, project string) toy.Request {
	return toy.Request{Dir: filepath.Join(d.toyDir, dir), Database: database, Project: project}
}
