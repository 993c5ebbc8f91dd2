package dispatch

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

// unityRequest is the unity queue message body, as produced by the model queue.
type unityRequest struct {
	Database string    `json:"database"`
	Project  string    `json:"project"`
	User     string    `json:"user"`
	Value    *job.Code `json:"value"`
}

func (d *Dispatcher) handleUnity(ctx context.Context, msg job.Message, r job.Replier) {
	j := d.begin(msg, r)

	var req unityRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		j.logger.Error("failed to decode unity message", "error", err)
		j.finish(ctx, job.Result{Code: job.CodeParameterReadFailure}, "")
		return
	}

	result := job.Result{Database: req.Database, Project: req.Project, Owner: req.User}
	if req.Value != nil {
		result.Code = *req.Value
	}

	j.life.advance(StateProcessing)
	j.announce(ctx, job.Processing(req.Database, req.Project))

	if req.Database == "" || req.Project == "" {
		j.logger.Error("unity message requires database and project")
		result.Code = job.CodeParameterReadFailure
		j.finish(ctx, result, "")
		return
	}

	inv, err := d.builder.Bundle(req.Database, req.Project, j.logDir)
	if err != nil {
		j.logger.Error("failed to build bundle command", "error", err)
		result.Code = job.CodeBundleGenerationFailure
		result.Message = err.Error()
		j.finish(ctx, result, "")
		return
	}

	out := j.spawn(ctx, inv, &monitor.Info{
		Owner:    req.User,
		Model:    req.Project,
		Database: req.Database,
		Queue:    LabelUnityQueue,
	})
	if !out.OK() {
		j.logger.Error("failed to generate asset bundle", "outcome", out.Kind, "code", int(out.Code))
		result.Code = out.Code
	}
	j.finish(ctx, result, "")
}
