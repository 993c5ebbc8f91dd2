package dispatch

import (
	"context"
	"errors"

	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

var errNoToyImporter = errors.New("toy import is not configured")

func (d *Dispatcher) handleTask(ctx context.Context, msg job.Message, r job.Replier) {
	j := d.begin(msg, r)

	desc, err := d.builder.Parse(string(msg.Body))
	if err != nil {
		j.logger.Error("failed to decode command", "error", err)
		j.finish(ctx, job.Result{
			Code:     job.CodeOf(err),
			Database: desc.Database,
			Project:  desc.Project,
			Owner:    desc.Owner,
		}, "")
		return
	}

	if desc.Kind == job.KindToyImport {
		j.life.advance(StateToyImportRedirect)
		next, ok := j.importToy(ctx, desc)
		if !ok {
			return
		}
		j.life.advance(StateTreeRegeneration)
		desc = next
	}

	j.runTool(ctx, desc)
}

// importToy imports the toy model and returns the tree regeneration job to
// chain. ok is false when a terminal reply has already been sent.
func (j *run) importToy(ctx context.Context, desc job.Descriptor) (next job.Descriptor, ok bool) {
	result := job.Result{Database: desc.Database, Project: desc.Project}

	if err := j.d.importToyModel(ctx, desc.ModelDir, desc.Database, desc.Project); err != nil {
		j.logger.Error("toy import failed", "dir", desc.ModelDir, "error", err)
		result.Code = job.CodeToolCrash
		result.Message = err.Error()
		j.finish(ctx, result, "")
		return job.Descriptor{}, false
	}

	if desc.Skip.Tree {
		result.Code = job.CodeOK
		j.finish(ctx, result, "")
		return job.Descriptor{}, false
	}
	return j.d.builder.TreeRegeneration(desc.Database, desc.Project), true
}

func (d *Dispatcher) importToyModel(ctx context.Context, dir, database, project string) error {
	if d.toys == nil {
		return errNoToyImporter
	}
	return d.toys.Import(ctx, d.toyRequest(dir, database, project))
}

// runTool spawns the bouncer for desc and performs any follow-on step.
func (j *run) runTool(ctx context.Context, desc job.Descriptor) {
	result := job.Result{Database: desc.Database, Project: desc.Project, Owner: desc.Owner}

	inv, err := j.d.builder.Build(desc, j.logDir)
	if err != nil {
		j.logger.Error("failed to build command", "error", err)
		result.Code = job.CodeOf(err)
		j.finish(ctx, result, "")
		return
	}

	if desc.Kind != job.KindFederationGenerate {
		j.life.advance(StateProcessing)
		j.announce(ctx, job.Processing(desc.Database, desc.Project))
	}

	out := j.spawn(ctx, inv, &monitor.Info{
		Owner:    desc.Owner,
		Model:    desc.Project,
		Database: desc.Database,
		Queue:    LabelTaskQueue,
	})
	result.Code = out.Code
	if !out.OK() {
		j.logger.Error("command failed", "kind", desc.Kind, "outcome", out.Kind, "code", int(out.Code))
		j.finish(ctx, result, "")
		return
	}

	switch {
	case desc.Kind == job.KindImport && j.d.builder.UnityEnabled():
		j.life.advance(StateUnityBundleGeneration)
		// A successful bundle keeps the import's own code, soft fails included.
		if code, ok := j.generateBundle(ctx, desc.Database, desc.Project, desc.Owner); !ok {
			result.Code = code
		}

	case desc.Kind == job.KindFederationGenerate && desc.ToyFed != "":
		j.life.advance(StateToyFederation)
		if err := j.d.importToyModel(ctx, desc.ToyFed, desc.Database, desc.Project); err != nil {
			j.logger.Error("toy federation import failed", "dir", desc.ToyFed, "error", err)
			result.Code = job.CodeToolCrash
			result.Message = err.Error()
		}
	}

	j.finish(ctx, result, "")
}

// generateBundle runs the asset-bundle step after a model import. On failure
// it returns CodeBundleGenerationFailure.
func (j *run) generateBundle(ctx context.Context, database, project, owner string) (job.Code, bool) {
	inv, err := j.d.builder.Bundle(database, project, j.logDir)
	if err != nil {
		j.logger.Error("failed to build bundle command", "error", err)
		return job.CodeBundleGenerationFailure, false
	}
	out := j.d.runner.Run(ctx, inv, &monitor.Info{
		DateTime: timeNow(),
		Owner:    owner,
		Model:    project,
		Database: database,
		Queue:    LabelUnityQueue,
	})
	if !out.OK() {
		j.logger.Error("bundle generation failed", "outcome", out.Kind, "code", int(out.Code))
		return job.CodeBundleGenerationFailure, false
	}
	return out.Code, true
}
