package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/monitor"
)

// modelEnvelope is the model queue message body.
type modelEnvelope struct {
	Database  string    `json:"database"`
	Model     string    `json:"model"`
	User      string    `json:"user"`
	CmdParams cmdParams `json:"cmdParams"`
	File      string    `json:"file"`
}

// cmdParams accepts either a JSON array of tokens or a single command string.
type cmdParams []string

func (c *cmdParams) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = strings.Fields(s)
		return nil
	}
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	*c = tokens
	return nil
}

func decodeModelEnvelope(body []byte) (modelEnvelope, error) {
	var env modelEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, job.Errorf(job.CodeParameterReadFailure, "decode model message: %v", err)
	}
	if env.Database == "" || env.Model == "" || len(env.CmdParams) == 0 {
		return env, job.Errorf(job.CodeParameterReadFailure, "model message requires database, model and cmdParams")
	}
	return env, nil
}

func (d *Dispatcher) handleModel(ctx context.Context, msg job.Message, r job.Replier) {
	j := d.begin(msg, r)

	env, err := decodeModelEnvelope(msg.Body)
	if err != nil {
		j.logger.Error("failed to decode model message", "error", err)
		j.finish(ctx, job.Result{Code: job.CodeOf(err)}, "")
		return
	}
	result := job.Result{Database: env.Database, Project: env.Model, Owner: env.User}

	j.life.advance(StateProcessing)
	j.announce(ctx, job.Processing(env.Database, env.Model))

	info, err := modelInfo(env)
	if err != nil {
		j.logger.Error("failed to read model file", "file", env.File, "error", err)
		result.Code = job.CodeOf(err)
		j.finish(ctx, result, "")
		return
	}

	out := j.spawn(ctx, d.builder.Tool(env.CmdParams, j.logDir), info)
	result.Code = out.Code
	if !out.OK() {
		j.logger.Error("model import failed", "outcome", out.Kind, "code", int(out.Code))
		j.finish(ctx, result, "")
		return
	}

	if d.unityQueue == "" {
		j.finish(ctx, result, "")
		return
	}
	j.announce(ctx, job.Queued(env.Database, env.Model))
	j.finish(ctx, result, d.unityQueue)
}

func modelInfo(env modelEnvelope) (*monitor.Info, error) {
	info := &monitor.Info{
		Owner:    env.User,
		Model:    env.Model,
		Database: env.Database,
		Queue:    LabelModelQueue,
	}
	if env.File == "" {
		return info, nil
	}
	st, err := os.Stat(env.File)
	if err != nil {
		return nil, job.Errorf(job.CodeParameterReadFailure, "stat %s: %v", env.File, err)
	}
	info.FileSize = st.Size()
	info.FileType = strings.TrimPrefix(filepath.Ext(env.File), ".")
	return info, nil
}
