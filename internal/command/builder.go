// Package command turns queue command text into job descriptors and tool
// invocations.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/mattjoyce/bouncer-worker/internal/config"
	"github.com/mattjoyce/bouncer-worker/internal/job"
	"github.com/mattjoyce/bouncer-worker/internal/log"
	"github.com/mattjoyce/bouncer-worker/internal/runner"
)

// SharedDirPlaceholder is the path prefix rewritten on Windows hosts.
const SharedDirPlaceholder = "/sharedData/"

// unsetValue is what the tool expects for bucket settings that are not configured.
const unsetValue = "undefined"

// ErrNoUnity is returned by Bundle when no bundle generator is configured.
var ErrNoUnity = errors.New("unity bundle generation not configured")

// Builder parses command text and builds invocations from static configuration.
type Builder struct {
	bouncer   config.BouncerConfig
	aws       *config.AWSConfig
	unity     *config.UnityConfig
	sharedDir string
	goos      string
}

// Option configures a Builder.
type Option func(*Builder)

// WithGOOS overrides the platform used for shared-dir substitution.
func WithGOOS(goos string) Option {
	return func(b *Builder) { b.goos = goos }
}

// New creates a Builder from the loaded configuration.
func New(cfg *config.Config, opts ...Option) *Builder {
	b := &Builder{
		bouncer:   cfg.Bouncer,
		aws:       cfg.AWS,
		unity:     cfg.Unity,
		sharedDir: cfg.RabbitMQ.SharedDir,
		goos:      runtime.GOOS,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// UnityEnabled reports whether import jobs get a bundle follow-on step.
func (b *Builder) UnityEnabled() bool {
	return b.unity != nil && b.unity.Project != "" && b.unity.BatPath != ""
}

// descriptorFile is the JSON written by the web tier for import and genFed.
type descriptorFile struct {
	Database string          `json:"database"`
	Project  string          `json:"project"`
	Owner    string          `json:"owner"`
	ToyFed   json.RawMessage `json:"toyFed,omitempty"`
}

// Parse decodes command text. Errors carry a canonical code (see job.CodeOf).
func (b *Builder) Parse(text string) (job.Descriptor, error) {
	text = b.substituteSharedDir(strings.TrimSpace(text))
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return job.Descriptor{}, job.Errorf(job.CodeUnknownCommand, "empty command")
	}

	desc := job.Descriptor{
		Kind:       job.Kind(tokens[0]),
		RawCommand: text,
		Tokens:     tokens,
	}

	switch desc.Kind {
	case job.KindImport:
		file := importFile(tokens)
		if file == "" {
			return desc, job.Errorf(job.CodeParameterReadFailure, "import: missing descriptor file")
		}
		b.rewriteDescriptorFile(file)
		if err := readDescriptor(&desc, file); err != nil {
			return desc, err
		}

	case job.KindFederationGenerate:
		if len(tokens) < 2 {
			return desc, job.Errorf(job.CodeParameterReadFailure, "genFed: missing descriptor file")
		}
		if err := readDescriptor(&desc, tokens[1]); err != nil {
			return desc, err
		}

	case job.KindStashGenerate, job.KindUnityBundleGenerate:
		if len(tokens) < 3 {
			return desc, job.Errorf(job.CodeParameterReadFailure, "%s: expected <database> <project>", desc.Kind)
		}
		desc.Database, desc.Project = tokens[1], tokens[2]

	case job.KindToyImport:
		if len(tokens) < 4 {
			return desc, job.Errorf(job.CodeParameterReadFailure, "importToy: expected <database> <project> <modelDir>")
		}
		desc.Database, desc.Project, desc.ModelDir = tokens[1], tokens[2], tokens[3]
		desc.Owner = desc.Database
		if len(tokens) > 4 {
			raw := strings.Join(tokens[4:], " ")
			if err := json.Unmarshal([]byte(raw), &desc.Skip); err != nil {
				return desc, job.Errorf(job.CodeParameterReadFailure, "importToy: bad skip options %q: %v", raw, err)
			}
		}

	default:
		return desc, job.Errorf(job.CodeUnknownCommand, "unexpected command %q", tokens[0])
	}

	return desc, nil
}

// TreeRegeneration is the descriptor chained after a toy import.
func (b *Builder) TreeRegeneration(database, project string) job.Descriptor {
	tokens := []string{string(job.KindStashGenerate), database, project, "tree", "all"}
	return job.Descriptor{
		Kind:       job.KindStashGenerate,
		Database:   database,
		Project:    project,
		Owner:      database,
		RawCommand: strings.Join(tokens, " "),
		Tokens:     tokens,
	}
}

// importFile supports both "import -f <file>" and "import <file>".
func importFile(tokens []string) string {
	switch {
	case len(tokens) > 2 && tokens[1] == "-f":
		return tokens[2]
	case len(tokens) > 1 && tokens[1] != "-f":
		return tokens[1]
	}
	return ""
}

func readDescriptor(desc *job.Descriptor, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return job.Errorf(job.CodeParameterReadFailure, "read %s: %v", path, err)
	}
	var f descriptorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return job.Errorf(job.CodeParameterReadFailure, "parse %s: %v", path, err)
	}
	if f.Database == "" || f.Project == "" {
		return job.Errorf(job.CodeParameterReadFailure, "%s: database and project are required", path)
	}

	desc.SourceFile = path
	desc.Database = f.Database
	desc.Project = f.Project
	desc.Owner = f.Owner
	desc.ToyFed = toyFedDir(f.ToyFed)
	return nil
}

// toyFedDir accepts a directory name; false, null and other non-strings mean none.
func toyFedDir(raw json.RawMessage) string {
	var dir string
	if len(raw) == 0 || json.Unmarshal(raw, &dir) != nil {
		return ""
	}
	return dir
}

// substituteSharedDir replaces the first shared-data placeholder on Windows.
func (b *Builder) substituteSharedDir(s string) string {
	if b.goos != "windows" || b.sharedDir == "" {
		return s
	}
	return strings.Replace(s, SharedDirPlaceholder, b.sharedDir, 1)
}

// rewriteDescriptorFile applies the shared-dir substitution to the import
// descriptor on disk. Failures are logged only.
func (b *Builder) rewriteDescriptorFile(path string) {
	if b.goos != "windows" || b.sharedDir == "" {
		return
	}
	logger := log.WithComponent("command")
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read descriptor for shared dir rewrite", "path", path, "error", err)
		return
	}
	rewritten := b.substituteSharedDir(string(data))
	if rewritten == string(data) {
		return
	}
	if err := os.WriteFile(path, []byte(rewritten), 0o644); err != nil {
		logger.Error("failed to write descriptor after shared dir rewrite", "path", path, "error", err)
	}
}

// Build returns the tool invocation for desc. Toy imports run in-process
// and cannot be built.
func (b *Builder) Build(desc job.Descriptor, logDir string) (runner.Invocation, error) {
	if desc.Kind == job.KindToyImport {
		return runner.Invocation{}, fmt.Errorf("%s is handled in-process", desc.Kind)
	}
	if len(desc.Tokens) == 0 {
		return runner.Invocation{}, job.Errorf(job.CodeUnknownCommand, "empty command")
	}
	return b.Tool(desc.Tokens, logDir), nil
}

// Tool builds a bouncer invocation for raw command tokens.
func (b *Builder) Tool(tokens []string, logDir string) runner.Invocation {
	args := b.connectionArgs()
	args = append(args, tokens...)
	return runner.Invocation{
		Path:         filepath.Clean(b.bouncer.Path),
		Args:         args,
		SuccessCodes: b.bouncer.SoftFailCodes,
		Timeout:      b.bouncer.Timeout,
		Env:          b.Env(logDir),
	}
}

// Bundle builds the asset-bundle generator invocation.
func (b *Builder) Bundle(database, project, logDir string) (runner.Invocation, error) {
	if !b.UnityEnabled() {
		return runner.Invocation{}, ErrNoUnity
	}

	var args []string
	if b.bouncer.ConfigPath != "" {
		args = []string{b.unity.Project, b.bouncer.ConfigPath, database, project, logDir}
	} else {
		bucket, region := b.bucket()
		args = []string{
			b.unity.Project,
			b.bouncer.DBHost,
			strconv.Itoa(b.bouncer.DBPort),
			b.bouncer.Username,
			b.bouncer.Password,
			database,
			project,
			bucket,
			region,
			logDir,
		}
	}

	return runner.Invocation{
		Path:    filepath.Clean(b.unity.BatPath),
		Args:    args,
		Timeout: b.bouncer.Timeout,
		Env:     b.Env(logDir),
	}, nil
}

// SelfTest builds the startup connectivity check.
func (b *Builder) SelfTest() runner.Invocation {
	inv := b.Tool([]string{"test"}, "")
	inv.SuccessCodes = nil
	return inv
}

// Env is the per-invocation environment added on top of the worker's own.
func (b *Builder) Env(logDir string) map[string]string {
	env := make(map[string]string, len(b.bouncer.Envars)+3)
	if b.aws != nil {
		env["AWS_ACCESS_KEY_ID"] = b.aws.AccessKeyID
		env["AWS_SECRET_ACCESS_KEY"] = b.aws.SecretAccessKey
	}
	for k, v := range b.bouncer.Envars {
		env[k] = v
	}
	if logDir != "" {
		env["REPO_LOG_DIR"] = logDir
	}
	return env
}

func (b *Builder) connectionArgs() []string {
	if b.bouncer.ConfigPath != "" {
		return []string{b.bouncer.ConfigPath}
	}
	bucket, region := b.bucket()
	return []string{
		b.bouncer.DBHost,
		strconv.Itoa(b.bouncer.DBPort),
		b.bouncer.Username,
		b.bouncer.Password,
		bucket,
		region,
	}
}

func (b *Builder) bucket() (name, region string) {
	name, region = unsetValue, unsetValue
	if b.aws == nil {
		return name, region
	}
	if b.aws.BucketName != "" {
		name = b.aws.BucketName
	}
	if b.aws.BucketRegion != "" {
		region = b.aws.BucketRegion
	}
	return name, region
}

// LogDir is the per-job log directory passed to tools as REPO_LOG_DIR.
func LogDir(root, correlationID string) string {
	return filepath.Join(root, correlationID) + string(filepath.Separator)
}
