package command

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bouncer-worker/internal/config"
	"github.com/mattjoyce/bouncer-worker/internal/job"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Bouncer.Path = "/opt/bouncer/bin/bouncer_client"
	cfg.Bouncer.DBHost = "db.local"
	cfg.Bouncer.DBPort = 27017
	cfg.Bouncer.Username = "admin"
	cfg.Bouncer.Password = "secret"
	cfg.Bouncer.Timeout = time.Minute
	return cfg
}

func writeDescriptor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "importParams.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParse(t *testing.T) {
	importFile := writeDescriptor(t, `{"database":"acme","project":"p1","owner":"alice"}`)
	fedFile := writeDescriptor(t, `{"database":"acme","project":"fed","owner":"bob","toyFed":"sample_fed"}`)
	noToyFed := writeDescriptor(t, `{"database":"acme","project":"fed","toyFed":false}`)
	missingProject := writeDescriptor(t, `{"database":"acme"}`)
	broken := writeDescriptor(t, `{not json`)

	tests := []struct {
		name     string
		text     string
		wantErr  error
		wantCode job.Code
		check    func(t *testing.T, d job.Descriptor)
	}{
		{
			name: "import with -f",
			text: "import -f " + importFile,
			check: func(t *testing.T, d job.Descriptor) {
				assert.Equal(t, job.KindImport, d.Kind)
				assert.Equal(t, "acme", d.Database)
				assert.Equal(t, "p1", d.Project)
				assert.Equal(t, "alice", d.Owner)
				assert.Equal(t, importFile, d.SourceFile)
			},
		},
		{
			name: "import without flag",
			text: "import " + importFile,
			check: func(t *testing.T, d job.Descriptor) {
				assert.Equal(t, "p1", d.Project)
			},
		},
		{
			name: "genFed with toy federation",
			text: "genFed " + fedFile,
			check: func(t *testing.T, d job.Descriptor) {
				assert.Equal(t, job.KindFederationGenerate, d.Kind)
				assert.Equal(t, "bob", d.Owner)
				assert.Equal(t, "sample_fed", d.ToyFed)
			},
		},
		{
			name: "genFed toyFed false",
			text: "genFed " + noToyFed,
			check: func(t *testing.T, d job.Descriptor) {
				assert.Empty(t, d.ToyFed)
			},
		},
		{
			name: "genStash positional",
			text: "genStash acme p1 tree all",
			check: func(t *testing.T, d job.Descriptor) {
				assert.Equal(t, job.KindStashGenerate, d.Kind)
				assert.Equal(t, "acme", d.Database)
				assert.Equal(t, "p1", d.Project)
				assert.Equal(t, []string{"genStash", "acme", "p1", "tree", "all"}, d.Tokens)
			},
		},
		{
			name: "importToy with skip",
			text: `importToy acme p1 sample {"tree": true}`,
			check: func(t *testing.T, d job.Descriptor) {
				assert.Equal(t, job.KindToyImport, d.Kind)
				assert.Equal(t, "sample", d.ModelDir)
				assert.Equal(t, "acme", d.Owner)
				assert.True(t, d.Skip.Tree)
			},
		},
		{
			name: "importToy without skip",
			text: "importToy acme p1 sample",
			check: func(t *testing.T, d job.Descriptor) {
				assert.False(t, d.Skip.Tree)
			},
		},
		{name: "unknown verb", text: "explode now", wantErr: job.ErrUnknownCommand, wantCode: job.CodeUnknownCommand},
		{name: "empty", text: "   ", wantErr: job.ErrUnknownCommand, wantCode: job.CodeUnknownCommand},
		{name: "import missing file", text: "import -f /nope/params.json", wantErr: job.ErrParamRead, wantCode: job.CodeParameterReadFailure},
		{name: "import no args", text: "import -f", wantErr: job.ErrParamRead, wantCode: job.CodeParameterReadFailure},
		{name: "import bad json", text: "import -f " + broken, wantErr: job.ErrParamRead, wantCode: job.CodeParameterReadFailure},
		{name: "import missing project", text: "import -f " + missingProject, wantErr: job.ErrParamRead, wantCode: job.CodeParameterReadFailure},
		{name: "genStash short", text: "genStash acme", wantErr: job.ErrParamRead, wantCode: job.CodeParameterReadFailure},
		{name: "importToy bad skip", text: "importToy acme p1 sample {tree", wantErr: job.ErrParamRead, wantCode: job.CodeParameterReadFailure},
	}

	b := New(testConfig(), WithGOOS("linux"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := b.Parse(tt.text)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, tt.wantCode, job.CodeOf(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, d)
		})
	}
}

func TestBuildPositionalContract(t *testing.T) {
	cfg := testConfig()
	cfg.Bouncer.Envars = map[string]string{"REPO_THREADS": "4"}
	b := New(cfg)

	d, err := b.Parse("genStash acme p1 tree all")
	require.NoError(t, err)

	inv, err := b.Build(d, "/var/log/task/abc/")
	require.NoError(t, err)
	assert.Equal(t, "/opt/bouncer/bin/bouncer_client", inv.Path)
	assert.Equal(t, []string{
		"db.local", "27017", "admin", "secret", "undefined", "undefined",
		"genStash", "acme", "p1", "tree", "all",
	}, inv.Args)
	assert.Equal(t, []int{7, 10, 15}, inv.SuccessCodes)
	assert.Equal(t, time.Minute, inv.Timeout)
	assert.Equal(t, map[string]string{"REPO_THREADS": "4", "REPO_LOG_DIR": "/var/log/task/abc/"}, inv.Env)
}

func TestBuildWithAWSAndConfigPath(t *testing.T) {
	cfg := testConfig()
	cfg.AWS = &config.AWSConfig{AccessKeyID: "AKIA", SecretAccessKey: "shh", BucketName: "models", BucketRegion: "eu-west-2"}

	inv := New(cfg).Tool([]string{"genStash", "acme", "p1"}, "/logs/")
	assert.Equal(t, []string{"db.local", "27017", "admin", "secret", "models", "eu-west-2", "genStash", "acme", "p1"}, inv.Args)
	assert.Equal(t, "AKIA", inv.Env["AWS_ACCESS_KEY_ID"])
	assert.Equal(t, "shh", inv.Env["AWS_SECRET_ACCESS_KEY"])

	cfg.Bouncer.ConfigPath = "/etc/bouncer/config.json"
	inv = New(cfg).Tool([]string{"genStash", "acme", "p1"}, "/logs/")
	assert.Equal(t, []string{"/etc/bouncer/config.json", "genStash", "acme", "p1"}, inv.Args)
}

func TestBuildRejectsToyImport(t *testing.T) {
	b := New(testConfig())
	d, err := b.Parse("importToy acme p1 sample")
	require.NoError(t, err)
	_, err = b.Build(d, "")
	assert.Error(t, err)
}

func TestBundle(t *testing.T) {
	cfg := testConfig()
	_, err := New(cfg).Bundle("acme", "p1", "/logs/")
	assert.ErrorIs(t, err, ErrNoUnity)

	cfg.Unity = &config.UnityConfig{Project: "/unity/project", BatPath: "/unity/run.sh"}
	b := New(cfg)
	require.True(t, b.UnityEnabled())

	inv, err := b.Bundle("acme", "p1", "/logs/")
	require.NoError(t, err)
	assert.Equal(t, "/unity/run.sh", inv.Path)
	assert.Equal(t, []string{
		"/unity/project", "db.local", "27017", "admin", "secret", "acme", "p1", "undefined", "undefined", "/logs/",
	}, inv.Args)
	assert.Empty(t, inv.SuccessCodes)

	cfg.Bouncer.ConfigPath = "/etc/bouncer/config.json"
	inv, err = New(cfg).Bundle("acme", "p1", "/logs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/unity/project", "/etc/bouncer/config.json", "acme", "p1", "/logs/"}, inv.Args)
}

func TestSelfTest(t *testing.T) {
	inv := New(testConfig()).SelfTest()
	assert.Equal(t, "test", inv.Args[len(inv.Args)-1])
	assert.Empty(t, inv.SuccessCodes)
	_, hasLogDir := inv.Env["REPO_LOG_DIR"]
	assert.False(t, hasLogDir)
}

func TestWindowsSharedDirSubstitution(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.ToSlash(dir) + "/"
	params := filepath.Join(dir, "importParams.json")
	require.NoError(t, os.WriteFile(params,
		[]byte(`{"database":"acme","project":"p1","file":"/sharedData/upload.ifc"}`), 0o644))

	cfg := testConfig()
	cfg.RabbitMQ.SharedDir = shared
	b := New(cfg, WithGOOS("windows"))

	d, err := b.Parse("import -f /sharedData/importParams.json")
	require.NoError(t, err)
	assert.Equal(t, shared+"importParams.json", d.SourceFile)
	assert.Equal(t, "p1", d.Project)

	data, err := os.ReadFile(params)
	require.NoError(t, err)
	assert.Contains(t, string(data), shared+"upload.ifc")
	assert.NotContains(t, string(data), "/sharedData/")

	// Only the first placeholder in the command text is rewritten.
	d, err = b.Parse("genStash acme /sharedData/a /sharedData/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"genStash", "acme", shared + "a", "/sharedData/b"}, d.Tokens)
}

func TestNoSubstitutionOffWindows(t *testing.T) {
	cfg := testConfig()
	cfg.RabbitMQ.SharedDir = "D:/shared/"
	d, err := New(cfg, WithGOOS("linux")).Parse("genStash acme /sharedData/x")
	require.NoError(t, err)
	assert.Equal(t, "/sharedData/x", d.Tokens[2])
}

func TestTreeRegeneration(t *testing.T) {
	d := New(testConfig()).TreeRegeneration("acme", "p1")
	assert.Equal(t, "genStash acme p1 tree all", d.RawCommand)
	assert.Equal(t, job.KindStashGenerate, d.Kind)
}

func TestLogDir(t *testing.T) {
	assert.Equal(t, filepath.Join("log", "rid-1")+string(filepath.Separator), LogDir("log", "rid-1"))
}
