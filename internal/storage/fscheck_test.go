package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFS(fsType string, err error) fsTypeFunc {
	return func(string) (string, error) { return fsType, err }
}

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "stats.db")

	cases := []struct {
		name    string
		detect  fsTypeFunc
		wantErr string
	}{
		{name: "local ext4 magic", detect: fixedFS("0xef53", nil)},
		{name: "nfs", detect: fixedFS("nfs", nil), wantErr: `network filesystem "nfs"`},
		{name: "cifs uppercase", detect: fixedFS(" CIFS ", nil), wantErr: "process_monitoring.sqlite_path"},
		{name: "undetectable platform", detect: fixedFS("", errUndetectable)},
		{name: "statfs failure", detect: fixedFS("", errors.New("boom")), wantErr: "detect filesystem"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := checkLocalFilesystem(dbPath, tc.detect)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCheckLocalFilesystemInspectsNearestExistingDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystem(filepath.Join(root, "a", "b", "stats.db"), func(p string) (string, error) {
		inspected = p
		return "0xef53", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}
