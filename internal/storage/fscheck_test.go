package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFilesystem(t *testing.T) {
	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mounts  []mount
		wantErr string
	}{
		{name: "local root", mounts: []mount{{point: "/", fsType: "ext4"}}},
		{name: "no matching mount", mounts: []mount{{point: "/elsewhere", fsType: "nfs"}}},
		{
			name:    "nfs rejected",
			mounts:  []mount{{point: "/", fsType: "ext4"}, {point: resolved, fsType: "nfs4"}},
			wantErr: "nfs4 mount",
		},
		{
			name:    "upper case smb rejected",
			mounts:  []mount{{point: "/", fsType: "SMBFS"}},
			wantErr: "state.path",
		},
		{
			name:   "deepest mount wins",
			mounts: []mount{{point: "/", fsType: "nfs"}, {point: resolved, fsType: "tmpfs"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkFilesystem(filepath.Join(root, "data", "state.db"), tt.mounts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMountFor(t *testing.T) {
	mounts := []mount{{point: "/", fsType: "ext4"}, {point: "/mnt/share", fsType: "cifs"}, {point: "/mnt/sharedisk", fsType: "xfs"}}

	m, ok := mountFor("/mnt/sharedisk/db", mounts)
	require.True(t, ok)
	assert.Equal(t, "xfs", m.fsType)

	m, ok = mountFor("/mnt/share", mounts)
	require.True(t, ok)
	assert.Equal(t, "cifs", m.fsType)

	m, ok = mountFor("/var/lib", mounts)
	require.True(t, ok)
	assert.Equal(t, "ext4", m.fsType)
}

func TestCheckLocalFilesystemOnTempDir(t *testing.T) {
	assert.NoError(t, CheckLocalFilesystem(filepath.Join(t.TempDir(), "state.db")))
}
