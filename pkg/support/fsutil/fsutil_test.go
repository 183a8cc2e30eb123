// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateBackup(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "backup_G.pth")
	backup := filepath.Join(dir, "backup-old_G.pth")

	// Nothing to rotate.
	rotated, err := RotateBackup(primary, backup)
	require.NoError(t, err)
	assert.False(t, rotated)

	require.NoError(t, WriteFile(primary, []byte("first"), 0640))
	rotated, err = RotateBackup(primary, backup)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.False(t, MustFileExists(primary))
	contents, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))

	// Previous backup is replaced.
	require.NoError(t, WriteFile(primary, []byte("second"), 0640))
	_, err = RotateBackup(primary, backup)
	require.NoError(t, err)
	contents, err = os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "second", string(contents))
	assert.False(t, MustFileExists(primary+".tmp"))
}

func TestReplaceTildeInDir(t *testing.T) {
	dir, err := ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", dir)
	usr, err := user.Current()
	if err != nil {
		t.Skip("no current user")
	}
	dir, err = ReplaceTildeInDir("~/models")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "models"), dir)
}
