/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomically(t *testing.T) {
	t.Run("new-file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		require.NoError(t, WriteFileAtomically(path, []byte("first"), 0o644))
		require.NoFileExists(t, path+".tmp")
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, []byte("first"), content)
	})

	t.Run("replaces-existing-and-stale-tmp", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
		require.NoError(t, os.WriteFile(path+".tmp", []byte("stale"), 0o644))
		require.NoError(t, WriteFileAtomically(path, []byte("new"), 0o644))
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, []byte("new"), content)
	})

	t.Run("dir-does-not-exist", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "missing")
		tmpFile := filepath.Join(dir, "checkpoint.json.tmp")
		err := WriteFileAtomically(filepath.Join(dir, "checkpoint.json"), []byte("x"), 0o644)
		require.EqualError(t, err, fmt.Sprintf("error while creating file:%s: open %s: no such file or directory", tmpFile, tmpFile))
	})
}

func TestFileAndDirExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "blockfile_000000")
	require.NoError(t, os.WriteFile(file, []byte("12345"), 0o644))

	exists, size, err := FileExists(file)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, int64(5), size)

	exists, _, err = FileExists(filepath.Join(dir, "blockfile_000001"))
	require.NoError(t, err)
	require.False(t, exists)

	_, _, err = FileExists(dir)
	require.EqualError(t, err, fmt.Sprintf("the supplied path [%s] is a dir", dir))

	ok, err := DirExists(dir)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = DirExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = DirExists(file)
	require.EqualError(t, err, fmt.Sprintf("the supplied path [%s] exists but is not a dir", file))
}

func TestCreateDirIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, CreateDirIfMissing(dir))
	require.DirExists(t, dir)
	require.NoError(t, CreateDirIfMissing(dir))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	require.EqualError(t, CreateDirIfMissing(file), fmt.Sprintf("error while creating dir: %s: mkdir %s: not a directory", file, file))
}

func TestListSubdirs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"mychannel", "businesschannel"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0o644))

	subdirs, err := ListSubdirs(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"businesschannel", "mychannel"}, subdirs)

	missing := filepath.Join(dir, "missing")
	_, err = ListSubdirs(missing)
	require.EqualError(t, err, fmt.Sprintf("error reading dir %s: open %s: no such file or directory", missing, missing))

	require.EqualError(t, SyncDir(missing), fmt.Sprintf("error while opening dir:%s: open %s: no such file or directory", missing, missing))
}
