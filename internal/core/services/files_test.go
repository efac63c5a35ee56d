package services

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileManager(t *testing.T) *FileManager {
	t.Helper()
	return NewFileManager(FileManagerConfig{OutputDir: t.TempDir(), Logger: testLogger})
}

func TestFileManager_TaskDirLifecycle(t *testing.T) {
	m := newTestFileManager(t)
	id := uuid.New()

	dir, err := m.CreateTaskDir(id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), id.String()), dir)
	assert.DirExists(t, dir)

	_, err = m.CreateTaskDir(id)
	require.NoError(t, err)

	require.NoError(t, m.RemoveTaskDir(id))
	assert.NoDirExists(t, dir)
	assert.NoError(t, m.RemoveTaskDir(id))
}

func TestFileManager_AppendManifest(t *testing.T) {
	m := newTestFileManager(t)
	dir := t.TempDir()

	require.NoError(t, m.AppendManifest(dir, nil))
	assert.NoFileExists(t, filepath.Join(dir, ManifestFile))

	require.NoError(t, m.AppendManifest(dir, map[string]string{"input.txt": "mine.txt"}))
	require.NoError(t, m.AppendManifest(dir, map[string]string{"model.pdb": "1abc.pdb"}))

	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"input.txt":"mine.txt"}`, lines[0])
	assert.JSONEq(t, `{"model.pdb":"1abc.pdb"}`, lines[1])
}

func TestFileManager_ListAndResolve(t *testing.T) {
	m := newTestFileManager(t)
	dir := t.TempDir()
	writeOutputs(t, dir, "log.o", "job.sbatch", "out/result.txt", "a.txt")

	all, err := m.List(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "job.sbatch", "log.o", "out/result.txt"}, all)

	visible, err := m.List(dir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "out/result.txt"}, visible)

	path, err := m.Resolve(dir, "out/result.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "result.txt"), path)

	for _, bad := range []string{"", ".", "..", "../x", "/etc/passwd", "out", "missing.txt"} {
		_, err := m.Resolve(dir, bad)
		assert.ErrorIs(t, err, ErrTaskOutputNotFound, bad)
	}

	_, err = m.List(filepath.Join(dir, "nope"), true)
	assert.True(t, os.IsNotExist(err))
}

func TestFileManager_Archive(t *testing.T) {
	m := newTestFileManager(t)
	id := uuid.New()
	dir, err := m.CreateTaskDir(id)
	require.NoError(t, err)
	writeOutputs(t, dir, "a.txt", "sub/b.txt")

	path, err := m.Archive(dir, id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, id.String()+".zip"), path)
	assert.NoFileExists(t, filepath.Join(dir, archiveTempName))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.NoError(t, zr.Close())
	sort.Strings(names)
	assert.Equal(t, []string{"a.txt", "sub/", "sub/b.txt"}, names)

	info, err := os.Stat(path)
	require.NoError(t, err)
	again, err := m.Archive(dir, id)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	info2, err := os.Stat(again)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())

	listed, err := m.List(dir, true)
	require.NoError(t, err)
	assert.Contains(t, listed, id.String()+".zip")
}
