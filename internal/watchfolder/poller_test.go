package watchfolder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFolder_MissingPath(t *testing.T) {
	ok, msg := ValidateFolder("")
	assert.False(t, ok)
	assert.Contains(t, msg, "empty")
}

func TestValidateFolder_DoesNotExist(t *testing.T) {
	ok, msg := ValidateFolder(filepath.Join(t.TempDir(), "nope"))
	assert.False(t, ok)
	assert.Contains(t, msg, "does not exist")
}

func TestValidateFolder_WritableDirectory(t *testing.T) {
	dir := t.TempDir()
	ok, msg := ValidateFolder(dir)
	assert.True(t, ok)
	assert.Contains(t, msg, "valid and writable")

	_, err := os.Stat(filepath.Join(dir, testFileName))
	assert.True(t, os.IsNotExist(err), "probe file must be cleaned up")
}

func TestFindConversationsJSON_AtRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversations.json")
	assert.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	found := findConversationsJSON(dir)
	assert.Equal(t, path, found)
}

func TestFindConversationsJSON_OneLevelNested(t *testing.T) {
	dir := t.TempDir()
	nestedDir := filepath.Join(dir, "export_folder")
	assert.NoError(t, os.MkdirAll(nestedDir, 0o755))
	path := filepath.Join(nestedDir, "conversations.json")
	assert.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	found := findConversationsJSON(dir)
	assert.Equal(t, path, found)
}

func TestFindConversationsJSON_NotFound(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "", findConversationsJSON(dir))
}

func TestArchiveFile_MovesAndTimestamps(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	assert.NoError(t, os.MkdirAll(archiveDir, 0o755))

	src := filepath.Join(dir, "export.json")
	assert.NoError(t, os.WriteFile(src, []byte("{}"), 0o644))

	assert.NoError(t, archiveFile(src, archiveDir))

	entries, err := os.ReadDir(archiveDir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "export_")

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestMoveToFailed_WritesErrorLog(t *testing.T) {
	dir := t.TempDir()
	failedDir := filepath.Join(dir, "failed")
	assert.NoError(t, os.MkdirAll(failedDir, 0o755))

	src := filepath.Join(dir, "bad.json")
	assert.NoError(t, os.WriteFile(src, []byte("not json"), 0o644))

	assert.NoError(t, moveToFailed(src, failedDir, "invalid json"))

	entries, err := os.ReadDir(failedDir)
	assert.NoError(t, err)
	assert.Len(t, entries, 2) // moved file + .error.txt

	var errLogFound bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".txt" {
			errLogFound = true
			content, err := os.ReadFile(filepath.Join(failedDir, e.Name()))
			assert.NoError(t, err)
			assert.Contains(t, string(content), "invalid json")
		}
	}
	assert.True(t, errLogFound)
}

func TestScanFolder_NoPathConfigured(t *testing.T) {
	s := NewScanner(nil, nil)
	result, err := s.ScanFolder(nil, "")
	assert.NoError(t, err)
	assert.Contains(t, result.Errors[0], "no watch folder path configured")
}

func TestScanFolder_PathDoesNotExist(t *testing.T) {
	s := NewScanner(nil, nil)
	result, err := s.ScanFolder(nil, filepath.Join(t.TempDir(), "missing"))
	assert.NoError(t, err)
	assert.Contains(t, result.Errors[0], "does not exist")
}
