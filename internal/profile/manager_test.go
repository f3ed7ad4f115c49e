package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func writeUserData(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Default"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Default", "Cookies"), []byte("cookie-jar"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Local State"), []byte("{}"), 0644))
	return dir
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	p := m.CreateProfile("checkout-bot")
	userData := writeUserData(t)

	require.NoError(t, m.SaveProfileData(p.ID, userData))

	extracted, err := m.LoadProfileData(p.ID)
	require.NoError(t, err)
	defer os.RemoveAll(extracted)

	cookies, err := os.ReadFile(filepath.Join(extracted, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "cookie-jar", string(cookies))
}

func TestLoadWithoutSavedData(t *testing.T) {
	m := newTestManager(t)
	p := m.CreateProfile("fresh")

	_, err := m.LoadProfileData(p.ID)
	assert.Error(t, err)
}

func TestExportProfile(t *testing.T) {
	m := newTestManager(t)
	p := m.CreateProfile("exportable")
	require.NoError(t, m.SaveProfileData(p.ID, writeUserData(t)))

	data, err := m.ExportProfile(p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	onDisk, err := os.ReadFile(filepath.Join(m.storePath, p.ID+".tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, onDisk, data)
}

func TestDeleteProfileRemovesArchive(t *testing.T) {
	m := newTestManager(t)
	p := m.CreateProfile("short-lived")
	require.NoError(t, m.SaveProfileData(p.ID, writeUserData(t)))

	archive := filepath.Join(m.storePath, p.ID+".tar.gz")
	require.FileExists(t, archive)

	require.NoError(t, m.DeleteProfile(p.ID))
	assert.NoFileExists(t, archive)
	_, err := m.GetProfile(p.ID)
	assert.Error(t, err)
}

func TestGetUnknownProfile(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetProfile("nope")
	assert.Error(t, err)
}
