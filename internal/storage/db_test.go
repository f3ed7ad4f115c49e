package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsertrace/browsertrace/pkg/models"
)

func newTestDB(t *testing.T) *SessionDB {
	t.Helper()
	db, err := NewSessionDB(t.TempDir(), "test-session")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCommandUpdateByReinsert(t *testing.T) {
	db := newTestDB(t)

	start := time.Now().UTC().Truncate(time.Millisecond)
	cmd := models.Command{ID: 1, TabID: 1, Name: "goto", Args: `["https://example.org"]`, StartDate: start}
	require.NoError(t, db.InsertCommand(cmd))

	end := start.Add(time.Second)
	cmd.EndDate = &end
	cmd.Result = `"ok"`
	cmd.ResultType = "string"
	require.NoError(t, db.InsertCommand(cmd))

	// exactly one row with end fields populated
	n, err := db.CountCommands()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := db.GetCommand(1)
	require.NoError(t, err)
	require.NotNil(t, stored.EndDate)
	assert.Equal(t, `"ok"`, stored.Result)
	assert.Equal(t, "goto", stored.Name)
}

func TestResourceBodyRoundTrip(t *testing.T) {
	db := newTestDB(t)

	res := models.Resource{
		ID: 7, TabID: 1, URL: "https://example.org/app.js", Type: "script",
		Method: "GET", StatusCode: 200, ReceivedAt: time.Now(),
	}
	require.NoError(t, db.InsertResource(res, []byte("console.log(1)")))

	body, err := db.GetResourceBody(7)
	require.NoError(t, err)
	assert.Equal(t, []byte("console.log(1)"), body)
}

func TestWritesAfterCloseFail(t *testing.T) {
	db, err := NewSessionDB(t.TempDir(), "closing")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = db.InsertCommand(models.Command{ID: 1, Name: "goto", StartDate: time.Now()})
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = db.InsertPageLog(models.PageLog{TabID: 1, Message: "late", Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrStoreClosed)

	// double close is harmless
	assert.NoError(t, db.Close())
}

func TestRegistryLifecycle(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	defer reg.Close()

	meta := models.Session{
		ID:         "abc",
		Name:       "crawl",
		CreateDate: time.Now().UTC().Truncate(time.Millisecond),
		DataPath:   "/tmp/abc.db",
	}
	require.NoError(t, reg.Register(meta))

	stored, err := reg.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, "crawl", stored.Name)
	assert.Nil(t, stored.CloseDate)

	closeAt := meta.CreateDate.Add(time.Minute)
	require.NoError(t, reg.MarkClosed("abc", closeAt))

	stored, err = reg.Get("abc")
	require.NoError(t, err)
	require.NotNil(t, stored.CloseDate)

	list, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = reg.Get("missing")
	assert.Error(t, err)
}
