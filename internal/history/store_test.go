package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/horde/internal/output"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveGetList(t *testing.T) {
	s := openTemp(t)

	var ids []string
	for i, name := range []string{"first", "second", "third"} {
		run, err := NewRun(&output.Report{
			Name:      name,
			Passed:    i != 1,
			StartTime: time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
			Totals:    output.ReportTotals{Requests: int64(100 * (i + 1))},
		})
		require.NoError(t, err)
		require.NoError(t, s.Save(run))
		ids = append(ids, run.ID)
	}

	got, err := s.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
	assert.False(t, got.Passed)
	assert.Equal(t, int64(200), got.Report.Totals.Requests)

	runs, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"third", "second", "first"}, []string{runs[0].Name, runs[1].Name, runs[2].Name})

	runs, err = s.List(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, "third", runs[0].Name)
}

func TestStoreDelete(t *testing.T) {
	s := openTemp(t)

	run, err := NewRun(&output.Report{Name: "gone"})
	require.NoError(t, err)
	assert.False(t, run.StartedAt.IsZero())
	require.NoError(t, s.Save(run))

	require.NoError(t, s.Delete(run.ID))
	_, err = s.Get(run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(run.ID), ErrNotFound)
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	run, err := NewRun(&output.Report{Name: "persisted"})
	require.NoError(t, err)
	require.NoError(t, s.Save(run))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())

	got, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}

func TestStoreSaveRequiresID(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.Save(&Run{Name: "anonymous"}))
}
