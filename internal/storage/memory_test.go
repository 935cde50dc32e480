package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/DropWatch/internal/model"
)

func ident(name string, size int64) model.FileIdentity {
	return model.FileIdentity{Name: name, Size: size, LastModified: time.Unix(1700000000, 0)}
}

func TestRegister_CreatesPendingRecord(t *testing.T) {
	tbl := NewStatusTable()
	rec, err := tbl.Register(ident("a.csv", 100), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	assert.False(t, rec.Alerted)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 1, tbl.Len())
}

func TestRegister_InFlightRejected(t *testing.T) {
	tbl := NewStatusTable()
	_, err := tbl.Register(ident("a.csv", 100), "b1")
	require.NoError(t, err)

	_, err = tbl.Register(ident("a.csv", 100), "b2")
	assert.ErrorIs(t, err, ErrInFlight)

	// Once settled, a re-arrival replaces the old record.
	_, err = tbl.RecordPoll(model.Key{Name: "a.csv", Size: 100}, "b1", model.StatusComplete)
	require.NoError(t, err)
	rec, err := tbl.Register(ident("a.csv", 100), "b2")
	require.NoError(t, err)
	assert.Equal(t, "b2", rec.BatchID)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestRecordPoll_AttemptsAndTerminalStability(t *testing.T) {
	tbl := NewStatusTable()
	k := model.Key{Name: "a.csv", Size: 100}
	_, _ = tbl.Register(ident("a.csv", 100), "b1")

	_, err := tbl.MarkWorking(k, "b1")
	require.NoError(t, err)

	rec, err := tbl.RecordPoll(k, "b1", model.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)

	rec, err = tbl.RecordPoll(k, "b1", model.StatusFail)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, model.StatusFail, rec.Status)

	rec, err = tbl.RecordPoll(k, "b1", model.StatusComplete)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, model.StatusFail, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	_, err = tbl.MarkWorking(k, "b1")
	assert.ErrorIs(t, err, ErrTerminal)

	rec, err = tbl.MarkAborted(k, "b1", "shutdown")
	require.NoError(t, err)
	assert.False(t, rec.Aborted, "terminal records are not aborted")
}

func TestMarkAlerted_Once(t *testing.T) {
	tbl := NewStatusTable()
	k := model.Key{Name: "a.csv", Size: 100}
	_, _ = tbl.Register(ident("a.csv", 100), "b1")

	first, err := tbl.MarkAlerted(k, "b1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = tbl.MarkAlerted(k, "b1")
	require.NoError(t, err)
	assert.False(t, first)
}

func TestUpdate_StaleBatchAndMissing(t *testing.T) {
	tbl := NewStatusTable()
	k := model.Key{Name: "a.csv", Size: 100}
	_, err := tbl.MarkWorking(k, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = tbl.Register(ident("a.csv", 100), "b1")
	_, err = tbl.RecordPoll(k, "other", model.StatusComplete)
	assert.ErrorIs(t, err, ErrStale)

	rec, _ := tbl.Get(k)
	assert.Equal(t, 0, rec.Attempts)
}

func TestMarkExhausted_KeepsStatus(t *testing.T) {
	tbl := NewStatusTable()
	k := model.Key{Name: "a.csv", Size: 100}
	_, _ = tbl.Register(ident("a.csv", 100), "b1")
	_, _ = tbl.RecordPoll(k, "b1", model.StatusPending)

	rec, err := tbl.MarkExhausted(k, "b1")
	require.NoError(t, err)
	assert.True(t, rec.Exhausted)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.True(t, rec.Settled())
}

func TestList_OrderAndPagination(t *testing.T) {
	tbl := NewStatusTable()
	base := time.Unix(1700000000, 0).UTC()
	tick := 0
	tbl.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	for i := 0; i < 5; i++ {
		_, err := tbl.Register(ident(fmt.Sprintf("f%d", i), int64(i)), "b1")
		require.NoError(t, err)
	}

	all := tbl.List(0, 0)
	require.Len(t, all, 5)
	assert.Equal(t, "f0", all[0].Identity.Name)
	assert.Equal(t, "f4", all[4].Identity.Name)

	page := tbl.List(1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, "f1", page[0].Identity.Name)
	assert.Equal(t, "f2", page[1].Identity.Name)

	assert.Empty(t, tbl.List(10, 2))
}

func TestList_ReturnsCopies(t *testing.T) {
	tbl := NewStatusTable()
	_, _ = tbl.Register(ident("a.csv", 100), "b1")
	recs := tbl.List(0, 0)
	recs[0].Status = model.StatusComplete

	rec, err := tbl.Get(model.Key{Name: "a.csv", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestClearAll(t *testing.T) {
	tbl := NewStatusTable()
	_, _ = tbl.Register(ident("a", 1), "b1")
	_, _ = tbl.Register(ident("b", 2), "b1")
	assert.Equal(t, 2, tbl.ClearAll())
	assert.Equal(t, 0, tbl.Len())

	_, err := tbl.RecordPoll(model.Key{Name: "a", Size: 1}, "b1", model.StatusComplete)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatesKeepAttemptsMonotonic(t *testing.T) {
	tbl := NewStatusTable()
	k := model.Key{Name: "a.csv", Size: 100}
	_, _ = tbl.Register(ident("a.csv", 100), "b1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tbl.RecordPoll(k, "b1", model.StatusWorking)
			_ = tbl.List(0, 0)
		}()
	}
	wg.Wait()

	rec, err := tbl.Get(k)
	require.NoError(t, err)
	assert.Equal(t, 20, rec.Attempts)
	assert.Equal(t, map[model.FileStatus]int{model.StatusWorking: 1}, tbl.Counts())
}
