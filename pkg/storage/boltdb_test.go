package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasm-watchdog/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInstances(t *testing.T) {
	s := newTestStore(t)

	rec := &types.InstanceRecord{
		ID:          "inst-1",
		Function:    "echo",
		State:       types.InstanceStateIdle,
		Invocations: 3,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveInstance(rec))
	require.NoError(t, s.SaveInstance(&types.InstanceRecord{ID: "inst-2", Function: "resize"}))

	got, err := s.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Invocations = 4
	require.NoError(t, s.SaveInstance(rec))
	got, err = s.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Invocations)

	all, err := s.ListInstances()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	echo, err := s.ListInstancesByFunction("echo")
	require.NoError(t, err)
	require.Len(t, echo, 1)
	assert.Equal(t, "inst-1", echo[0].ID)

	require.NoError(t, s.DeleteInstance("inst-1"))
	_, err = s.GetInstance("inst-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneInstances(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.SaveInstance(&types.InstanceRecord{ID: "live"}))
	require.NoError(t, s.SaveInstance(&types.InstanceRecord{ID: "old", TerminatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.SaveInstance(&types.InstanceRecord{ID: "recent", TerminatedAt: now}))

	n, err := s.PruneInstances(now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.ListInstances()
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, rec := range all {
		ids = append(ids, rec.ID)
	}
	assert.ElementsMatch(t, []string{"live", "recent"}, ids)
}

func TestModules(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetModule("echo")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveModule(&types.ModuleRecord{Name: "echo", Digest: "aa"}))
	require.NoError(t, s.SaveModule(&types.ModuleRecord{Name: "echo", Digest: "bb"}))

	got, err := s.GetModule("echo")
	require.NoError(t, err)
	assert.Equal(t, "bb", got.Digest)

	mods, err := s.ListModules()
	require.NoError(t, err)
	assert.Len(t, mods, 1)
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(&EventRecord{ID: fmt.Sprintf("ev-%d", i), Type: "instance.created"}))
	}

	all, err := s.ListEvents(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "ev-0", all[0].ID)
	assert.Equal(t, uint64(1), all[0].Seq)

	recent, err := s.ListEvents(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ev-3", recent[0].ID)
	assert.Equal(t, "ev-4", recent[1].ID)
}

func TestEventsRetention(t *testing.T) {
	s := newTestStore(t)
	s.SetMaxEvents(3)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendEvent(&EventRecord{ID: fmt.Sprintf("ev-%d", i)}))
	}

	all, err := s.ListEvents(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ev-7", all[0].ID)
	assert.Equal(t, "ev-9", all[2].ID)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveInstance(&types.InstanceRecord{ID: "persisted"}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetInstance("persisted")
	assert.NoError(t, err)
}
