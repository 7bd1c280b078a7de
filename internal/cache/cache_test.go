package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/chairqueue/internal/model"
)

func TestReplaceAllOverwrites(t *testing.T) {
	c := New()
	c.ReplaceAll([]*model.Patient{
		{ID: 1, Status: model.PatientStatusWaiting},
		{ID: 2, Status: model.PatientStatusTreating},
	}, []*model.Doctor{{ID: 1, Name: "Kim"}})
	require.Equal(t, 2, c.Len())

	c.ReplaceAll([]*model.Patient{
		{ID: 3, Status: model.PatientStatusWaiting},
		{ID: 4, Status: model.PatientStatusCompleted},
	}, nil)

	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(4)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
	assert.Empty(t, c.Doctors())
	assert.Equal(t, uint64(2), c.Version())
}

func TestApplyPatch(t *testing.T) {
	c := New()
	c.ReplaceAll([]*model.Patient{{ID: 1, Status: model.PatientStatusWaiting, ChairNumber: model.Int(4)}}, nil)

	ok := c.ApplyPatch(1, model.Patch{model.ColStatus: model.PatientStatusTreating, model.ColChairNumber: nil})
	require.True(t, ok)
	p, _ := c.Get(1)
	assert.Equal(t, model.PatientStatusTreating, p.Status)
	assert.Nil(t, p.ChairNumber)

	assert.False(t, c.ApplyPatch(99, model.Patch{model.ColDisplayOrder: 1}))

	require.True(t, c.ApplyPatch(1, model.Patch{model.ColStatus: model.PatientStatusCompleted}))
	_, ok = c.Get(1)
	assert.False(t, ok)
}

func TestReadsDoNotAlias(t *testing.T) {
	c := New()
	c.ReplaceAll([]*model.Patient{{ID: 1, Status: model.PatientStatusWaiting, DoctorID: model.Int64(2)}}, nil)

	p, _ := c.Get(1)
	*p.DoctorID = 9
	p.Name = "changed"

	again, _ := c.Get(1)
	assert.Equal(t, int64(2), *again.DoctorID)
	assert.Empty(t, again.Name)
}

func TestAllOrdersByDisplayOrderThenID(t *testing.T) {
	c := New()
	c.ReplaceAll([]*model.Patient{
		{ID: 3, Status: model.PatientStatusWaiting, DisplayOrder: 0},
		{ID: 1, Status: model.PatientStatusWaiting, DisplayOrder: 1},
		{ID: 2, Status: model.PatientStatusWaiting, DisplayOrder: 0},
	}, nil)

	var ids []int64
	for _, p := range c.All() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []int64{2, 3, 1}, ids)
}

func TestChangesCoalesce(t *testing.T) {
	c := New()
	ch := c.Changes()
	c.ReplaceAll(nil, nil)
	c.ReplaceAll(nil, nil)

	<-ch
	select {
	case <-ch:
		t.Fatal("expected a single coalesced signal")
	default:
	}

	c.Unwatch(ch)
	c.ReplaceAll(nil, nil)
	select {
	case <-ch:
		t.Fatal("unwatched channel signalled")
	default:
	}
}

func TestLookups(t *testing.T) {
	c := New()
	c.ReplaceAll(
		[]*model.Patient{{ID: 5, Name: "Park", Status: model.PatientStatusTreating}},
		[]*model.Doctor{{ID: 1, Name: "Kim"}, {ID: 2, Name: "Lee"}},
	)

	d, ok := c.Doctor(2)
	require.True(t, ok)
	assert.Equal(t, "Lee", d.Name)

	p, ok := c.FindByName("Park")
	require.True(t, ok)
	assert.Equal(t, int64(5), p.ID)

	_, ok = c.FindByName("Nobody")
	assert.False(t, ok)
}

func TestRestore(t *testing.T) {
	c := New()
	p := &model.Patient{ID: 1, Status: model.PatientStatusTreating}
	c.ReplaceAll([]*model.Patient{p}, nil)
	c.ApplyPatch(1, model.Patch{model.ColStatus: model.PatientStatusCompleted})
	require.Equal(t, 0, c.Len())

	c.Restore(p)
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, model.PatientStatusTreating, got.Status)

	c.Restore(&model.Patient{ID: 2, Status: model.PatientStatusCompleted})
	_, ok = c.Get(2)
	assert.False(t, ok)
}
