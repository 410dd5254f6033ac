package aggregate_test

import (
	"errors"
	"testing"

	"github.com/aneshas/eventcore/aggregate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type created struct {
	name  string
	email string
}

type nameUpdated struct {
	newName string
}

type rejected struct{}

type id string

func (i id) String() string { return string(i) }

type testAggregate struct {
	aggregate.Root[id]

	name  string
	email string
}

var errRejected = errors.New("rejected")

func (ta *testAggregate) Mutate(evt any) error {
	switch e := evt.(type) {
	case created:
		ta.name = e.name
		ta.email = e.email
	case nameUpdated:
		ta.name = e.newName
	case rejected:
		return errRejected
	}

	return nil
}

func TestShould_Mutate_Aggregate_And_Stage_Events_On_Apply(t *testing.T) {
	var a testAggregate

	require.NoError(t, a.Rehydrate(&a))

	require.NoError(t, a.Apply(created{"john", "john@email.com"}))
	require.NoError(t, a.Apply(nameUpdated{"max"}))

	events := a.Events()

	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.Equal(t, nameUpdated{"max"}, events[1].E)

	assert.Equal(t, "max", a.name)
	assert.Equal(t, "john@email.com", a.email)

	assert.Equal(t, 0, a.Version())
	assert.Equal(t, "testAggregate", a.Type())
}

func TestShould_Rehydrate_Aggregate(t *testing.T) {
	var a testAggregate

	err := a.Rehydrate(
		&a,
		aggregate.Event{E: created{"john", "john@email.com"}},
		aggregate.Event{E: nameUpdated{"max"}},
	)
	require.NoError(t, err)

	assert.Equal(t, 2, a.Version())
	assert.Empty(t, a.Events())

	require.NoError(t, a.Apply(nameUpdated{"jane"}))

	assert.Equal(t, "jane", a.name)
	assert.Equal(t, "john@email.com", a.email)
}

func TestShould_Take_Version_From_Rehydrated_Events(t *testing.T) {
	var a testAggregate

	err := a.Rehydrate(
		&a,
		aggregate.Event{E: created{"john", "john@email.com"}, Version: 4},
		aggregate.Event{E: nameUpdated{"max"}, Version: 5},
	)
	require.NoError(t, err)

	assert.Equal(t, 5, a.Version())
}

func TestShould_Reproduce_State_On_Replay(t *testing.T) {
	history := []aggregate.Event{
		{E: created{"john", "john@email.com"}},
		{E: nameUpdated{"max"}},
		{E: nameUpdated{"jane"}},
	}

	var a, b testAggregate

	require.NoError(t, a.Rehydrate(&a, history...))
	require.NoError(t, b.Rehydrate(&b, history...))

	assert.Equal(t, a.name, b.name)
	assert.Equal(t, a.email, b.email)
	assert.Equal(t, a.Version(), b.Version())
}

func TestShould_Fail_Apply_Without_Rehydrate(t *testing.T) {
	var a testAggregate

	err := a.Apply(created{})

	assert.ErrorIs(t, err, aggregate.ErrAggregateRootNotRehydrated)
}

func TestShould_Propagate_Mutate_Errors(t *testing.T) {
	var a testAggregate

	require.NoError(t, a.Rehydrate(&a))

	err := a.Apply(created{"john", "john@email.com"}, rejected{}, nameUpdated{"max"})

	assert.ErrorIs(t, err, errRejected)
	assert.Len(t, a.Events(), 1)
	assert.Equal(t, "john", a.name)

	err = a.Rehydrate(&a, aggregate.Event{E: rejected{}})

	assert.ErrorIs(t, err, errRejected)
}

func TestShould_Accept_Only_Pointer_On_Rehydration(t *testing.T) {
	var a valueAggregate

	err := a.Rehydrate(a)

	assert.ErrorIs(t, err, aggregate.ErrAggregateRootNotAPointer)
}

func TestShould_Return_Empty_String_ID_When_Not_Set(t *testing.T) {
	var a testAggregate

	assert.Equal(t, "", a.StringID())

	a.SetID("some-id")

	assert.Equal(t, "some-id", a.StringID())
}

type valueAggregate struct {
	*aggregate.Root[id]
}

func (valueAggregate) Mutate(any) error { return nil }
