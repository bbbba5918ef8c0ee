package lens

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventKind(t *testing.T) {
	t.Parallel()

	for _, k := range []EventKind{EventCall, EventLine, EventReturn, EventException} {
		parsed, err := ParseEventKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	parsed, err := ParseEventKind(" Call ")
	require.NoError(t, err)
	assert.Equal(t, EventCall, parsed)

	_, err = ParseEventKind("c_call")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "events", cfgErr.Field)
	assert.Equal(t, "c_call", cfgErr.Value)
}

func TestParseEventKinds(t *testing.T) {
	t.Parallel()

	kinds, err := ParseEventKinds([]string{"call", "return"})
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventCall, EventReturn}, kinds)

	_, err = ParseEventKinds([]string{"call", "bogus"})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestEventSet(t *testing.T) {
	t.Parallel()

	t.Run("zero_accepts_all", func(t *testing.T) {
		var s EventSet
		assert.True(t, s.All())
		for k := EventCall; k <= maxEventKind; k++ {
			assert.True(t, s.Has(k))
		}
		assert.Equal(t, "all", s.String())
	})

	t.Run("restricted", func(t *testing.T) {
		s, err := NewEventSet(EventCall, EventException)
		require.NoError(t, err)
		assert.False(t, s.All())
		assert.True(t, s.Has(EventCall))
		assert.True(t, s.Has(EventException))
		assert.False(t, s.Has(EventLine))
		assert.False(t, s.Has(EventReturn))
		assert.Equal(t, "call,exception", s.String())
	})

	t.Run("invalid_kind", func(t *testing.T) {
		_, err := NewEventSet(EventKind(9))
		require.ErrorIs(t, err, ErrConfiguration)
		_, err = NewEventSet(EventKind(0))
		require.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestNewExceptionEvent(t *testing.T) {
	t.Parallel()

	f := NewFrame("github.com/acme/app.(*Service).run", "service.go", 12)
	valueErr := errors.New("bad value")
	ev := NewExceptionEvent(f, valueErr, nil)
	assert.Equal(t, EventException, ev.Kind)
	assert.Equal(t, 12, ev.Line)
	require.NotNil(t, ev.Exception)
	assert.Equal(t, "*errors.errorString", ev.Exception.Type)
	assert.Same(t, valueErr, ev.Exception.Value)

	nilEv := NewExceptionEvent(f, nil, nil)
	assert.Equal(t, "nil", nilEv.Exception.Type)
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	herr := &HandlerError{Kind: EventCall, Path: "app.Service.run", Err: cause}
	assert.ErrorIs(t, herr, ErrHandler)
	assert.ErrorIs(t, herr, cause)
	assert.Contains(t, herr.Error(), "trace_call app.Service.run")

	panicErr := &HandlerError{Kind: EventReturn, Path: "app.run", Panic: "oops"}
	assert.ErrorIs(t, panicErr, ErrHandler)
	assert.Contains(t, panicErr.Error(), "panic: oops")

	assert.ErrorIs(t, &InspectionError{Reason: "nil frame"}, ErrInspection)
	assert.ErrorIs(t, &StackInconsistencyError{Path: "a.b"}, ErrStackInconsistency)
	assert.Contains(t, (&StackInconsistencyError{Path: "a.b"}).Error(), "empty stack")

	cfgErr := &ConfigurationError{Field: "watch", Value: "x:y", Cause: cause}
	assert.ErrorIs(t, cfgErr, ErrConfiguration)
	assert.ErrorIs(t, cfgErr, cause)
}
