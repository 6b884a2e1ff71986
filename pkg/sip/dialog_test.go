package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialogLifecyclePaths(t *testing.T) {
	d := &Dialog{CallID: "a", State: DialogTrying}
	require.NoError(t, d.transition(DialogRinging))
	require.NoError(t, d.transition(DialogAnswered))
	assert.False(t, d.AnsweredAt.IsZero())
	require.NoError(t, d.transition(DialogTerminated))
	assert.False(t, d.EndedAt.IsZero())

	// A call may be answered without ringing, or die while still trying.
	d = &Dialog{CallID: "b", State: DialogTrying}
	require.NoError(t, d.transition(DialogAnswered))

	d = &Dialog{CallID: "c", State: DialogTrying}
	require.NoError(t, d.transition(DialogTerminated))
}

func TestDialogInvalidTransitions(t *testing.T) {
	d := &Dialog{CallID: "a", State: DialogAnswered}
	assert.Error(t, d.transition(DialogRinging))
	assert.Error(t, d.transition(DialogTrying))

	d = &Dialog{CallID: "b", State: DialogTerminated}
	assert.Error(t, d.transition(DialogAnswered))
	assert.True(t, d.State.Terminal())
}
