package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserErrorKinds(t *testing.T) {
	tests := []struct {
		err  *UserError
		kind ErrorKind
	}{
		{NewJoinResolutionError("Can't find join path to join %s", "'a', 'b'"), KindJoinResolution},
		{NewMemberResolutionError("unknown member"), KindMemberResolution},
		{NewMultiStageCycleError("cycle"), KindMultiStageCycle},
		{NewGranularityConflictError("conflict"), KindGranularityConflict},
		{NewSubqueryContractError("sub query"), KindSubqueryContract},
		{NewIdentifierLengthError("too long"), KindIdentifierLength},
		{NewQueryError("bad"), KindQuery},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			wrapped := fmt.Errorf("compile: %w", tt.err)
			assert.True(t, IsUserError(wrapped))
			kind, ok := ErrorKindOf(wrapped)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}

	assert.Equal(t, "Can't find join path to join 'a', 'b'", tests[0].err.Error())
	assert.False(t, IsUserError(errors.New("plain")))
}

func TestErrorReporter(t *testing.T) {
	r := NewErrorReporter()
	assert.NoError(t, r.Err())

	r.InContext("orders cube").Errorf("Duplicate property parsing %s", "status")
	r.InContext("users cube").InContext("joins").Errorf("Cube %s doesn't exist", "foo")

	err := r.Err()
	require.Error(t, err)
	var mce *ModelCompileError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, []string{
		"orders cube: Duplicate property parsing status",
		"users cube > joins: Cube foo doesn't exist",
	}, mce.Messages)
	assert.Contains(t, err.Error(), "model compile errors (2)")
}
