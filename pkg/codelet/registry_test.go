package codelet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCodelet struct{}

func (nopCodelet) Run(ctx context.Context, env *Env) error { return nil }

func TestRegisterAndResolve(t *testing.T) {
	require.NoError(t, Register("test.nop", func() Codelet { return nopCodelet{} }))

	c, err := Resolve("test.nop")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("test.does-not-exist")
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "test.does-not-exist", resErr.ID)
}

func TestRegisterDuplicate(t *testing.T) {
	require.NoError(t, Register("test.dup", func() Codelet { return nopCodelet{} }))
	err := Register("test.dup", func() Codelet { return nopCodelet{} })
	assert.Error(t, err)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	err := Register("", func() Codelet { return nopCodelet{} })
	require.Error(t, err)

	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestRegisteredSorted(t *testing.T) {
	require.NoError(t, Register("test.sorted-b", func() Codelet { return nopCodelet{} }))
	require.NoError(t, Register("test.sorted-a", func() Codelet { return nopCodelet{} }))

	ids := Registered()
	posA, posB := -1, -1
	for i, id := range ids {
		switch id {
		case "test.sorted-a":
			posA = i
		case "test.sorted-b":
			posB = i
		}
	}
	require.NotEqual(t, -1, posA)
	require.NotEqual(t, -1, posB)
	assert.Less(t, posA, posB)
}
