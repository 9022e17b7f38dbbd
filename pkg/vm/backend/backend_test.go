package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
)

func TestEnterCall(t *testing.T) {
	ctx := context.Background()
	assert.Zero(t, backend.CallDepth(ctx))

	ctx1, err := backend.EnterCall(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), backend.CallDepth(ctx1))
	assert.Zero(t, backend.CallDepth(ctx), "parent context is unchanged")

	ctx2, err := backend.EnterCall(ctx1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), backend.CallDepth(ctx2))

	same, err := backend.EnterCall(ctx2, 2)
	require.ErrorIs(t, err, backend.ErrCallDepthExceeded)
	assert.Equal(t, uint32(2), backend.CallDepth(same))

	_, err = backend.EnterCall(ctx, 0)
	assert.ErrorIs(t, err, backend.ErrCallDepthExceeded)
}

func TestOrder(t *testing.T) {
	assert.True(t, backend.Ascending.Valid())
	assert.True(t, backend.Descending.Valid())
	assert.False(t, backend.Order(0).Valid())
	assert.Equal(t, "descending", backend.Descending.String())
	assert.Equal(t, "unknown", backend.Order(7).String())
}
