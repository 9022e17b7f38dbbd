package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCapabilities(t *testing.T) {
	assert.NoError(t, CheckCapabilities(nil, nil))
	assert.NoError(t, CheckCapabilities([]string{"iterator"}, []string{"iterator", "staking"}))

	err := CheckCapabilities([]string{"stargate", "iterator", "stargate"}, []string{"staking"})
	var cerr *CapabilityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"iterator", "stargate"}, cerr.Missing)
	assert.Equal(t, "missing capabilities: iterator, stargate", err.Error())
}

func TestCapabilitiesFromCSV(t *testing.T) {
	assert.Equal(t, []string{"iterator", "staking"}, CapabilitiesFromCSV(" iterator, ,staking,"))
	assert.Empty(t, CapabilitiesFromCSV(""))
}

func TestStateDone(t *testing.T) {
	assert.False(t, StateValidated.Done())
	assert.False(t, StateRunning.Done())
	assert.True(t, StateCompleted.Done())
	assert.True(t, StateAbortedPanic.Done())
	assert.Equal(t, "aborted_gas", StateAbortedGas.String())
}

func TestDecodeResult(t *testing.T) {
	data, err := decodeResult([]byte(`{"ok":{"a":1}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	_, err = decodeResult([]byte(`{"error":""}`))
	var cerr *ContractError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, cerr.Message)

	_, err = decodeResult([]byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidResult)
	_, err = decodeResult([]byte(`nope`))
	assert.ErrorIs(t, err, ErrInvalidResult)
}
