package procexec

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	var out bytes.Buffer
	status, err := Run(context.Background(), Invocation{Argv: []string{"echo", "-n", "hi"}}, &out, &out)
	require.NoError(t, err)
	assert.True(t, status.Success())
	assert.Equal(t, "hi", out.String())
}

func TestRun_NonZeroExit(t *testing.T) {
	var out bytes.Buffer
	status, err := Run(context.Background(), Invocation{Argv: []string{"sh", "-c", "exit 7"}}, &out, &out)
	require.NoError(t, err)
	assert.False(t, status.Success())
	assert.Equal(t, 7, status.Code)
}

func TestRun_SpawnFailed(t *testing.T) {
	_, err := Run(context.Background(), Invocation{Argv: []string{"/no/such/binary-xyz"}}, &bytes.Buffer{}, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrSpawnFailed)
}

func TestRun_EmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), Invocation{}, &bytes.Buffer{}, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrSpawnFailed)
}
