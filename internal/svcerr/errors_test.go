package svcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithDetailsChains(t *testing.T) {
	err := DeviceNotFound("dev-1")
	require.Equal(t, CodeDeviceNotFound, err.Code)
	require.Equal(t, "dev-1", err.Details["device_id"])
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("write failed")
	err := CommandFailed("disconnected", cause)
	require.ErrorIs(t, err, cause)
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(ProtocolViolation("bad frame")))
	require.False(t, IsFatal(RateLimited("too many")))
}
