//go:build linux || darwin

package power

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

func TestProcessLockHoldsUntilClosed(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	l, err := startProcessLock(context.Background(), exec.Command("sleep", "30"))
	require.NoError(t, err)

	select {
	case <-l.done:
		t.Fatal("helper exited while lock was held")
	default:
	}

	require.NoError(t, l.Close())
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatal("helper still running after Close")
	}
	assert.NoError(t, l.Close())
}

func TestProcessLockHelperExitsEarly(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	_, err := startProcessLock(context.Background(), exec.Command("false"))
	assert.ErrorContains(t, err, "exited before the inhibitor was granted")
}

func TestProcessLockMissingBinary(t *testing.T) {
	_, err := startProcessLock(context.Background(), exec.Command("/nonexistent/doppio-helper"))
	assert.Error(t, err)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), "no-such-backend", pslog.NoopLogger())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestAcquirerFunc(t *testing.T) {
	var got Request
	acq := AcquirerFunc(func(_ context.Context, req Request) (Lock, error) {
		got = req
		return nil, nil
	})
	_, err := acq.Acquire(context.Background(), Request{What: "idle", Who: "doppio", Why: "test", Mode: "block"})
	require.NoError(t, err)
	assert.Equal(t, "test", got.Why)
}
