package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/config"
	"github.com/scienceol/doppio/internal/power"
	"github.com/scienceol/doppio/internal/singleton"
)

type fakeLock struct{}

func (fakeLock) Close() error { return nil }

type fakeBackend struct{}

func (fakeBackend) Acquire(context.Context, power.Request) (power.Lock, error) { return fakeLock{}, nil }
func (fakeBackend) Close() error                                              { return nil }
func (fakeBackend) Name() string                                              { return "fake" }

// startDaemon runs an in-process daemon in a fresh runtime directory. Unix
// socket paths are length-limited, so the directory lives under os.TempDir.
func startDaemon(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "doppio")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("DOPPIO_RUNTIME_DIR", dir)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	prev := openBackend
	openBackend = func(context.Context, string, pslog.Logger) (power.Backend, error) { return fakeBackend{}, nil }
	t.Cleanup(func() { openBackend = prev })

	cfg, err := config.Load(config.Flags{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cfg, pslog.NoopLogger(), io.Discard) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.SocketPath())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	startDaemon(t)

	out, err := run(t, "status", "build")
	require.NoError(t, err)
	assert.Equal(t, "free\n", out)

	_, err = run(t, "inhibit", "build")
	require.NoError(t, err)
	_, err = run(t, "inhibit", "backup")
	require.NoError(t, err)

	out, err = run(t, "status", "build")
	require.NoError(t, err)
	assert.Equal(t, "inhibits\n", out)

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, "build\nbackup\n", out)

	_, err = run(t, "release", "build")
	require.NoError(t, err)

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, "backup\n", out)
}

func TestClientCommandsArgs(t *testing.T) {
	_, err := run(t, "inhibit")
	assert.Error(t, err)
	_, err = run(t, "release", "a", "b")
	assert.Error(t, err)
	_, err = run(t, "status", "a", "b")
	assert.Error(t, err)
}

func TestClientWithoutDaemon(t *testing.T) {
	t.Setenv("DOPPIO_RUNTIME_DIR", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := run(t, "inhibit", "build")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
}

func TestSecondDaemonRefused(t *testing.T) {
	cfg := startDaemon(t)

	err := runDaemon(context.Background(), cfg, pslog.NoopLogger(), io.Discard)
	assert.True(t, errors.Is(err, singleton.ErrAlreadyRunning), "got %v", err)
}

func TestDaemonBackendUnavailable(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{RuntimeDir: dir}

	prev := openBackend
	openBackend = func(context.Context, string, pslog.Logger) (power.Backend, error) {
		return nil, power.ErrUnavailable
	}
	t.Cleanup(func() { openBackend = prev })

	err := runDaemon(context.Background(), cfg, pslog.NoopLogger(), io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, power.ErrUnavailable)
	assert.Contains(t, err.Error(), "power management unavailable")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "doppio v"+version+"\n", out)
}
