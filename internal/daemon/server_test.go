package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/metrics"
	"github.com/scienceol/doppio/internal/power"
	"github.com/scienceol/doppio/internal/registry"
)

type testLock struct{ closed atomic.Bool }

func (l *testLock) Close() error { l.closed.Store(true); return nil }

type testAcquirer struct {
	mu    sync.Mutex
	fail  map[string]bool
	locks []*testLock
}

func (a *testAcquirer) Acquire(_ context.Context, req power.Request) (power.Lock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail[req.Why] {
		return nil, errors.New("inhibitor refused")
	}
	l := &testLock{}
	a.locks = append(a.locks, l)
	return l, nil
}

type harness struct {
	socket   string
	server   *Server
	registry *registry.Registry
	acquirer *testAcquirer
	metrics  *metrics.Metrics
	cancel   context.CancelFunc
	done     chan error

	stopOnce sync.Once
	serveErr error
}

// shortTempDir keeps socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "doppio")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T) *harness {
	t.Helper()
	acq := &testAcquirer{fail: map[string]bool{}}
	reg := registry.New(acq, pslog.NoopLogger())
	m := metrics.New(reg.Len)
	srv := New(reg, WithLogger(pslog.NoopLogger()), WithMetrics(m))

	h := &harness{
		socket:   filepath.Join(shortTempDir(t), "doppio.sock"),
		server:   srv,
		registry: reg,
		acquirer: acq,
		metrics:  m,
		done:     make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	ln, err := Listen(h.socket)
	require.NoError(t, err)
	go func() {
		err := srv.Serve(ctx, ln)
		_ = reg.Close()
		h.done <- err
	}()
	t.Cleanup(func() { _ = h.stop() })
	return h
}

// stop cancels Serve and returns its result; later calls return the same.
func (h *harness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.serveErr = <-h.done:
		case <-time.After(5 * time.Second):
			h.serveErr = errors.New("Serve did not return after cancel")
		}
	})
	return h.serveErr
}

func (h *harness) openConns() int {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	return len(h.server.conns)
}

// exchange sends raw bytes as one request and returns the raw response.
func (h *harness) exchange(t *testing.T, request string) string {
	t.Helper()
	conn, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, request)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(resp)
}

func TestScenarioInhibitThenStatus(t *testing.T) {
	h := startServer(t)
	assert.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"backup-job"}`))
	assert.Equal(t, `{"type":"Status","status":"Inhibits"}`, h.exchange(t, `{"type":"Status","id":"backup-job"}`))
}

func TestScenarioReleaseThenStatus(t *testing.T) {
	h := startServer(t)
	require.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"backup-job"}`))

	assert.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Release","id":"backup-job"}`))
	assert.Equal(t, `{"type":"Status","status":"Free"}`, h.exchange(t, `{"type":"Status","id":"backup-job"}`))
	require.Len(t, h.acquirer.locks, 1)
	assert.True(t, h.acquirer.locks[0].closed.Load())
}

func TestScenarioMalformedRequest(t *testing.T) {
	h := startServer(t)
	for _, in := range []string{`{"type":"Bogus"}`, ``, `garbage`, `{"type":"Inhibit"}`} {
		assert.Equal(t, `{"type":"Error","kind":"InvalidRequest"}`, h.exchange(t, in), "input %q", in)
	}
	h.assertRequests(t, `
doppio_requests_total{outcome="invalid_request",type="unknown"} 4
`)
}

func TestScenarioActiveInhibitors(t *testing.T) {
	h := startServer(t)
	assert.Equal(t, `{"type":"ActiveInhibitors","active_inhibitors":[]}`, h.exchange(t, `{"type":"ActiveInhibitors"}`))

	require.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"x"}`))
	require.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"y"}`))
	assert.Equal(t, `{"type":"ActiveInhibitors","active_inhibitors":["x","y"]}`, h.exchange(t, `{"type":"ActiveInhibitors"}`))
}

func TestScenarioAcquireFailure(t *testing.T) {
	h := startServer(t)
	h.acquirer.fail["Request from L"] = true

	assert.Equal(t, `{"type":"Error","kind":"OperationFailed"}`, h.exchange(t, `{"type":"Inhibit","id":"L"}`))
	assert.False(t, h.registry.IsInhibiting("L"))
	assert.Equal(t, `{"type":"Status","status":"Free"}`, h.exchange(t, `{"type":"Status","id":"L"}`))
	h.assertRequests(t, `
doppio_requests_total{outcome="ok",type="Status"} 1
doppio_requests_total{outcome="operation_failed",type="Inhibit"} 1
`)
}

func TestRepeatedInhibitAcquiresOnce(t *testing.T) {
	h := startServer(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"L"}`))
	}
	assert.Len(t, h.acquirer.locks, 1)
}

func TestReleaseOfUnknownLabelIsOk(t *testing.T) {
	h := startServer(t)
	assert.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Release","id":"never-held"}`))
}

func TestOversizedRequestIsInvalid(t *testing.T) {
	h := startServer(t)
	big := `{"type":"Inhibit","id":"` + strings.Repeat("a", MaxMessageBytes) + `"}`

	conn, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	// The daemon may stop reading early, so write errors are expected.
	go func() {
		_, _ = io.WriteString(conn, big)
		_ = conn.(*net.UnixConn).CloseWrite()
	}()
	resp, _ := io.ReadAll(conn)
	assert.Equal(t, `{"type":"Error","kind":"InvalidRequest"}`, string(resp))
	assert.Equal(t, 0, h.registry.Len())
}

func TestStalledClientDoesNotBlockOthers(t *testing.T) {
	h := startServer(t)

	stalled, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	defer stalled.Close()

	done := make(chan string, 1)
	go func() { done <- h.exchange(t, `{"type":"Status","id":"x"}`) }()
	select {
	case resp := <-done:
		assert.Equal(t, `{"type":"Status","status":"Free"}`, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked behind a stalled connection")
	}
}

func TestShutdownUnblocksStalledClientAndReleasesLocks(t *testing.T) {
	h := startServer(t)
	require.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"L"}`))

	stalled, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	defer stalled.Close()
	require.Eventually(t, func() bool { return h.openConns() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.stop())

	require.NoError(t, stalled.SetReadDeadline(time.Now().Add(time.Second)))
	resp, _ := io.ReadAll(stalled)
	assert.Equal(t, `{"type":"Error","kind":"SocketError"}`, string(resp))
	assert.True(t, h.acquirer.locks[0].closed.Load())

	_, err = os.Stat(h.socket)
	assert.True(t, os.IsNotExist(err), "socket file should be removed on close")
}

type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestAcceptErrorsDoNotStopTheLoop(t *testing.T) {
	dir := shortTempDir(t)
	socket := filepath.Join(dir, "doppio.sock")
	ln, err := Listen(socket)
	require.NoError(t, err)
	flaky := &flakyListener{Listener: ln}
	flaky.failures.Store(3)

	reg := registry.New(&testAcquirer{}, nil)
	srv := New(reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, flaky) }()
	defer func() {
		cancel()
		<-done
	}()

	h := &harness{socket: socket}
	assert.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"after-errors"}`))
	assert.True(t, reg.IsInhibiting("after-errors"))
}

func TestRunServesUntilCancelled(t *testing.T) {
	acq := &testAcquirer{}
	reg := registry.New(acq, nil)
	srv := New(reg)
	socket := filepath.Join(shortTempDir(t), "doppio.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, socket) }()

	h := &harness{socket: socket}
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err == nil {
			conn.Close()
		}
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, `{"type":"Ok"}`, h.exchange(t, `{"type":"Inhibit","id":"L"}`))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, reg.Len())
	assert.True(t, acq.locks[0].closed.Load())
}

func TestListenReplacesStaleSocket(t *testing.T) {
	socket := filepath.Join(shortTempDir(t), "doppio.sock")
	first, err := Listen(socket)
	require.NoError(t, err)
	// Simulate a crashed daemon: the socket file stays behind.
	first.SetUnlinkOnClose(false)
	require.NoError(t, first.Close())

	second, err := Listen(socket)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestListenRefusesRegularFile(t *testing.T) {
	path := filepath.Join(shortTempDir(t), "doppio.sock")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0o600))
	_, err := Listen(path)
	assert.ErrorContains(t, err, "not a socket")
}

func TestAcceptBackoffBounds(t *testing.T) {
	var b acceptBackoff
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := b.next()
		assert.GreaterOrEqual(t, d, minAcceptBackoff)
		assert.LessOrEqual(t, d, maxAcceptBackoff)
		prev = d
	}
	assert.Greater(t, prev, 500*time.Millisecond)
	b.reset()
	assert.LessOrEqual(t, b.next(), time.Duration(float64(minAcceptBackoff)*(1+acceptJitter)))
}

const requestsHeader = `
# HELP doppio_requests_total Requests handled, by request type and outcome.
# TYPE doppio_requests_total counter
`

func (h *harness) assertRequests(t *testing.T, series string) {
	t.Helper()
	expected := requestsHeader + strings.TrimLeft(series, "\n")
	assert.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "doppio_requests_total"))
}
