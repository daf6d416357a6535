package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/internal/browser"
	"github.com/shehryarbajwa/eus-proxy/internal/catalog"
	"github.com/shehryarbajwa/eus-proxy/internal/errors"
	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

// events is a shared, ordered log of collaborator calls
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) count(s string) int {
	n := 0
	for _, v := range e.list() {
		if v == s {
			n++
		}
	}
	return n
}

type fakeProvisioner struct {
	StartAndWaitFunc func(ctx context.Context, spec browser.ContainerSpec) error

	mu      sync.Mutex
	ports   []int
	started []browser.ContainerSpec
	stopped []string
	events  *events
}

func (f *fakeProvisioner) StartAndWait(ctx context.Context, spec browser.ContainerSpec) error {
	f.mu.Lock()
	f.started = append(f.started, spec)
	f.mu.Unlock()
	if f.StartAndWaitFunc != nil {
		return f.StartAndWaitFunc(ctx, spec)
	}
	return nil
}

func (f *fakeProvisioner) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, name)
	f.mu.Unlock()
	f.events.add("stop " + name)
	return nil
}

// AllocateFreePort hands out the queued ports in order, then 1
func (f *fakeProvisioner) AllocateFreePort() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ports) == 0 {
		return 1, nil
	}
	p := f.ports[0]
	f.ports = f.ports[1:]
	return p, nil
}

func (f *fakeProvisioner) ServerIP(ctx context.Context) (string, error) { return "127.0.0.1", nil }

func (f *fakeProvisioner) WaitReachable(ctx context.Context, url string) error { return nil }

func (f *fakeProvisioner) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, s := range f.started {
		names = append(names, s.Name)
	}
	return names
}

func (f *fakeProvisioner) stoppedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type fakeNotifier struct {
	CreatedFunc func(s *models.Session)

	events *events
}

func (f *fakeNotifier) HasObservers() bool { return true }

func (f *fakeNotifier) BroadcastCreated(s *models.Session) {
	f.events.add("created " + s.ID)
	if f.CreatedFunc != nil {
		f.CreatedFunc(s)
	}
}

func (f *fakeNotifier) BroadcastRemoved(s *models.Session) { f.events.add("removed " + s.ID) }

func (f *fakeNotifier) BroadcastRecording(s *models.Session, artifact string) {
	f.events.add("recording " + artifact)
}

type fakeRecorder struct {
	StartFunc func(ctx context.Context, s *models.Session) error

	events   *events
	registry *Registry
	// registered records whether the session was still resolvable when persisted
	registered atomic.Bool
}

func (f *fakeRecorder) Start(ctx context.Context, s *models.Session) error {
	if f.StartFunc != nil {
		return f.StartFunc(ctx, s)
	}
	s.AttachVnc("vnc-"+s.ID, "http://vnc")
	return nil
}

func (f *fakeRecorder) Stop(ctx context.Context, s *models.Session) error {
	f.events.add("recorder stop")
	return nil
}

func (f *fakeRecorder) Persist(ctx context.Context, s *models.Session) (string, error) {
	f.events.add("recorder persist")
	f.registered.Store(f.registry.Contains(s.ID))
	return s.ID + ".mp4", nil
}

func (f *fakeRecorder) PersistMetadata(s *models.Session, artifact string) error {
	f.events.add("recorder metadata")
	return nil
}

// fakeHub is a WebDriver backend serving a single session
type fakeHub struct {
	*httptest.Server
	sessionID string
	creates   atomic.Int32
	payload   atomic.Value
	createFn  http.HandlerFunc
}

func newFakeHub(t *testing.T, sessionID string) *fakeHub {
	t.Helper()
	h := &fakeHub{sessionID: sessionID}

	mux := http.NewServeMux()
	create := func(w http.ResponseWriter, r *http.Request) {
		h.creates.Add(1)
		body, _ := io.ReadAll(r.Body)
		h.payload.Store(body)
		if h.createFn != nil {
			h.createFn(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"sessionId":%q,"status":0,"value":{"browserName":"chrome"}}`, sessionID)
	}
	mux.HandleFunc("POST /session", create)
	mux.HandleFunc("POST /wd/hub/session", create)
	mux.HandleFunc("GET /session/{id}/title", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"sessionId":%q,"status":0,"value":"Example Domain"}`, r.PathValue("id"))
	})
	mux.HandleFunc("GET /session/{id}/cookie", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":%q}`, r.URL.RawQuery)
	})
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":0,"value":null}`)
	})

	h.Server = httptest.NewServer(mux)
	t.Cleanup(h.Close)
	return h
}

func (h *fakeHub) port() int {
	return h.Listener.Addr().(*net.TCPAddr).Port
}

func (h *fakeHub) lastPayload(t *testing.T) map[string]interface{} {
	t.Helper()
	raw, _ := h.payload.Load().([]byte)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// closedPort returns a local port nothing listens on
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

type harness struct {
	m           *Manager
	provisioner *fakeProvisioner
	recorder    *fakeRecorder
	notifier    *fakeNotifier
	events      *events
}

func newHarness(t *testing.T, opts Options, ports ...int) *harness {
	t.Helper()
	ev := &events{}
	reg := NewRegistry()
	prov := &fakeProvisioner{ports: ports, events: ev}
	rec := &fakeRecorder{events: ev, registry: reg}
	notifier := &fakeNotifier{events: ev}

	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.CreateTimeout == 0 {
		opts.CreateTimeout = 5 * time.Second
	}
	opts.ContainerPrefix = "eus-"
	opts.ContainerSuffix = "browser-"
	opts.HubPort = 4444
	opts.VncPort = 5900

	m := NewManager(Deps{
		Registry:    reg,
		Provisioner: prov,
		Catalog:     catalog.Default("elastestbrowsers"),
		Recorder:    rec,
		Notifier:    notifier,
	}, opts, zap.NewNop())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	return &harness{m: m, provisioner: prov, recorder: rec, notifier: notifier, events: ev}
}

func createBody(caps string) []byte {
	return []byte(`{"desiredCapabilities":` + caps + `}`)
}

func TestEndToEnd(t *testing.T) {
	hub := newFakeHub(t, "abc123")
	h := newHarness(t, Options{}, hub.port(), 5901)
	ctx := context.Background()

	resp, err := h.m.Handle(ctx, http.MethodPost, "/session",
		createBody(`{"browserName":"chrome","browserId":"corr-1"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "abc123")

	sess, ok := h.m.Registry().Get("abc123")
	require.True(t, ok)
	assert.Equal(t, "corr-1", sess.BrowserID)
	assert.Equal(t, "chrome", sess.Browser)
	assert.Equal(t, hub.URL, sess.HubURL)
	assert.Equal(t, "vnc-abc123", sess.VncContainer())
	assert.True(t, h.m.timeouts.Armed("abc123"))
	assert.Equal(t, 1, h.events.count("created abc123"))

	sent := hub.lastPayload(t)["desiredCapabilities"].(map[string]interface{})
	assert.NotContains(t, sent, "browserId")
	assert.Equal(t, map[string]interface{}{"browser": "ALL"}, sent["loggingPrefs"])

	resp, err = h.m.Handle(ctx, http.MethodGet, "/session/abc123/title", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "Example Domain")

	resp, err = h.m.Handle(ctx, http.MethodDelete, "/session/abc123", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	assert.False(t, h.m.Registry().Contains("abc123"))
	assert.False(t, h.m.timeouts.Armed("abc123"))
	assert.ElementsMatch(t, []string{sess.HubContainerName, "vnc-abc123"}, h.provisioner.stoppedNames())
	assert.Equal(t, 1, h.events.count("removed abc123"))

	_, err = h.m.Handle(ctx, http.MethodGet, "/session/abc123/title", nil)
	assert.True(t, errors.Is(err, errors.CodeSessionNotFound))
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.m.Handle(context.Background(), http.MethodGet, "/session/nope/url", nil)
	assert.True(t, errors.Is(err, errors.CodeSessionNotFound))

	_, err = h.m.Handle(context.Background(), http.MethodGet, "/sessions", nil)
	assert.True(t, errors.Is(err, errors.CodeSessionNotFound))

	assert.Empty(t, h.provisioner.startedNames())
}

func TestCreateRetryBound(t *testing.T) {
	const retries = 2
	dead := closedPort(t)
	h := newHarness(t, Options{CreateRetries: retries}, dead, 1, dead, 1, dead, 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeCreateFailed))
	assert.Contains(t, err.Error(), "num retries 2")

	started := h.provisioner.startedNames()
	assert.Len(t, started, retries+1)
	assert.ElementsMatch(t, started, h.provisioner.stoppedNames())
	assert.Equal(t, 0, h.m.Registry().Len())
}

func TestCreateRecoversWithFreshBackend(t *testing.T) {
	hub := newFakeHub(t, "second")
	h := newHarness(t, Options{CreateRetries: 3}, closedPort(t), 1, hub.port(), 1)

	resp, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	started := h.provisioner.startedNames()
	require.Len(t, started, 2)
	assert.Equal(t, []string{started[0]}, h.provisioner.stoppedNames())

	sess, ok := h.m.Registry().Get("second")
	require.True(t, ok)
	assert.Equal(t, started[1], sess.HubContainerName)
}

func TestProvisioningFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, Options{CreateRetries: 3})
	h.provisioner.StartAndWaitFunc = func(ctx context.Context, spec browser.ContainerSpec) error {
		return fmt.Errorf("no such image")
	}

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeCreateFailed))
	assert.Len(t, h.provisioner.startedNames(), 1)
	assert.Equal(t, h.provisioner.startedNames(), h.provisioner.stoppedNames())
}

func TestCreateInvalidRequest(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", []byte("{not json"))
	assert.True(t, errors.Is(err, errors.CodeInvalidRequest))

	_, err = h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"netscape"}`))
	assert.True(t, errors.Is(err, errors.CodeInvalidRequest))

	assert.Empty(t, h.provisioner.startedNames())
}

func TestBackendRefusalIsPassedThrough(t *testing.T) {
	hub := newFakeHub(t, "unused")
	hub.createFn = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"status":13,"value":{"message":"session not created"}}`)
	}
	h := newHarness(t, Options{CreateRetries: 3}, hub.port(), 1)

	resp, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Contains(t, string(resp.Body), "session not created")
	assert.Equal(t, int32(1), hub.creates.Load())
	assert.Equal(t, h.provisioner.startedNames(), h.provisioner.stoppedNames())
	assert.Equal(t, 0, h.m.Registry().Len())
}

func TestRedirectCreate(t *testing.T) {
	hub := newFakeHub(t, "unused")
	hub.createFn = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/wd/hub/session/redirected42")
		w.WriteHeader(http.StatusFound)
	}
	h := newHarness(t, Options{}, hub.port(), 1)

	resp, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Header.Get("Location"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "redirected42", body["sessionId"])
	assert.True(t, h.m.Registry().Contains("redirected42"))
}

func TestFirefoxCreate(t *testing.T) {
	hub := newFakeHub(t, "ff1")
	h := newHarness(t, Options{}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"firefox"}`))
	require.NoError(t, err)

	sent := hub.lastPayload(t)["desiredCapabilities"].(map[string]interface{})
	assert.Equal(t, "", sent["version"])

	sess, ok := h.m.Registry().Get("ff1")
	require.True(t, ok)
	assert.Equal(t, hub.URL+"/wd/hub", sess.HubURL)
}

func TestFirefoxExplicitVersionUntouched(t *testing.T) {
	hub := newFakeHub(t, "ff2")
	h := newHarness(t, Options{}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session",
		createBody(`{"browserName":"firefox","version":"58.0"}`))
	require.NoError(t, err)

	sent := hub.lastPayload(t)["desiredCapabilities"].(map[string]interface{})
	assert.Equal(t, "58.0", sent["version"])
}

func TestOperaBlinkCreate(t *testing.T) {
	hub := newFakeHub(t, "op1")
	h := newHarness(t, Options{}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"operablink"}`))
	require.NoError(t, err)

	sent := hub.lastPayload(t)["desiredCapabilities"].(map[string]interface{})
	opera := sent["operaOptions"].(map[string]interface{})
	assert.Equal(t, "/usr/bin/opera", opera["binary"])

	h.provisioner.mu.Lock()
	image := h.provisioner.started[0].Image
	h.provisioner.mu.Unlock()
	assert.Equal(t, "elastestbrowsers/opera:latest", image)
}

func TestIdleTimeoutTearsDown(t *testing.T) {
	hub := newFakeHub(t, "idle")
	h := newHarness(t, Options{IdleTimeout: 50 * time.Millisecond}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !h.m.Registry().Contains("idle") }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.events.count("removed idle") == 1 }, time.Second, 10*time.Millisecond)
	assert.Contains(t, h.provisioner.stoppedNames(), "vnc-idle")
}

func TestLiveSessionIsNeverReaped(t *testing.T) {
	hub := newFakeHub(t, "live")
	h := newHarness(t, Options{IdleTimeout: 20 * time.Millisecond}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session",
		createBody(`{"browserName":"chrome","live":true}`))
	require.NoError(t, err)
	assert.False(t, h.m.timeouts.Armed("live"))

	_, err = h.m.Handle(context.Background(), http.MethodGet, "/session/live/title", nil)
	require.NoError(t, err)
	assert.False(t, h.m.timeouts.Armed("live"))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, h.m.Registry().Contains("live"))
	assert.Equal(t, 0, h.events.count("created live"))

	_, err = h.m.Handle(context.Background(), http.MethodDelete, "/session/live", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, h.events.count("removed live"))
	assert.Equal(t, 1, h.events.count("recording live.mp4"))
}

func TestRearmAfterTeardownIsNoop(t *testing.T) {
	hub := newFakeHub(t, "gone")
	h := newHarness(t, Options{}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)
	sess, _ := h.m.Registry().Get("gone")

	_, err = h.m.Handle(context.Background(), http.MethodDelete, "/session/gone", nil)
	require.NoError(t, err)

	assert.False(t, h.m.timeouts.Arm(sess))
	assert.False(t, h.m.timeouts.Armed("gone"))
	assert.False(t, h.m.Registry().Contains("gone"))
}

func TestTeardownIsIdempotent(t *testing.T) {
	hub := newFakeHub(t, "twice")
	h := newHarness(t, Options{}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)
	sess, _ := h.m.Registry().Get("twice")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.teardown(context.Background(), sess, false))
		}()
	}
	wg.Wait()
	require.NoError(t, h.m.teardown(context.Background(), sess, false))

	assert.Len(t, h.provisioner.stoppedNames(), 2)
	assert.Equal(t, 1, h.events.count("removed twice"))
	assert.Equal(t, 1, h.events.count("recorder persist"))
	assert.False(t, h.m.Registry().Contains("twice"))
	assert.False(t, h.m.timeouts.Armed("twice"))
}

func TestTeardownOrder(t *testing.T) {
	hub := newFakeHub(t, "order")
	h := newHarness(t, Options{}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)
	sess, _ := h.m.Registry().Get("order")

	err = h.m.teardown(context.Background(), sess, true)
	assert.True(t, errors.Is(err, errors.CodeSessionTimeout))

	assert.Equal(t, []string{
		"created order",
		"recorder stop",
		"recorder persist",
		"recorder metadata",
		"recording order.mp4",
		"removed order",
		"stop " + sess.HubContainerName,
		"stop vnc-order",
	}, h.events.list())
	assert.True(t, h.recorder.registered.Load())
	assert.False(t, h.m.Registry().Contains("order"))
}

func TestRecordingFailureKeepsSession(t *testing.T) {
	hub := newFakeHub(t, "novnc")
	h := newHarness(t, Options{}, hub.port(), 1)
	h.recorder.StartFunc = func(ctx context.Context, s *models.Session) error {
		return fmt.Errorf("vnc image missing")
	}

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)

	sess, ok := h.m.Registry().Get("novnc")
	require.True(t, ok)
	assert.Empty(t, sess.VncContainer())

	_, err = h.m.Handle(context.Background(), http.MethodDelete, "/session/novnc", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, h.events.count("recorder stop"))
	assert.Equal(t, []string{sess.HubContainerName}, h.provisioner.stoppedNames())
}

func TestProxyTransportFailureKeepsSession(t *testing.T) {
	hub := newFakeHub(t, "flaky")
	h := newHarness(t, Options{}, hub.port(), 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)

	hub.Close()

	_, err = h.m.Handle(context.Background(), http.MethodGet, "/session/flaky/title", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeProxyTransport))
	assert.True(t, h.m.Registry().Contains("flaky"))
}

func TestMaxSessions(t *testing.T) {
	first := newFakeHub(t, "one")
	second := newFakeHub(t, "two")
	h := newHarness(t, Options{MaxSessions: 1}, first.port(), 1, second.port(), 1)
	ctx := context.Background()

	_, err := h.m.Handle(ctx, http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)

	_, err = h.m.Handle(ctx, http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	assert.True(t, errors.Is(err, errors.CodeCapacity))

	_, err = h.m.Handle(ctx, http.MethodDelete, "/session/one", nil)
	require.NoError(t, err)

	_, err = h.m.Handle(ctx, http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)
	assert.True(t, h.m.Registry().Contains("two"))
}

func TestShutdownDrains(t *testing.T) {
	first := newFakeHub(t, "s1")
	second := newFakeHub(t, "s2")
	h := newHarness(t, Options{}, first.port(), 1, second.port(), 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.m.Handle(ctx, http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
		require.NoError(t, err)
	}
	require.Equal(t, 2, h.m.Registry().Len())

	require.NoError(t, h.m.Shutdown(ctx))
	assert.Equal(t, 0, h.m.Registry().Len())
	assert.Len(t, h.provisioner.stoppedNames(), 4)
	assert.Equal(t, 2, h.events.count("recorder persist"))
}

func TestLogMonitor(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sessionId":"logs","value":{}}`)
	})
	mux.HandleFunc("POST /session/logs/log", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		fmt.Fprint(w, `{"value":[{"level":"INFO","message":"hello","timestamp":1700000000000}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := newHarness(t, Options{IdleTimeout: time.Hour, LogMonitorInterval: 20 * time.Millisecond},
		srv.Listener.Addr().(*net.TCPAddr).Port, 1)

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return polls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	_, err = h.m.Handle(context.Background(), http.MethodDelete, "/session/logs", nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	after := polls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, polls.Load(), "polling stops with the session")
}

func TestCreateDuringShutdownIsDiscarded(t *testing.T) {
	hub := newFakeHub(t, "late")
	h := newHarness(t, Options{}, hub.port(), 5901)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.provisioner.StartAndWaitFunc = func(ctx context.Context, spec browser.ContainerSpec) error {
		close(entered)
		<-release
		return nil
	}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
		done <- result{resp, err}
	}()

	<-entered
	drained := make(chan error, 1)
	go func() { drained <- h.m.Shutdown(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("shutdown returned while a create was still provisioning")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	res := <-done
	require.NoError(t, <-drained)
	assert.Nil(t, res.resp)
	assert.True(t, errors.Is(res.err, errors.CodeCapacity))
	assert.Equal(t, 0, h.m.Registry().Len())

	started := h.provisioner.startedNames()
	require.Len(t, started, 1)
	assert.ElementsMatch(t, []string{started[0], "vnc-late"}, h.provisioner.stoppedNames())
	assert.Zero(t, h.events.count("created late"))

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	assert.True(t, errors.Is(err, errors.CodeCapacity))
	assert.Len(t, h.provisioner.startedNames(), 1, "no backend is provisioned once draining")
}

func TestDeleteRightAfterCreateStopsLogMonitor(t *testing.T) {
	hub := newFakeHub(t, "quick")
	h := newHarness(t, Options{IdleTimeout: time.Hour, LogMonitorInterval: 20 * time.Millisecond}, hub.port(), 5901)

	h.notifier.CreatedFunc = func(s *models.Session) {
		_, err := h.m.Handle(context.Background(), http.MethodDelete, "/session/"+s.ID, nil)
		assert.NoError(t, err)
	}

	_, err := h.m.Handle(context.Background(), http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)

	assert.False(t, h.m.Registry().Contains("quick"))
	h.m.monitorsMu.Lock()
	defer h.m.monitorsMu.Unlock()
	assert.Empty(t, h.m.monitors)
}

func TestQueryStringIsForwarded(t *testing.T) {
	hub := newFakeHub(t, "q1")
	h := newHarness(t, Options{}, hub.port(), 5901)
	ctx := context.Background()

	_, err := h.m.Handle(ctx, http.MethodPost, "/session", createBody(`{"browserName":"chrome"}`))
	require.NoError(t, err)

	resp, err := h.m.Handle(ctx, http.MethodGet, "/session/q1/cookie?name=token&domain=example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"value":"name=token&domain=example.com"}`, string(resp.Body))

	_, err = h.m.Handle(ctx, http.MethodGet, "/session/missing/cookie?name=token", nil)
	coded, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "missing", coded.Details["sessionId"])
}
