package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/eus-proxy/internal/browser"
	"github.com/shehryarbajwa/eus-proxy/internal/errors"
	"github.com/shehryarbajwa/eus-proxy/internal/metrics"
	"github.com/shehryarbajwa/eus-proxy/internal/webdriver"
	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

// Provisioner starts and stops backend containers
type Provisioner interface {
	StartAndWait(ctx context.Context, spec browser.ContainerSpec) error
	Stop(ctx context.Context, name string) error
	AllocateFreePort() (int, error)
	ServerIP(ctx context.Context) (string, error)
	WaitReachable(ctx context.Context, url string) error
}

// Catalog maps requested capabilities to container images
type Catalog interface {
	ResolveImage(browserName, version, platform string) (string, error)
	VersionOf(image string) string
}

// Recorder captures a session's screen while it runs
type Recorder interface {
	Start(ctx context.Context, s *models.Session) error
	Stop(ctx context.Context, s *models.Session) error
	Persist(ctx context.Context, s *models.Session) (string, error)
	PersistMetadata(s *models.Session, artifact string) error
}

// Notifier tells observers about session lifecycle events
type Notifier interface {
	HasObservers() bool
	BroadcastCreated(s *models.Session)
	BroadcastRemoved(s *models.Session)
	BroadcastRecording(s *models.Session, artifact string)
}

// Options tunes provisioning and the session lifecycle
type Options struct {
	ContainerPrefix    string
	ContainerSuffix    string
	HubPort            int
	VncPort            int
	ShmSize            int64
	ScreenResolution   string
	Network            string
	IdleTimeout        time.Duration
	CreateTimeout      time.Duration
	CreateRetries      int
	MaxSessions        int
	LogMonitorInterval time.Duration
}

// Deps are the collaborators of a Manager. Recorder and Notifier are optional.
type Deps struct {
	Registry    *Registry
	Provisioner Provisioner
	Catalog     Catalog
	Recorder    Recorder
	Notifier    Notifier
	Metrics     *metrics.Metrics
}

// Manager proxies WebDriver traffic and owns the lifecycle of every session
type Manager struct {
	registry    *Registry
	timeouts    *TimeoutScheduler
	provisioner Provisioner
	catalog     Catalog
	recorder    Recorder
	notifier    Notifier
	forwarder   *forwarder
	metrics     *metrics.Metrics
	slots       *semaphore.Weighted
	opts        Options
	logger      *zap.Logger

	monitorsMu sync.Mutex
	monitors   map[string]context.CancelFunc

	// closed is set by Shutdown; registration checks it under the same lock
	lifecycleMu sync.Mutex
	closed      bool
	creates     sync.WaitGroup
}

// NewManager creates a new session manager
func NewManager(deps Deps, opts Options, logger *zap.Logger) *Manager {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}

	m := &Manager{
		registry:    deps.Registry,
		provisioner: deps.Provisioner,
		catalog:     deps.Catalog,
		recorder:    deps.Recorder,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		opts:        opts,
		logger:      logger.Named("session"),
		monitors:    make(map[string]context.CancelFunc),
	}
	m.forwarder = newForwarder(m.logger)
	m.timeouts = NewTimeoutScheduler(m.registry, m.expire)
	if opts.MaxSessions > 0 {
		m.slots = semaphore.NewWeighted(int64(opts.MaxSessions))
	}
	return m
}

// Registry exposes the session registry
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Handle serves one WebDriver request. path is relative to the API prefix.
func (m *Manager) Handle(ctx context.Context, method, path string, body []byte) (*Response, error) {
	// the query string is forwarded but plays no part in routing
	route, _, _ := strings.Cut(path, "?")
	kind := webdriver.Classify(method, route)
	m.logger.Debug("Request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Stringer("kind", kind))

	if kind == webdriver.KindCreate {
		resp, err := m.create(ctx, body)
		m.countRequest(kind, resp, err)
		return resp, err
	}

	id, ok := webdriver.SessionIDFromPath(route)
	if !ok {
		err := errors.New(errors.CodeSessionNotFound, "no session id in "+route)
		m.countRequest(kind, nil, err)
		return nil, err
	}
	sess, ok := m.registry.Get(id)
	if !ok {
		err := errors.SessionNotFound(id)
		m.countRequest(kind, nil, err)
		return nil, err
	}

	resp, err := m.forwarder.Do(ctx, method, sess.HubURL+path, body, 0)

	if kind == webdriver.KindDelete {
		m.timeouts.Cancel(id)
		if terr := m.teardown(ctx, sess, false); terr != nil {
			m.logger.Error("Teardown failed", zap.String("session_id", id), zap.Error(terr))
		}
	} else if err == nil {
		m.timeouts.Arm(sess)
	}

	if err != nil {
		err = errors.Wrap(err, errors.CodeProxyTransport, "exception proxying request to browser").
			WithDetail("sessionId", id)
	}
	m.countRequest(kind, resp, err)
	return resp, err
}

func (m *Manager) countRequest(kind webdriver.RequestKind, resp *Response, err error) {
	status := string(errors.GetCode(err))
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.Status)
	}
	m.metrics.ProxiedRequests.WithLabelValues(kind.String(), status).Inc()
}

// expire runs on the timer goroutine of an idle session
func (m *Manager) expire(sess *models.Session) {
	if err := m.teardown(context.Background(), sess, true); err != nil {
		m.logger.Warn("Session reaped", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// Shutdown tears down every registered session and waits for all of them
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycleMu.Lock()
	m.closed = true
	m.lifecycleMu.Unlock()

	// creates still provisioning discard their backends once they finish
	created := make(chan struct{})
	go func() {
		m.creates.Wait()
		close(created)
	}()
	select {
	case <-created:
	case <-ctx.Done():
		m.logger.Warn("Gave up waiting for pending creates", zap.Error(ctx.Err()))
	}

	m.timeouts.Stop()

	sessions := m.registry.List()
	m.logger.Info("Draining sessions", zap.Int("count", len(sessions)))

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return m.teardown(ctx, s, false)
		})
	}
	return g.Wait()
}

// beginCreate reserves a create against Shutdown; false once draining
func (m *Manager) beginCreate() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.closed {
		return false
	}
	m.creates.Add(1)
	return true
}

// register adds sess to the registry unless Shutdown has already begun
func (m *Manager) register(sess *models.Session) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.closed {
		return errors.New(errors.CodeCapacity, "proxy is shutting down")
	}
	if err := m.registry.Put(sess); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to register session")
	}
	return nil
}

func (m *Manager) acquireSlot() bool {
	return m.slots == nil || m.slots.TryAcquire(1)
}

func (m *Manager) releaseSlot() {
	if m.slots != nil {
		m.slots.Release(1)
	}
}

type nopNotifier struct{}

func (nopNotifier) HasObservers() bool                         { return false }
func (nopNotifier) BroadcastCreated(*models.Session)           {}
func (nopNotifier) BroadcastRemoved(*models.Session)           {}
func (nopNotifier) BroadcastRecording(*models.Session, string) {}
