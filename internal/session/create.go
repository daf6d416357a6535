package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/internal/browser"
	"github.com/shehryarbajwa/eus-proxy/internal/errors"
	"github.com/shehryarbajwa/eus-proxy/internal/webdriver"
	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

const firefoxHubPath = "/wd/hub"

// backend is one provisioned browser container
type backend struct {
	container string
	hubPort   int
	vncPort   int
	hubURL    string
}

type createRequest struct {
	browserName string
	version     string
	platform    string
	browserID   string
	live        bool
	payload     []byte
}

func parseCreateRequest(body []byte) (*createRequest, error) {
	caps, err := webdriver.ParseCapabilities(body)
	if err != nil {
		return nil, errors.InvalidRequest("invalid new session payload", err)
	}

	req := &createRequest{
		browserName: caps.BrowserName(),
		version:     caps.Version(),
		platform:    caps.Platform(),
		browserID:   caps.BrowserID(),
		live:        caps.Live(),
	}
	if req.browserName == "" {
		return nil, errors.InvalidRequest("browserName is required", nil)
	}

	caps.EnableBrowserLogging()
	if webdriver.IsOperaBlink(req.browserName) {
		caps.SetOperaBinary()
	}
	caps.StripBrowserID()
	if webdriver.IsFirefox(req.browserName) && req.version == "" {
		caps.BlankVersion()
	}

	req.payload, err = caps.Marshal()
	if err != nil {
		return nil, errors.InvalidRequest("invalid new session payload", err)
	}
	return req, nil
}

// imageFamily is the catalog name of the requested browser
func (r *createRequest) imageFamily() string {
	if webdriver.IsOperaBlink(r.browserName) {
		return webdriver.BrowserOpera
	}
	return r.browserName
}

func (m *Manager) create(ctx context.Context, body []byte) (*Response, error) {
	req, err := parseCreateRequest(body)
	if err != nil {
		return nil, err
	}

	image, err := m.catalog.ResolveImage(req.imageFamily(), req.version, req.platform)
	if err != nil {
		return nil, errors.InvalidRequest(err.Error(), err)
	}
	m.logger.Info("Using image",
		zap.String("image", image),
		zap.String("browser", req.browserName))

	if !m.beginCreate() {
		return nil, errors.New(errors.CodeCapacity, "proxy is shutting down")
	}
	defer m.creates.Done()

	if !m.acquireSlot() {
		m.metrics.CreateFailures.WithLabelValues(string(errors.CodeCapacity)).Inc()
		return nil, errors.New(errors.CodeCapacity,
			fmt.Sprintf("maximum of %d concurrent sessions reached", m.opts.MaxSessions))
	}

	b, resp, err := m.attemptCreate(ctx, image, req)
	if err != nil {
		m.releaseSlot()
		m.metrics.CreateFailures.WithLabelValues(string(errors.GetCode(err))).Inc()
		return nil, err
	}

	if !isSuccess(resp.Status) && !isRedirect(resp.Status) {
		m.logger.Warn("Backend refused new session",
			zap.Int("status", resp.Status),
			zap.String("container", b.container))
		m.release(b)
		m.releaseSlot()
		m.metrics.CreateFailures.WithLabelValues("BACKEND_REFUSED").Inc()
		return resp, nil
	}

	id, respBody, err := webdriver.ExtractSessionID(resp.Status, resp.Header.Get("Location"), resp.Body)
	if err != nil {
		m.release(b)
		m.releaseSlot()
		m.metrics.CreateFailures.WithLabelValues(string(errors.CodeCreateFailed)).Inc()
		return nil, errors.Wrap(err, errors.CodeCreateFailed, "unreadable new session response")
	}

	sess := &models.Session{
		ID:               id,
		BrowserID:        req.browserID,
		HubURL:           b.hubURL,
		Browser:          req.imageFamily(),
		Version:          m.catalog.VersionOf(image),
		Platform:         req.platform,
		Live:             req.live,
		CreatedAt:        time.Now(),
		IdleTimeout:      m.opts.IdleTimeout,
		HubContainerName: b.container,
		HubBindPort:      b.hubPort,
		VncBindPort:      b.vncPort,
	}

	if m.recorder != nil {
		if err := m.recorder.Start(ctx, sess); err != nil {
			m.logger.Error("Recording not available",
				zap.String("session_id", id),
				zap.Error(err))
			sess.DetachVnc()
		}
	}

	// the monitor must exist before the session is reachable by teardown
	m.startLogMonitor(sess)

	if err := m.register(sess); err != nil {
		m.logger.Warn("Discarding new session",
			zap.String("session_id", id),
			zap.Error(err))
		m.stopLogMonitor(id)
		for _, name := range sess.Containers() {
			m.stopContainer(context.Background(), name)
		}
		m.releaseSlot()
		m.metrics.CreateFailures.WithLabelValues(string(errors.GetCode(err))).Inc()
		return nil, err
	}

	m.metrics.SessionsCreated.Inc()
	m.metrics.SessionsActive.Inc()
	m.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("browser", sess.Browser),
		zap.String("version", sess.Version),
		zap.String("container", b.container),
		zap.Bool("live", sess.Live))

	if !sess.Live && m.notifier.HasObservers() {
		m.notifier.BroadcastCreated(sess)
	}

	m.timeouts.Arm(sess)

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if isRedirect(resp.Status) {
		header.Del("Location")
		header.Set("Content-Type", jsonContentType)
	}
	return &Response{Status: http.StatusOK, Header: header, Body: respBody}, nil
}

// attemptCreate provisions a backend and sends it the new session request.
// A failed exchange releases that backend and starts over with a fresh one,
// CreateRetries times at most.
func (m *Manager) attemptCreate(ctx context.Context, image string, req *createRequest) (*backend, *Response, error) {
	var lastErr error

	for attempt := 0; attempt <= m.opts.CreateRetries; attempt++ {
		if attempt > 0 {
			m.metrics.CreateRetries.Inc()
			m.logger.Warn("Problem in new session request, retrying",
				zap.Int("attempt", attempt),
				zap.Int("retries", m.opts.CreateRetries),
				zap.Error(lastErr))
		}

		b, err := m.provision(ctx, image, req.browserName)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeCreateFailed, "failed to start browser")
		}

		resp, err := m.forwarder.Do(ctx, http.MethodPost, b.hubURL+webdriver.SessionPath, req.payload, m.opts.CreateTimeout)
		if err != nil {
			m.release(b)
			lastErr = err
			continue
		}
		return b, resp, nil
	}

	return nil, nil, errors.CreateFailed(m.opts.CreateRetries, lastErr)
}

// provision starts a browser container and waits until its hub answers.
// Whatever was started is stopped again on failure.
func (m *Manager) provision(ctx context.Context, image, browserName string) (*backend, error) {
	hubPort, err := m.provisioner.AllocateFreePort()
	if err != nil {
		return nil, err
	}
	vncPort, err := m.provisioner.AllocateFreePort()
	if err != nil {
		return nil, err
	}

	b := &backend{
		container: m.opts.ContainerPrefix + m.opts.ContainerSuffix + uuid.New().String()[:8],
		hubPort:   hubPort,
		vncPort:   vncPort,
	}

	spec := browser.ContainerSpec{
		Image: image,
		Name:  b.container,
		Ports: map[int]int{
			m.opts.HubPort: hubPort,
			m.opts.VncPort: vncPort,
		},
		Env:     []string{"SCREEN_RESOLUTION=" + m.opts.ScreenResolution},
		ShmSize: m.opts.ShmSize,
		Network: m.opts.Network,
		Labels:  map[string]string{"eus.browser": browserName},
	}
	if err := m.provisioner.StartAndWait(ctx, spec); err != nil {
		m.release(b)
		return nil, err
	}

	ip, err := m.provisioner.ServerIP(ctx)
	if err != nil {
		m.release(b)
		return nil, err
	}

	b.hubURL = fmt.Sprintf("http://%s:%d", ip, hubPort)
	if webdriver.IsFirefox(browserName) {
		b.hubURL += firefoxHubPath
	}

	if err := m.provisioner.WaitReachable(ctx, b.hubURL); err != nil {
		m.release(b)
		return nil, err
	}

	m.logger.Debug("Backend ready",
		zap.String("container", b.container),
		zap.String("hub_url", b.hubURL))
	return b, nil
}

// release stops a backend that never became a registered session
func (m *Manager) release(b *backend) {
	m.stopContainer(context.Background(), b.container)
}

func (m *Manager) stopContainer(ctx context.Context, name string) {
	if err := m.provisioner.Stop(ctx, name); err != nil {
		m.logger.Warn("Failed to stop container",
			zap.String("container", name),
			zap.Error(err))
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isRedirect(status int) bool {
	return status == http.StatusFound || status == http.StatusSeeOther
}
