package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// CreationTimeFormat is the layout used for creationTime in observer payloads
const CreationTimeFormat = "2006-01-02 15:04:05"

// Session is the registry entry for one provisioned browser backend
type Session struct {
	ID          string
	BrowserID   string
	HubURL      string
	Browser     string
	Version     string
	Platform    string
	Live        bool
	CreatedAt   time.Time
	IdleTimeout time.Duration

	HubContainerName string
	HubBindPort      int
	VncBindPort      int

	mu           sync.RWMutex
	vncContainer string
	vncURL       string

	closing atomic.Bool
}

// AttachVnc records the VNC sidecar that captures this session
func (s *Session) AttachVnc(containerName, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vncContainer = containerName
	s.vncURL = url
}

// DetachVnc forgets the VNC sidecar, e.g. after a failed recording start
func (s *Session) DetachVnc() {
	s.AttachVnc("", "")
}

// VncContainer returns the sidecar container name, empty if recording never started
func (s *Session) VncContainer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vncContainer
}

// VncURL returns the noVNC URL for observers
func (s *Session) VncURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vncURL
}

// BeginClosing marks the session as being torn down.
// Only the first caller gets true.
func (s *Session) BeginClosing() bool {
	return s.closing.CompareAndSwap(false, true)
}

// Closing reports whether teardown has started
func (s *Session) Closing() bool {
	return s.closing.Load()
}

// Containers returns every container owned by the session, main first
func (s *Session) Containers() []string {
	var names []string
	if s.HubContainerName != "" {
		names = append(names, s.HubContainerName)
	}
	if vnc := s.VncContainer(); vnc != "" {
		names = append(names, vnc)
	}
	return names
}

// Info returns the JSON view sent to observers and written as recording metadata
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		BrowserID:    s.BrowserID,
		Browser:      s.Browser,
		Version:      s.Version,
		Platform:     s.Platform,
		CreationTime: s.CreatedAt.Format(CreationTimeFormat),
		HubURL:       s.HubURL,
		URL:          s.VncURL(),
		Live:         s.Live,
		Timeout:      int(s.IdleTimeout / time.Second),
	}
}

// SessionInfo is the serializable snapshot of a Session
type SessionInfo struct {
	ID           string `json:"id"`
	BrowserID    string `json:"browserId,omitempty"`
	Browser      string `json:"browser"`
	Version      string `json:"version"`
	Platform     string `json:"platform,omitempty"`
	CreationTime string `json:"creationTime"`
	HubURL       string `json:"hubUrl"`
	URL          string `json:"url,omitempty"`
	Live         bool   `json:"liveSession"`
	Timeout      int    `json:"timeout"`
	Recording    string `json:"recording,omitempty"`
}
