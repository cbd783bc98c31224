// Package tunnel exposes the local HTTP port at a public URL so the
// telephony provider can reach the webhook and media endpoints.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

const (
	healthInterval       = 30 * time.Second
	reconnectBase        = 2 * time.Second
	reconnectMaxAttempts = 10
)

// Manager owns a single ngrok forwarder for the lifetime of the process.
type Manager struct {
	authtoken string
	localPort int
	log       *slog.Logger

	mu        sync.Mutex
	forwarder ngrok.Forwarder
	publicURL string
	stopped   bool
	dead      chan struct{}
}

func NewManager(authtoken string, localPort int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{authtoken: authtoken, localPort: localPort, log: log}
}

// Start opens the tunnel and begins health monitoring.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	go m.monitor(ctx)
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	backend, err := url.Parse(fmt.Sprintf("http://localhost:%d", m.localPort))
	if err != nil {
		return err
	}

	opts := []ngrok.ConnectOption{}
	if m.authtoken != "" {
		opts = append(opts, ngrok.WithAuthtoken(m.authtoken))
	}

	fwd, err := ngrok.ListenAndForward(ctx, backend, ngrokconfig.HTTPEndpoint(), opts...)
	if err != nil {
		return err
	}

	dead := make(chan struct{})
	go func() {
		_ = fwd.Wait()
		close(dead)
	}()

	m.mu.Lock()
	prev := m.publicURL
	m.forwarder = fwd
	m.publicURL = fwd.URL()
	m.dead = dead
	m.mu.Unlock()

	if prev != "" && prev != fwd.URL() {
		// The provider's registered webhook URL now points at a dead host;
		// new calls may fail until the new URL is picked up.
		m.log.Warn("tunnel public URL changed after reconnect", "old", prev, "new", fwd.URL())
	}
	m.log.Info("tunnel established", "url", fwd.URL(), "port", m.localPort)
	return nil
}

func (m *Manager) monitor(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		stopped := m.stopped
		dead := m.dead
		healthy := m.forwarder != nil && m.forwarder.URL() != ""
		m.mu.Unlock()

		if stopped {
			return
		}
		if healthy {
			select {
			case <-dead:
			default:
				continue
			}
		}

		m.log.Warn("tunnel lost, reconnecting")
		m.reconnect(ctx)
	}
}

func (m *Manager) reconnect(ctx context.Context) {
	backoff := reconnectBase
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}

		if err := m.connect(ctx); err == nil {
			m.log.Info("tunnel reconnected", "attempt", attempt)
			return
		} else {
			m.log.Warn("tunnel reconnect failed", "attempt", attempt, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	m.log.Error("tunnel reconnect attempts exhausted")
}

// Stop closes the tunnel and suppresses further reconnects.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	fwd := m.forwarder
	m.forwarder = nil
	m.mu.Unlock()

	if fwd != nil {
		_ = fwd.Close()
	}
}

// PublicURL returns the current https:// URL, or "" before Start.
func (m *Manager) PublicURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publicURL
}

// PublicHost returns the host portion of the public URL.
func (m *Manager) PublicHost() string {
	m.mu.Lock()
	raw := m.publicURL
	m.mu.Unlock()
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// IsEphemeralHost reports whether host is a free-tier tunnel domain. Those
// hosts rotate on every session and re-canonicalize headers in ways that can
// break webhook signature verification.
func IsEphemeralHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".ngrok-free.app") ||
		strings.HasSuffix(host, ".ngrok-free.dev") ||
		strings.HasSuffix(host, ".ngrok.io")
}
