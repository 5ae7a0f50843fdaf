// Package brokerstream provides a reconnect-with-jittered-backoff helper
// over gorilla/websocket for streaming broker adapters (subscribe_quotes,
// subscribe_executions). A concrete adapter composes a Manager to get
// automatic reconnection and resubscription without reimplementing the
// connection lifecycle itself.
package brokerstream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ReconnectConfig tunes the backoff and keepalive behavior.
type ReconnectConfig struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxRetries     int // 0 = unlimited
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// JitterFraction randomizes each backoff delay by +/- this fraction
	// (e.g. 0.2 spreads a 10s delay across [8s,12s]) so a fleet of workers
	// reconnecting to the same outage doesn't thunder the broker at once.
	JitterFraction float64
}

// DefaultReconnectConfig mirrors common streaming-adapter defaults: 2s
// initial backoff doubling to a 30s cap, 20% jitter, 30s ping cadence.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       30 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		JitterFraction: 0.2,
	}
}

// ConnState is the lifecycle state of a Manager's connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Manager owns one websocket connection to url, reconnecting with jittered
// exponential backoff on any read/ping failure and replaying every
// subscription registered via Subscribe since the connection was opened.
type Manager struct {
	name string
	url  string
	cfg  ReconnectConfig

	logger *logrus.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	state      int32
	retryCount int32

	closeCh chan struct{}
	closeOnce sync.Once

	callbackMu   sync.RWMutex
	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)

	subsMu sync.RWMutex
	subs   []any
}

// New constructs a Manager for a named stream at url. name appears in log
// fields only.
func New(name, url string, cfg ReconnectConfig, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		name:    name,
		url:     url,
		cfg:     cfg,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
}

// OnMessage registers the handler invoked for every inbound frame.
func (m *Manager) OnMessage(h func([]byte)) {
	m.callbackMu.Lock()
	m.onMessage = h
	m.callbackMu.Unlock()
}

// OnConnect registers the handler invoked after each successful (re)connect,
// including the initial Connect.
func (m *Manager) OnConnect(h func()) {
	m.callbackMu.Lock()
	m.onConnect = h
	m.callbackMu.Unlock()
}

// OnDisconnect registers the handler invoked when the connection drops.
func (m *Manager) OnDisconnect(h func(error)) {
	m.callbackMu.Lock()
	m.onDisconnect = h
	m.callbackMu.Unlock()
}

// Subscribe records sub for replay after every reconnect and, if currently
// connected, sends it immediately.
func (m *Manager) Subscribe(sub any) error {
	m.subsMu.Lock()
	m.subs = append(m.subs, sub)
	m.subsMu.Unlock()

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.WriteJSON(sub)
}

// State reports the Manager's current connection state.
func (m *Manager) State() ConnState {
	return ConnState(atomic.LoadInt32(&m.state))
}

// Connect dials url and starts the read/ping loops. On success, onConnect
// fires and every previously registered subscription is replayed.
func (m *Manager) Connect() error {
	select {
	case <-m.closeCh:
		return fmt.Errorf("brokerstream: %s manager is closed", m.name)
	default:
	}

	atomic.StoreInt32(&m.state, int32(StateConnecting))
	if err := m.dial(); err != nil {
		atomic.StoreInt32(&m.state, int32(StateDisconnected))
		return err
	}
	atomic.StoreInt32(&m.state, int32(StateConnected))
	atomic.StoreInt32(&m.retryCount, 0)

	m.callbackMu.RLock()
	onConnect := m.onConnect
	m.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	go m.readLoop()
	go m.pingLoop()

	m.logger.WithFields(logrus.Fields{"stream": m.name, "url": m.url}).Info("brokerstream: connected")
	return nil
}

func (m *Manager) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("brokerstream: %s dial: %w", m.name, err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	if err := m.resubscribe(); err != nil {
		m.logger.WithError(err).WithField("stream", m.name).Warn("brokerstream: resubscribe after dial failed")
	}
	return nil
}

func (m *Manager) resubscribe() error {
	m.subsMu.RLock()
	subs := make([]any, len(m.subs))
	copy(subs, m.subs)
	m.subsMu.RUnlock()

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("brokerstream: %s: no connection to resubscribe on", m.name)
	}
	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("brokerstream: %s resubscribe: %w", m.name, err)
		}
	}
	return nil
}

func (m *Manager) readLoop() {
	defer m.handleDisconnect(nil)
	for {
		select {
		case <-m.closeCh:
			return
		default:
		}

		m.connMu.RLock()
		conn := m.conn
		m.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(err)
			return
		}

		m.callbackMu.RLock()
		onMessage := m.onMessage
		m.callbackMu.RUnlock()
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (m *Manager) pingLoop() {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				return
			}
			m.connMu.RLock()
			conn := m.conn
			m.connMu.RUnlock()
			if conn == nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.handleDisconnect(err)
				return
			}
		}
	}
}

func (m *Manager) handleDisconnect(err error) {
	select {
	case <-m.closeCh:
		return
	default:
	}

	state := m.State()
	if state == StateReconnecting || state == StateClosed {
		return
	}
	atomic.StoreInt32(&m.state, int32(StateReconnecting))

	m.connMu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()

	m.callbackMu.RLock()
	onDisconnect := m.onDisconnect
	m.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}
	if err != nil {
		m.logger.WithError(err).WithField("stream", m.name).Warn("brokerstream: disconnected")
	}

	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	delay := m.cfg.InitialDelay
	for {
		select {
		case <-m.closeCh:
			return
		default:
		}

		retryCount := atomic.AddInt32(&m.retryCount, 1)
		if m.cfg.MaxRetries > 0 && int(retryCount) > m.cfg.MaxRetries {
			m.logger.WithFields(logrus.Fields{"stream": m.name, "max_retries": m.cfg.MaxRetries}).
				Error("brokerstream: max reconnect attempts reached, giving up")
			atomic.StoreInt32(&m.state, int32(StateDisconnected))
			return
		}

		wait := jitter(delay, m.cfg.JitterFraction)
		m.logger.WithFields(logrus.Fields{"stream": m.name, "attempt": retryCount, "delay": wait}).
			Info("brokerstream: reconnecting")

		select {
		case <-m.closeCh:
			return
		case <-time.After(wait):
		}

		if err := m.dial(); err != nil {
			m.logger.WithError(err).WithField("stream", m.name).Warn("brokerstream: reconnect attempt failed")
			delay *= 2
			if delay > m.cfg.MaxDelay {
				delay = m.cfg.MaxDelay
			}
			continue
		}

		atomic.StoreInt32(&m.state, int32(StateConnected))
		atomic.StoreInt32(&m.retryCount, 0)

		m.callbackMu.RLock()
		onConnect := m.onConnect
		m.callbackMu.RUnlock()
		if onConnect != nil {
			onConnect()
		}

		go m.readLoop()
		go m.pingLoop()
		return
	}
}

// jitter randomizes d by +/- fraction. A non-positive fraction returns d
// unchanged.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// Close tears down the connection and stops all reconnect attempts.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		atomic.StoreInt32(&m.state, int32(StateClosed))
		close(m.closeCh)
	})
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}
