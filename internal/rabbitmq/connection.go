package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultURL is used when neither a URL nor discrete credentials are configured
	DefaultURL = "amqp://localhost"
	// DefaultPort is the AMQP port used by the discrete connection form
	DefaultPort = 5672
)

// State is the lifecycle state of the transport connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionOptions describes the broker target. URL and the discrete fields are
// mutually exclusive forms; the discrete form is used when Hostname, Username and
// Password are all set.
type ConnectionOptions struct {
	URL      string
	Hostname string
	Port     int
	Username string
	Password string
	Vhost    string
}

// UsesURL reports whether the single URL form applies
func (o ConnectionOptions) UsesURL() bool {
	return o.Username == "" || o.Password == "" || o.Hostname == ""
}

// Target returns the AMQP URI the manager dials
func (o ConnectionOptions) Target() string {
	if o.UsesURL() {
		if o.URL == "" {
			return DefaultURL
		}
		return o.URL
	}

	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	vhost := o.Vhost
	if vhost == "" {
		vhost = "/"
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     o.Hostname,
		Port:     port,
		Username: o.Username,
		Password: o.Password,
		Vhost:    vhost,
	}.String()
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns the single broker connection of a process. It does not
// reconnect: a lost connection is reported and left to process supervision.
type ConnectionManager struct {
	options        ConnectionOptions
	dial           Dialer
	connectTimeout time.Duration
	logger         *slog.Logger

	mu    sync.RWMutex
	conn  Connection
	state State

	ready     chan struct{}
	readyOnce sync.Once

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the AMQP dialer, mostly for tests
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds a single Connect attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(options ConnectionOptions, opts ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		options:        options,
		dial:           DialAMQP,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		ready:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection and opens the readiness gate. There is no
// retry; the returned *ConnectionError is meant to be fatal for the caller.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateReady {
		return nil
	}
	if cm.state == StateClosed {
		return ErrConnectionClosed
	}

	target := cm.options.Target()
	cm.state = StateConnecting

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	conn, err := cm.dial(connCtx, target)
	if err != nil {
		cm.state = StateFailed
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectionTimeout
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(target),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.conn = conn
	cm.state = StateReady
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(target),
		"discrete", !cm.options.UsesURL())

	cm.readyOnce.Do(func() { close(cm.ready) })
	cm.notifyConnected()

	go cm.watchClose(conn, notifyClose)

	return nil
}

// Ready returns a channel closed once the first Connect succeeds
func (cm *ConnectionManager) Ready() <-chan struct{} {
	return cm.ready
}

// WaitReady blocks until the connection is ready or ctx is done. Any number of
// callers may wait, before or after the gate opens.
func (cm *ConnectionManager) WaitReady(ctx context.Context) error {
	select {
	case <-cm.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel opens a new channel on the live connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state != StateReady || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateReady
}

// Target returns the sanitized broker address, for logs
func (cm *ConnectionManager) Target() string {
	return SanitizeURL(cm.options.Target())
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	prev := cm.state
	cm.state = StateClosed
	if prev != StateReady || cm.conn == nil {
		return nil
	}

	err := cm.conn.Close()
	cm.conn = nil
	return err
}

// watchClose logs a broker-initiated close. No reconnection is attempted.
func (cm *ConnectionManager) watchClose(conn Connection, notifyClose chan *amqp.Error) {
	amqpErr, ok := <-notifyClose

	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	if cm.state == StateReady {
		cm.state = StateDisconnected
	}
	cm.conn = nil
	cm.mu.Unlock()

	var err error
	if ok && amqpErr != nil {
		err = amqpErr
		cm.logger.Error("connection closed by broker",
			"error", amqpErr,
			"code", amqpErr.Code,
			"recoverable", amqpErr.Recover)
	} else {
		err = ErrConnectionClosed
	}

	cm.notifyDisconnected(err)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
