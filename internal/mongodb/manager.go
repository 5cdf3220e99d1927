// Package mongodb owns the connection to the document store: a lazily
// established client handle shared by all tool invocations, re-established
// under single-flight when a transport fault marks it broken, plus the
// operation surface the tools call.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable means the store could not be reached after the configured
// number of connect attempts.
var ErrUnavailable = errors.New("document store unavailable")

// ErrNotFound means a single-document lookup matched nothing.
var ErrNotFound = errors.New("document not found")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	}
	return "unknown"
}

// Config holds the connection settings.
type Config struct {
	URI      string
	Database string
	// ConnectAttempts bounds the dial retries per acquisition (default 3).
	ConnectAttempts int
	// ConnectBackoff is the delay before the second attempt; it doubles on
	// each further attempt (default 250ms).
	ConnectBackoff time.Duration
}

type dialFunc func(ctx context.Context, uri string) (*mongo.Client, error)
type closeFunc func(ctx context.Context, c *mongo.Client) error

// Manager hands out the shared client handle. The official driver is
// goroutine-safe and pools sockets internally, so one handle serves all
// concurrent invocations; the manager only has to re-establish it after a
// transport fault.
type Manager struct {
	cfg  Config
	log  *logrus.Logger
	dial dialFunc
	disc closeFunc

	group singleflight.Group

	mu     sync.Mutex
	state  State
	client *mongo.Client
}

// NewManager returns a manager in the Disconnected state; nothing is dialed
// until the first Acquire.
func NewManager(cfg Config, log *logrus.Logger) *Manager {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 3
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 250 * time.Millisecond
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		cfg:  cfg,
		log:  log,
		dial: mongoDial,
		disc: mongoClose,
	}
}

// Acquire returns a ready-to-use client, dialing on first use. When the
// handle is broken, exactly one caller re-establishes it; concurrent callers
// wait on the same flight and share the result.
func (m *Manager) Acquire(ctx context.Context) (*mongo.Client, error) {
	m.mu.Lock()
	if m.state == StateReady {
		c := m.client
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("connect", func() (any, error) {
		return m.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*mongo.Client), nil
}

// connect runs the bounded retry loop. Only one connect is in flight at a
// time (singleflight above), so state transitions here are race-free apart
// from the mutex-guarded field writes.
func (m *Manager) connect(ctx context.Context) (*mongo.Client, error) {
	m.mu.Lock()
	// Re-check under the flight: an earlier caller may have completed the
	// reconnect between the fast path and Do.
	if m.state == StateReady {
		c := m.client
		m.mu.Unlock()
		return c, nil
	}
	old := m.client
	m.client = nil
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		// The broken client may still carry in-flight operations; release it
		// in the background.
		go func() { _ = m.disc(context.Background(), old) }()
	}

	delay := m.cfg.ConnectBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		client, err := m.dial(ctx, m.cfg.URI)
		if err == nil {
			m.mu.Lock()
			m.client = client
			m.state = StateReady
			m.mu.Unlock()
			m.log.WithFields(logrus.Fields{
				"database": m.cfg.Database,
				"attempt":  attempt,
			}).Info("document store connected")
			return client, nil
		}
		lastErr = err
		m.log.WithError(err).WithField("attempt", attempt).Warn("document store dial failed")

		if attempt == m.cfg.ConnectAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return nil, fmt.Errorf("connect: %w", ctx.Err())
		}
		delay *= 2
	}

	m.setState(StateDisconnected)
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, m.cfg.ConnectAttempts, lastErr)
}

// MarkBroken flags the handle for re-establishment if err is a
// transport-level fault. Timeouts and plain operation errors leave the
// handle alone: the connection may still be serving other invocations.
func (m *Manager) MarkBroken(err error) {
	if !IsTransportFault(err) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return
	}
	m.state = StateBroken
	m.log.WithError(err).Warn("document store handle marked broken")
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close releases the handle at process shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return m.disc(ctx, c)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// mongoDial connects and pings so a returned client is known reachable.
func mongoDial(ctx context.Context, uri string) (*mongo.Client, error) {
	reg := bson.NewRegistry()
	// Decode embedded documents into bson.M so results serialize to JSON
	// objects instead of ordered key/value pairs.
	reg.RegisterTypeMapEntry(bsontype.EmbeddedDocument, reflect.TypeOf(bson.M{}))

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRegistry(reg))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func mongoClose(ctx context.Context, c *mongo.Client) error {
	return c.Disconnect(ctx)
}

// IsDeadline reports whether err is a deadline/timeout expiry, either from
// the invocation context or from inside the driver.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err)
}

// IsTransportFault reports whether err indicates the underlying connection
// is no longer trustworthy. Timeouts are explicitly excluded.
func IsTransportFault(err error) bool {
	if err == nil || IsDeadline(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return !ne.Timeout()
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("NetworkError")
	}
	return false
}
