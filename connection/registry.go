package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/supersign/common"
	"github.com/ruteri/supersign/interfaces"
)

// ErrClosed is returned by Acquire after the registry has been closed.
var ErrClosed = errors.New("connection registry closed")

// Key identifies a connection.
type Key struct {
	UDID        string
	Preferences interfaces.ConnectionPreferences
}

// entry is a connection and its references. ready is closed once the first acquirer
// has connected; conn and err are set before that.
type entry struct {
	ready chan struct{}
	conn  interfaces.Connection
	err   error
	refs  int
}

// Registry shares live device connections between their users. A connection is opened
// on the first Acquire of its key and closed when its last Handle is released.
type Registry struct {
	transport interfaces.DeviceTransport
	log       *slog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
}

func NewRegistry(transport interfaces.DeviceTransport, log *slog.Logger) *Registry {
	if log == nil {
		log = common.DiscardLogger()
	}
	return &Registry{
		transport: transport,
		log:       log,
		entries:   make(map[Key]*entry),
	}
}

// Acquire returns a handle on the connection for udid and prefs, connecting if there is
// no live one. Concurrent callers for the same key share one connection and the outcome
// of its connect. A slow connect only holds up callers for its own key.
func (r *Registry) Acquire(ctx context.Context, udid string, prefs interfaces.ConnectionPreferences) (*Handle, error) {
	key := Key{UDID: udid, Preferences: prefs}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := r.entries[key]; ok {
		e.refs++
		r.mu.Unlock()
		return r.await(ctx, key, e)
	}
	e := &entry{ready: make(chan struct{}), refs: 1}
	r.entries[key] = e
	r.mu.Unlock()

	conn, err := r.transport.Connect(ctx, udid, prefs)

	r.mu.Lock()
	switch {
	case err != nil:
		e.err = err
	case r.closed:
		e.err = ErrClosed
	default:
		e.conn = conn
	}
	if e.err != nil && r.entries[key] == e {
		delete(r.entries, key)
	}
	close(e.ready)
	r.mu.Unlock()

	if e.err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, e.err
	}
	r.log.Debug("Opened connection", slog.String("udid", udid), slog.String("lookup", prefs.Lookup.String()))
	return &Handle{registry: r, key: key, entry: e}, nil
}

// await waits for another caller's connect of e. The reference taken on e is dropped
// if ctx ends first.
func (r *Registry) await(ctx context.Context, key Key, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		if err := r.release(key, e); err != nil {
			r.log.Warn("Failed to close connection", slog.String("udid", key.UDID), "err", err)
		}
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return &Handle{registry: r, key: key, entry: e}, nil
}

func (r *Registry) release(key Key, e *entry) error {
	r.mu.Lock()
	if r.entries[key] != e {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, key)
	conn := e.conn
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	r.log.Debug("Closing connection", slog.String("udid", key.UDID))
	return conn.Close()
}

// Keys returns the keys of the live connections, ordered by udid.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UDID != keys[j].UDID {
			return keys[i].UDID < keys[j].UDID
		}
		return keys[i].Preferences.Lookup < keys[j].Preferences.Lookup
	})
	return keys
}

// Close closes every live connection. Outstanding handles become no-ops and connects
// still in progress fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[Key]*entry)
	r.closed = true
	conns := make(map[Key]interfaces.Connection, len(entries))
	for key, e := range entries {
		if e.conn != nil {
			conns[key] = e.conn
		}
	}
	r.mu.Unlock()

	var errs []error
	for key, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key.UDID, err))
		}
	}
	return errors.Join(errs...)
}

// Handle is one reference to a shared connection.
type Handle struct {
	registry *Registry
	key      Key
	entry    *entry
	once     sync.Once
}

func (h *Handle) Connection() interfaces.Connection {
	return h.entry.conn
}

// Release drops the reference. Only the first call has an effect.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		err = h.registry.release(h.key, h.entry)
	})
	return err
}
