package table

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/reorder"
	"github.com/pitabwire/tabula/model"
)

const (
	defaultIdleTTL       = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Definitions looks up table definitions. *definition.Registry satisfies it.
type Definitions interface {
	GetTable(tableID string) (model.TableDefinition, bool)
}

// Sources builds the row source of a table. *invoker.Registry satisfies it.
type Sources interface {
	Resolve(def model.TableDefinition) (model.RowSource, error)
}

// SessionRecorder tracks open sessions. *observability.Metrics satisfies it.
type SessionRecorder interface {
	SessionOpened()
	SessionClosed(evicted bool)
}

// ReorderRecorders returns the reorder recorder for a table.
type ReorderRecorders func(tableID string) reorder.Recorder

type nopSessions struct{}

func (nopSessions) SessionOpened()     {}
func (nopSessions) SessionClosed(bool) {}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the base logger of every session.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionRecorder sets the session gauge recorder.
func WithSessionRecorder(r SessionRecorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.sessionMetrics = r
		}
	}
}

// WithTableRecorder sets the recorder handed to every controller.
func WithTableRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.tableMetrics = r }
}

// WithReorderRecorders sets the per-table reorder recorder factory.
func WithReorderRecorders(f ReorderRecorders) ManagerOption {
	return func(m *Manager) { m.reorderMetrics = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

type session struct {
	key      string
	tableID  string
	ctrl     *Controller
	lastUsed time.Time
}

// Manager keeps one Controller per tenant, subject and table. Idle
// sessions are evicted; the oldest session goes when the limit is reached.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	defs    Definitions
	sources Sources
	tables  config.TablesConfig
	cfg     config.SessionsConfig

	sessionMetrics SessionRecorder
	tableMetrics   Recorder
	reorderMetrics ReorderRecorders
	now            func() time.Time
	logger         *zap.Logger
}

// NewManager creates an empty Manager.
func NewManager(defs Definitions, sources Sources, tables config.TablesConfig, cfg config.SessionsConfig, opts ...ManagerOption) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	m := &Manager{
		sessions:       make(map[string]*session),
		defs:           defs,
		sources:        sources,
		tables:         tables,
		cfg:            cfg,
		sessionMetrics: nopSessions{},
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the caller's controller for tableID, creating it on first
// use. A new controller is not loaded yet.
func (m *Manager) Get(rctx *model.RequestContext, tableID string) (*Controller, error) {
	key := rctx.SessionKey(tableID)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		s.lastUsed = now
		return s.ctrl, nil
	}

	def, ok := m.defs.GetTable(tableID)
	if !ok {
		return nil, model.NewNotFoundError("table " + tableID + " not found")
	}
	source, err := m.sources.Resolve(def)
	if err != nil {
		return nil, err
	}

	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.evictOldestLocked()
	}

	opts := []Option{
		WithLogger(observability.TableLogger(m.logger, tableID, key)),
		WithRecorder(m.tableMetrics),
	}
	if m.reorderMetrics != nil {
		opts = append(opts, WithReorderRecorder(m.reorderMetrics(tableID)))
	}
	ctrl := New(def, source, m.tables, opts...)

	m.sessions[key] = &session{key: key, tableID: tableID, ctrl: ctrl, lastUsed: now}
	m.sessionMetrics.SessionOpened()
	m.logger.Debug("table session opened", zap.String("session", key), zap.String("table_id", tableID))
	return ctrl, nil
}

// Release closes the caller's session for tableID. It reports whether one
// was open.
func (m *Manager) Release(rctx *model.RequestContext, tableID string) bool {
	key := rctx.SessionKey(tableID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return false
	}
	m.closeLocked(s, false)
	return true
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle since before now minus the idle TTL and
// returns how many it closed.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			m.closeLocked(s, true)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("evicted idle table sessions", zap.Int("count", n), zap.Int("open", len(m.sessions)))
	}
	return n
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Invalidate closes every session of the given tables so the next request
// picks up the new definition.
func (m *Manager) Invalidate(tableIDs []string) {
	if len(tableIDs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if slices.Contains(tableIDs, s.tableID) {
			m.closeLocked(s, false)
			n++
		}
	}
	m.logger.Info("table definitions changed",
		zap.Strings("tables", tableIDs),
		zap.Int("sessions_closed", n),
	)
}

// Shutdown closes every session and waits for in-flight reorders until ctx
// is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, s := range m.sessions {
		ctrls = append(ctrls, s.ctrl)
		m.closeLocked(s, false)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range ctrls {
			c.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) evictOldestLocked() {
	var oldest *session
	for _, s := range m.sessions {
		if oldest == nil || s.lastUsed.Before(oldest.lastUsed) {
			oldest = s
		}
	}
	if oldest != nil {
		m.logger.Debug("session limit reached, evicting", zap.String("session", oldest.key))
		m.closeLocked(oldest, true)
	}
}

func (m *Manager) closeLocked(s *session, evicted bool) {
	delete(m.sessions, s.key)
	s.ctrl.Close()
	m.sessionMetrics.SessionClosed(evicted)
}
