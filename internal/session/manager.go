package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"wamator/internal/metrics"
	"wamator/internal/model"
	"wamator/internal/store"
	"wamator/internal/transport"
)

var (
	ErrNotOwned            = errors.New("number not owned by tenant")
	ErrNoSubscription      = errors.New("no active subscription")
	ErrAlreadyActive       = errors.New("number already connected")
	ErrQuotaExceeded       = errors.New("phone number quota exceeded")
	ErrAlreadyInitializing = errors.New("session already initializing")
	ErrNotReady            = errors.New("session not ready")
	ErrNotFound            = errors.New("session not found")
	ErrShuttingDown        = errors.New("session manager shutting down")
)

const (
	defaultReadyTimeout = 90 * time.Second
	eventBuffer         = 16
)

type Store interface {
	LookupAdmission(ctx context.Context, tenantID, userID int64, address string) (model.Admission, error)
	MarkSessionActive(ctx context.Context, userID int64, address, sessionKey string) error
	ClearSession(ctx context.Context, userID int64, address string) error
}

// Notifier pushes an event to every socket bound to userID.
type Notifier interface {
	Emit(userID int64, event string, payload any)
}

type Options struct {
	Store        Store
	Factory      transport.Factory
	Notifier     Notifier
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	ReadyTimeout time.Duration
	Now          func() time.Time
}

type Manager struct {
	store        Store
	factory      transport.Factory
	notifier     Notifier
	log          zerolog.Logger
	metrics      *metrics.Metrics
	readyTimeout time.Duration
	now          func() time.Time

	registry  *Registry
	admitting userLocks
	closed    atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewManager(opts Options) *Manager {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        opts.Store,
		factory:      opts.Factory,
		notifier:     opts.Notifier,
		log:          opts.Logger.With().Str("component", "session").Logger(),
		metrics:      opts.Metrics,
		readyTimeout: opts.ReadyTimeout,
		now:          opts.Now,
		registry:     NewRegistry(),
		admitting:    userLocks{locks: make(map[int64]*userLock)},
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

type nopNotifier struct{}

func (nopNotifier) Emit(int64, string, any) {}

// Ack is returned by Connect before initialization has finished.
type Ack struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (m *Manager) Registry() *Registry { return m.registry }

// Connect admits a pairing request and starts the session in the background.
func (m *Manager) Connect(ctx context.Context, tenantID, userID int64, address string) (Ack, error) {
	if m.closed.Load() {
		return Ack{}, ErrShuttingDown
	}
	unlock := m.admitting.lock(userID)
	defer unlock()

	adm, err := m.store.LookupAdmission(ctx, tenantID, userID, address)
	if errors.Is(err, store.ErrNotFound) {
		return Ack{}, ErrNotOwned
	}
	if err != nil {
		return Ack{}, fmt.Errorf("lookup admission: %w", err)
	}
	adm.ActiveNumbers = m.occupiedNumbers(userID, address, adm.ActiveAddresses)
	switch {
	case !adm.HasSubscription:
		return Ack{}, ErrNoSubscription
	case adm.IsActive:
		return Ack{}, ErrAlreadyActive
	case adm.ActiveNumbers >= adm.MaxPhoneNumbers:
		return Ack{}, ErrQuotaExceeded
	}

	key := model.SessionKey(tenantID, userID, address)
	s, err := m.start(key, tenantID, userID, address, &adm)
	if err != nil {
		return Ack{}, err
	}

	go func() {
		if err := m.initialize(m.baseCtx, s); err != nil {
			s.log.Warn().Err(err).Msg("connect: initialize")
		}
	}()

	return Ack{Status: "processing", Message: "Generating QR code...", SessionID: key}, nil
}

// occupiedNumbers counts the user's numbers other than address that hold quota:
// persisted as active or owning a live session in any state.
func (m *Manager) occupiedNumbers(userID int64, address string, persisted []string) int {
	taken := make(map[string]struct{}, len(persisted))
	for _, a := range persisted {
		taken[a] = struct{}{}
	}
	for _, s := range m.registry.List() {
		if s.userID == userID {
			taken[s.address] = struct{}{}
		}
	}
	delete(taken, address)
	return len(taken)
}

// Restore recreates a persisted session without admission checks. It returns
// once the transport accepted or refused initialization.
func (m *Manager) Restore(ctx context.Context, rec model.SessionRecord) error {
	if m.closed.Load() {
		return ErrShuttingDown
	}
	key := model.SessionKey(rec.TenantID, rec.UserID, rec.Address)
	s, err := m.start(key, rec.TenantID, rec.UserID, rec.Address, nil)
	if err != nil {
		return err
	}
	return m.initialize(ctx, s)
}

// start registers a new session, builds its client and queues the initialize trigger.
func (m *Manager) start(key string, tenantID, userID int64, address string, adm *model.Admission) (*Session, error) {
	now := m.now()
	s := &Session{
		key:              key,
		tenantID:         tenantID,
		userID:           userID,
		address:          address,
		createdAt:        now,
		admission:        adm,
		m:                m,
		log:              m.log.With().Str("session", key).Logger(),
		state:            StateCreated,
		lastTransitionAt: now,
		events:           make(chan trigger, eventBuffer),
		done:             make(chan struct{}),
		settled:          make(chan struct{}),
	}
	if !m.registry.InsertIfAbsent(key, s) {
		return nil, ErrAlreadyInitializing
	}
	m.metrics.SetLiveSessions(m.registry.Len())

	client, err := m.factory.New(key, s.onTransportEvent)
	if err != nil {
		m.remove(s)
		return nil, fmt.Errorf("new transport: %w", err)
	}
	s.client = client

	go s.run()
	if !s.deliver(trigger{kind: trigInitialize}) {
		return nil, ErrShuttingDown
	}
	return s, nil
}

func (m *Manager) initialize(ctx context.Context, s *Session) error {
	err := s.client.Initialize(ctx)
	if err == nil {
		return nil
	}
	if s.deliver(trigger{kind: trigInitFailed, reason: err.Error()}) {
		<-s.done
	}
	return err
}

func (m *Manager) remove(s *Session) {
	if m.registry.Remove(s.key, s) {
		m.metrics.SetLiveSessions(m.registry.Len())
	}
}

// Teardown destroys a READY session. The persisted record is left as is.
func (m *Manager) Teardown(ctx context.Context, key string) error {
	s, ok := m.registry.Get(key)
	if !ok {
		return ErrNotFound
	}
	return m.request(ctx, s, trigTeardown)
}

// request delivers a caller-initiated trigger and waits for its outcome.
func (m *Manager) request(ctx context.Context, s *Session, kind triggerKind) error {
	reply := make(chan error, 1)
	if !s.deliver(trigger{kind: kind, reply: reply}) {
		return ErrNotReady
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrNotReady
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout stops the number's session, unlinks its device when possible and
// clears the persisted record.
func (m *Manager) Logout(ctx context.Context, tenantID, userID int64, address string) error {
	if _, err := m.store.LookupAdmission(ctx, tenantID, userID, address); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotOwned
		}
		return fmt.Errorf("lookup admission: %w", err)
	}

	key := model.SessionKey(tenantID, userID, address)
	if s, ok := m.registry.Get(key); ok {
		if s.State() == StateReady {
			if u, ok := s.client.(transport.Unlinker); ok {
				if err := u.Unlink(ctx); err != nil {
					s.log.Warn().Err(err).Msg("unlink device")
				}
			}
			if err := m.request(ctx, s, trigTeardown); err != nil && !errors.Is(err, ErrNotReady) {
				return err
			}
		} else if err := m.request(ctx, s, trigShutdown); err != nil && !errors.Is(err, ErrNotReady) {
			return err
		}
	}
	return m.store.ClearSession(ctx, userID, address)
}

// Shutdown destroys every live session. Persisted records stay untouched so
// the next boot restores them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	defer m.cancel()

	var result *multierror.Error
	for _, s := range m.registry.List() {
		if err := m.request(ctx, s, trigShutdown); err != nil && !errors.Is(err, ErrNotReady) {
			result = multierror.Append(result, fmt.Errorf("%s: %w", s.key, err))
		}
	}
	return result.ErrorOrNil()
}

// Live reports whether key has a registry entry in any state.
func (m *Manager) Live(key string) bool {
	_, ok := m.registry.Get(key)
	return ok
}

// ReadyClient returns the transport of key when its session is READY.
func (m *Manager) ReadyClient(key string) (transport.Client, bool) {
	s, ok := m.registry.Get(key)
	if !ok || s.State() != StateReady {
		return nil, false
	}
	return s.client, true
}

// List returns the live sessions of a tenant.
func (m *Manager) List(tenantID int64) []Info {
	var out []Info
	for _, s := range m.registry.List() {
		if s.tenantID == tenantID {
			out = append(out, s.Info())
		}
	}
	return out
}

// AwaitSettled blocks until each listed session is READY or terminal, or ctx ends.
func (m *Manager) AwaitSettled(ctx context.Context, keys []string) error {
	for _, key := range keys {
		s, ok := m.registry.Get(key)
		if !ok {
			continue
		}
		select {
		case <-s.settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
