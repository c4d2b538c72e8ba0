package session

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"wamator/internal/model"
	"wamator/internal/transport"
)

const (
	eventQRGenerated      = "qr_generated"
	eventConnectionUpdate = "connection_update"

	sideEffectTimeout = 10 * time.Second
)

type trigger struct {
	kind    triggerKind
	code    string
	percent int
	reason  string
	// reply receives the outcome of a caller-initiated trigger.
	reply chan error
}

// Session supervises one transport client. All state changes happen on the
// goroutine started by run, in the order triggers were delivered.
type Session struct {
	key       string
	tenantID  int64
	userID    int64
	address   string
	createdAt time.Time
	admission *model.Admission

	m      *Manager
	log    zerolog.Logger
	client transport.Client

	mu               sync.RWMutex
	state            State
	lastTransitionAt time.Time

	events     chan trigger
	done       chan struct{}
	settled    chan struct{}
	settleOnce sync.Once
	watchdog   *time.Timer
}

// Info is a point-in-time view of a session.
type Info struct {
	Key              string    `json:"session_id"`
	TenantID         int64     `json:"api_consumer_id"`
	UserID           int64     `json:"app_user_id"`
	Address          string    `json:"phone_number"`
	State            State     `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

func (s *Session) Key() string { return s.key }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Key:              s.key,
		TenantID:         s.tenantID,
		UserID:           s.userID,
		Address:          s.address,
		State:            s.state,
		CreatedAt:        s.createdAt,
		LastTransitionAt: s.lastTransitionAt,
	}
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Settled is closed once the session is READY or terminal.
func (s *Session) Settled() <-chan struct{} { return s.settled }

// deliver queues tr unless the session already ended.
func (s *Session) deliver(tr trigger) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- tr:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) onTransportEvent(ev transport.Event) {
	tr := trigger{code: ev.Code, percent: ev.Percent, reason: ev.Reason}
	switch ev.Kind {
	case transport.EventPairingCode:
		tr.kind = trigPairingCode
	case transport.EventAuthenticated:
		tr.kind = trigAuthenticated
	case transport.EventLoading:
		tr.kind = trigLoading
	case transport.EventReady:
		tr.kind = trigReady
	case transport.EventAuthFailed:
		tr.kind = trigAuthFailed
	case transport.EventDisconnected:
		tr.kind = trigDisconnected
	default:
		s.log.Debug().Str("kind", string(ev.Kind)).Msg("unknown transport event")
		return
	}
	s.deliver(tr)
}

func (s *Session) run() {
	defer close(s.done)
	for tr := range s.events {
		s.handle(tr)
		if s.State().Terminal() {
			return
		}
	}
}

func (s *Session) handle(tr trigger) {
	from := s.State()
	to, ok := next(from, tr.kind)
	if !ok {
		s.log.Debug().Str("state", string(from)).Stringer("trigger", tr.kind).Msg("trigger ignored")
		if tr.reply != nil {
			tr.reply <- ErrNotReady
		}
		return
	}

	now := s.m.now()
	s.mu.Lock()
	s.state = to
	s.lastTransitionAt = now
	s.mu.Unlock()
	s.m.metrics.SessionTransition(string(to))
	if from != to {
		s.log.Info().Str("from", string(from)).Str("to", string(to)).Stringer("trigger", tr.kind).Msg("session transition")
	}

	switch tr.kind {
	case trigInitialize:
		s.watchdog = time.AfterFunc(s.m.readyTimeout, func() {
			s.deliver(trigger{kind: trigWatchdog})
		})
	case trigPairingCode:
		s.publishQR(tr.code)
	case trigAuthenticated:
		s.notify(connectionUpdate{Status: "authenticated", Message: "WhatsApp client authenticated"})
	case trigLoading:
		percent := tr.percent
		s.notify(connectionUpdate{Status: "loading", Message: "Loading chats", Percent: &percent})
	case trigReady:
		s.stopWatchdog()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		if err := s.m.store.MarkSessionActive(ctx, s.userID, s.address, s.key); err != nil {
			s.log.Error().Err(err).Msg("persist active session")
		}
		cancel()
		s.notify(connectionUpdate{Status: "connected", Message: "WhatsApp client is now ready!"})
		s.settle()
	case trigAuthFailed:
		s.terminate()
		s.clearRecord()
		s.notify(connectionUpdate{Status: "auth_failure", Message: reasonOr(tr.reason, "WhatsApp authentication failed")})
	case trigDisconnected:
		s.terminate()
		s.clearRecord()
		s.notify(connectionUpdate{Status: "disconnected", Message: "WhatsApp client was disconnected"})
	case trigWatchdog:
		s.terminate()
		s.notify(connectionUpdate{Status: "timeout", Message: "WhatsApp client did not become ready in time"})
	case trigInitFailed:
		s.terminate()
		s.log.Warn().Str("reason", tr.reason).Msg("transport failed to initialize")
		s.notify(connectionUpdate{Status: "disconnected", Message: "WhatsApp client failed to start"})
	case trigTeardown, trigShutdown:
		err := s.terminate()
		if tr.reply != nil {
			tr.reply <- err
		}
	}
}

// terminate runs the side effects shared by every terminal transition.
func (s *Session) terminate() error {
	s.stopWatchdog()
	s.settle()
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	var err error
	if s.client != nil {
		if err = s.client.Destroy(ctx); err != nil {
			s.log.Warn().Err(err).Msg("destroy transport")
		}
	}
	s.m.remove(s)
	return err
}

func (s *Session) clearRecord() {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := s.m.store.ClearSession(ctx, s.userID, s.address); err != nil {
		s.log.Error().Err(err).Msg("clear session record")
	}
}

func (s *Session) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
}

func (s *Session) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

type connectionUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Percent *int   `json:"percent,omitempty"`
}

type qrData struct {
	AppUserID        int64 `json:"app_user_id"`
	WhatsAppNumberID int64 `json:"whatsapp_number_id"`
	ActiveNumbers    int   `json:"active_numbers"`
	AllowedMax       int   `json:"allowed_max"`
}

type qrPayload struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	SessionID string  `json:"session_id"`
	QRCode    string  `json:"qr_code"`
	Data      *qrData `json:"data,omitempty"`
}

func (s *Session) publishQR(code string) {
	url, err := qrDataURL(code)
	if err != nil {
		s.log.Error().Err(err).Msg("render pairing code")
		return
	}
	payload := qrPayload{
		Status:    "success",
		Message:   "Scan the QR to connect",
		SessionID: s.key,
		QRCode:    url,
	}
	if a := s.admission; a != nil {
		payload.Data = &qrData{
			AppUserID:        a.AppUserID,
			WhatsAppNumberID: a.WhatsAppNumberID,
			ActiveNumbers:    a.ActiveNumbers,
			AllowedMax:       a.MaxPhoneNumbers,
		}
	}
	s.m.notifier.Emit(s.userID, eventQRGenerated, payload)
}

func (s *Session) notify(u connectionUpdate) {
	s.m.notifier.Emit(s.userID, eventConnectionUpdate, u)
}

func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
