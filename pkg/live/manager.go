// Package live runs websocket consultation sessions: a start/transcript/videoFrame/stop
// protocol with per-session throttles and the two-step specialist hand-off.
package live

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/consult"
	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/metrics"
)

// Orchestrator is the consultation collaborator used by live sessions.
type Orchestrator interface {
	LiveTurn(ctx context.Context, in consult.LiveTurnInput) (consult.LiveTurnResult, error)
	HandoffFollowUp(ctx context.Context, in consult.FollowUpInput) (string, error)
	ObserveFrame(ctx context.Context, in consult.ObserveInput) (string, bool, error)
}

type ManagerConfig struct {
	Orchestrator Orchestrator
	Catalog      *catalog.Catalog
	Settings     Settings

	// Optional.
	Publisher consult.Publisher
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
	Upgrader  *websocket.Upgrader
}

// Manager accepts websocket connections and owns their sessions.
type Manager struct {
	orch      Orchestrator
	catalog   *catalog.Catalog
	settings  Settings
	publisher consult.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	upgrader  *websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	sess *session
	w    *writer
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("live: orchestrator is nil")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("live: catalog is nil")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	upgrader := cfg.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	return &Manager{
		orch:      cfg.Orchestrator,
		catalog:   cfg.Catalog,
		settings:  cfg.Settings.withDefaults(),
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "live").Logger(),
		now:       now,
		upgrader:  upgrader,
		sessions:  map[string]*entry{},
	}, nil
}

// ServeHTTP upgrades the request and serves the session until the connection closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	conn.SetReadLimit(m.settings.ReadLimit)
	m.Serve(context.Background(), conn)
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close closes every open connection; their read loops then wind down.
func (m *Manager) Close() {
	m.mu.Lock()
	writers := make([]*writer, 0, len(m.sessions))
	for _, e := range m.sessions {
		writers = append(writers, e.w)
	}
	m.mu.Unlock()
	for _, w := range writers {
		_ = w.close()
	}
}

// Transcript returns a copy of an open session's transcript.
func (m *Manager) Transcript(sessionID string) ([]conversation.Message, bool) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.sess.snapshot().transcript, true
}

func (m *Manager) register(id string, sess *session, w *writer) {
	m.mu.Lock()
	m.sessions[id] = &entry{sess: sess, w: w}
	m.mu.Unlock()
	m.metrics.RecordLiveSessionStart()
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.metrics.RecordLiveSessionEnd()
}

// Serve runs the read loop for conn. It returns after the connection closed and all
// session work finished.
func (m *Manager) Serve(ctx context.Context, conn Conn) {
	id := uuid.NewString()
	logger := m.logger.With().Str("session_id", id).Logger()
	ctx, cancel := context.WithCancel(ctx)
	w := newWriter(conn, m.settings.WriteTimeout, logger)
	sess := newSession(id, m.catalog.DefaultSpecialistID())

	m.register(id, sess, w)
	logger.Info().Msg("live connection opened")
	defer func() {
		sess.close()
		cancel()
		sess.wait()
		_ = w.close()
		m.unregister(id)
		if snap := sess.snapshot(); snap.email != "" {
			m.publish(ctx, eventbus.Event{Type: eventbus.EventSession, SessionID: id, Email: snap.email, Status: "closed"})
		}
		logger.Info().Msg("live connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("ws read loop end")
			return
		}
		in, err := decodeInbound(data)
		if err != nil {
			logger.Debug().Err(err).Msg("invalid frame")
			w.send(Outbound{Type: TypeError, Message: msgInvalidFrame})
			continue
		}
		if stop := m.handle(ctx, sess, w, logger, in); stop {
			return
		}
	}
}

// handle processes one frame on the read loop. Model work is started asynchronously;
// transcript turns are queued behind the previous turn and its hand-off follow-up.
func (m *Manager) handle(ctx context.Context, sess *session, w *writer, logger zerolog.Logger, in Inbound) bool {
	switch in.Type {
	case TypeStart:
		email := strings.TrimSpace(in.Email)
		if email == "" {
			w.send(Outbound{Type: TypeError, Message: msgAuthRequired})
			return false
		}
		def := m.catalog.DefaultSpecialistID()
		sess.start(email, def)
		logger.Info().Str("email", email).Msg("live session started")
		m.publish(ctx, eventbus.Event{Type: eventbus.EventSession, SessionID: sess.id, Email: email, Specialist: def, Status: "started"})
		w.send(Outbound{Type: TypeStarted, SessionID: sess.id, Doctor: m.catalog.DefaultSpecialist(), Message: WelcomeMessage})

	case TypeTranscript:
		if !sess.isStarted() {
			w.send(Outbound{Type: TypeError, Message: msgNotStarted})
			return false
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return false
		}
		if !sess.acceptTranscript(m.now(), m.settings.TextCooldown) {
			m.metrics.RecordThrottled("transcript")
			logger.Debug().Msg("transcript throttled")
			return false
		}
		sess.queueTurn(func() { m.runTurn(ctx, sess, w, logger, text) })

	case TypeVideoFrame:
		if !sess.isStarted() {
			w.send(Outbound{Type: TypeError, Message: msgNotStarted})
			return false
		}
		if strings.TrimSpace(in.Data) == "" {
			return false
		}
		snap, ok := sess.acceptFrame(m.now(), m.settings.VideoCooldown)
		if !ok {
			m.metrics.RecordThrottled("video")
			return false
		}
		sess.goAsync(func() { m.runObservation(ctx, sess, w, logger, snap, in.Data) })

	case TypeStop:
		logger.Info().Msg("live session stopped by client")
		return true

	default:
		logger.Debug().Str("type", in.Type).Msg("unknown frame type ignored")
	}
	return false
}

func (m *Manager) card(id string) *catalog.Specialist {
	if s, ok := m.catalog.Specialist(id); ok {
		return s
	}
	return m.catalog.DefaultSpecialist()
}

// runTurn answers one utterance as the persona holding the session when the turn
// starts. A redirect is followed, after the settle delay, by the new persona's first
// words before the next queued turn runs.
func (m *Manager) runTurn(ctx context.Context, sess *session, w *writer, logger zerolog.Logger, utterance string) {
	if sess.isClosed() {
		return
	}
	snap := sess.snapshot()
	res, err := m.orch.LiveTurn(ctx, consult.LiveTurnInput{
		Email:      snap.email,
		SessionID:  sess.id,
		Current:    snap.specialist,
		Transcript: snap.transcript,
		Utterance:  utterance,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Str("specialist", snap.specialist).Msg("live turn failed")
		w.send(Outbound{Type: TypeError, Message: errorMessage(err)})
		return
	}

	var from, to string
	if res.Redirect != nil {
		from, to = res.Redirect.From, res.Redirect.To
	}
	kept, moved := sess.applyTurn(utterance, res.Reply, from, to)
	if !kept {
		return
	}
	m.publish(ctx, eventbus.Event{
		Type:       eventbus.EventTranscript,
		SessionID:  sess.id,
		Email:      snap.email,
		Specialist: snap.specialist,
		Patient:    utterance,
		Reply:      res.Reply,
	})
	if !moved {
		if res.Redirect != nil {
			logger.Warn().Str("from", from).Str("to", to).Msg("redirect dropped, session changed hands")
		}
		w.send(Outbound{Type: TypeResponse, Doctor: m.card(snap.specialist), Message: res.Reply})
		return
	}

	w.send(Outbound{
		Type:      TypeRedirect,
		NewDoctor: m.card(to),
		OldDoctor: m.card(from),
		Message:   res.Reply,
	})
	if sess.settle(m.settings.SettleDelay) {
		m.runFollowUp(ctx, sess, w, logger, from, to)
	}
}

func (m *Manager) runFollowUp(ctx context.Context, sess *session, w *writer, logger zerolog.Logger, from, to string) {
	if sess.isClosed() {
		return
	}
	snap := sess.snapshot()
	text, err := m.orch.HandoffFollowUp(ctx, consult.FollowUpInput{
		Email:      snap.email,
		SessionID:  sess.id,
		From:       from,
		To:         to,
		Transcript: snap.transcript,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Str("from", from).Str("to", to).Msg("hand-off follow-up failed")
		w.send(Outbound{Type: TypeError, Message: errorMessage(err)})
		return
	}
	if !sess.appendSpecialist(text) {
		return
	}
	m.publish(ctx, eventbus.Event{Type: eventbus.EventTranscript, SessionID: sess.id, Email: snap.email, Specialist: to, Reply: text})
	w.send(Outbound{Type: TypeResponse, Doctor: m.card(to), Message: text})
}

func (m *Manager) runObservation(ctx context.Context, sess *session, w *writer, logger zerolog.Logger, snap snapshot, frame string) {
	text, ok, err := m.orch.ObserveFrame(ctx, consult.ObserveInput{
		Email:      snap.email,
		SessionID:  sess.id,
		Specialist: snap.specialist,
		Frame:      frame,
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("video observation failed")
		}
		return
	}
	if !ok {
		return
	}
	content := observationPrefix + text
	if !sess.appendSpecialist(content) {
		return
	}
	m.publish(ctx, eventbus.Event{Type: eventbus.EventTranscript, SessionID: sess.id, Email: snap.email, Specialist: snap.specialist, Reply: content})
	w.send(Outbound{Type: TypeVideoAnalysis, Doctor: m.card(snap.specialist), Message: text})
}

func (m *Manager) publish(ctx context.Context, e eventbus.Event) {
	if m.publisher == nil {
		return
	}
	e.Channel = eventbus.ChannelLive
	if e.At.IsZero() {
		e.At = m.now().UTC()
	}
	if err := m.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		m.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("failed to publish session event")
	}
}

func errorMessage(err error) string {
	var qe *admission.QuotaError
	switch {
	case errors.As(err, &qe):
		return msgQuotaExceeded
	case errors.Is(err, admission.ErrRateLimited):
		return msgRateLimited
	case errors.Is(err, consult.ErrAuthRequired):
		return msgAuthRequired
	default:
		return msgAnalysisFailed
	}
}
