package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/consult"
	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/inference/inferencetest"
	"github.com/go-go-golems/ehosp/pkg/inference/runner"
	"github.com/go-go-golems/ehosp/pkg/persistence/accountstore"
	"github.com/go-go-golems/ehosp/pkg/prompt"
	"github.com/go-go-golems/ehosp/pkg/routing"
)

const adminEmail = "admin@ehosp.test"

var pixel = base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10})

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type step struct {
	at    time.Duration
	frame Inbound
}

// scriptConn feeds frames pushed by the test and records outbound frames. Each frame
// moves the clock to base+at before it is handed to the read loop.
type scriptConn struct {
	clock *testClock
	base  time.Time
	in    chan step

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	out []Outbound
}

func newScriptConn(clock *testClock) *scriptConn {
	return &scriptConn{
		clock:  clock,
		base:   clock.Now(),
		in:     make(chan step),
		closed: make(chan struct{}),
	}
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	select {
	case st := <-c.in:
		c.clock.Set(c.base.Add(st.at))
		b, err := json.Marshal(st.frame)
		return 1, b, err
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *scriptConn) WriteMessage(_ int, data []byte) error {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, out)
	return nil
}

func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) push(at time.Duration, f Inbound) {
	c.in <- step{at: at, frame: f}
}

func (c *scriptConn) frames() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.out...)
}

func (c *scriptConn) ofType(typ string) []Outbound {
	var res []Outbound
	for _, o := range c.frames() {
		if o.Type == typ {
			res = append(res, o)
		}
	}
	return res
}

type stack struct {
	manager  *Manager
	gen      *inferencetest.Generator
	accounts *accounts.Service
	clock    *testClock
}

func newStack(t *testing.T, settings Settings) *stack {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	cat := catalog.MustDefault()
	store := accountstore.NewMemoryStore()
	acc, err := accounts.NewService(store, cat, adminEmail, accounts.WithClock(clock.Now))
	require.NoError(t, err)
	ctrl, err := admission.NewController(acc, store, admission.WithClock(clock.Now))
	require.NoError(t, err)
	router, err := routing.NewRouter(cat, acc)
	require.NoError(t, err)
	composer, err := prompt.NewComposer(cat)
	require.NoError(t, err)
	gen := inferencetest.New()
	model, err := runner.New(gen)
	require.NoError(t, err)
	svc, err := consult.NewService(consult.ServiceConfig{
		Catalog:   cat,
		Accounts:  acc,
		Admission: ctrl,
		Router:    router,
		Composer:  composer,
		Model:     model,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	m, err := NewManager(ManagerConfig{
		Orchestrator: svc,
		Catalog:      cat,
		Settings:     settings,
		Now:          clock.Now,
	})
	require.NoError(t, err)
	return &stack{manager: m, gen: gen, accounts: acc, clock: clock}
}

func (s *stack) account(t *testing.T, email, plan string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.accounts.Ensure(ctx, email, "")
	require.NoError(t, err)
	if plan != "" {
		_, err = s.accounts.ChangePlan(ctx, adminEmail, email, plan)
		require.NoError(t, err)
	}
}

// serve runs the manager on a script connection; the returned channel closes when
// Serve returned.
func (s *stack) serve() (*scriptConn, <-chan struct{}) {
	conn := newScriptConn(s.clock)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.manager.Serve(context.Background(), conn)
	}()
	return conn, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func TestServe_StartSendsWelcomeWithoutModelCall(t *testing.T) {
	s := newStack(t, Settings{})
	conn, done := s.serve()

	conn.push(0, Inbound{Type: TypeStart, Email: "lea@example.com"})
	conn.push(0, Inbound{Type: TypeStop})
	waitDone(t, done)

	started := conn.ofType(TypeStarted)
	require.Len(t, started, 1)
	require.Equal(t, WelcomeMessage, started[0].Message)
	require.Equal(t, "general", started[0].Doctor.ID)
	require.NotEmpty(t, started[0].SessionID)
	require.Equal(t, 0, s.gen.Calls())
	require.Equal(t, 0, s.manager.Active())
}

func TestServe_EventsBeforeStartAreErrors(t *testing.T) {
	s := newStack(t, Settings{})
	conn, done := s.serve()

	conn.push(0, Inbound{Type: TypeTranscript, Text: "Bonjour"})
	conn.push(0, Inbound{Type: TypeVideoFrame, Data: pixel})
	conn.push(0, Inbound{Type: TypeStop})
	waitDone(t, done)

	errs := conn.ofType(TypeError)
	require.Len(t, errs, 2)
	require.Equal(t, msgNotStarted, errs[0].Message)
	require.Equal(t, 0, s.gen.Calls())
}

func TestServe_TranscriptThrottle(t *testing.T) {
	s := newStack(t, Settings{})
	s.account(t, "lea@example.com", "")
	conn, done := s.serve()

	conn.push(0, Inbound{Type: TypeStart, Email: "lea@example.com"})
	conn.push(0, Inbound{Type: TypeTranscript, Text: "Bonjour"})
	conn.push(500*time.Millisecond, Inbound{Type: TypeTranscript, Text: "Toujours là ?"})
	conn.push(2100*time.Millisecond, Inbound{Type: TypeTranscript, Text: "J'ai froid"})

	require.Eventually(t, func() bool {
		return len(conn.ofType(TypeResponse)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	conn.push(2200*time.Millisecond, Inbound{Type: TypeStop})
	waitDone(t, done)

	require.Equal(t, 2, s.gen.CallsOfKind(inference.KindLive))
	var prompts []string
	for _, r := range s.gen.Requests() {
		prompts = append(prompts, r.Prompt)
	}
	require.ElementsMatch(t, []string{"Bonjour", "J'ai froid"}, prompts)
}

func TestServe_VideoThrottleIsIndependent(t *testing.T) {
	s := newStack(t, Settings{})
	s.account(t, "lea@example.com", "")
	s.gen.Fallback = "RAS"
	conn, done := s.serve()

	conn.push(0, Inbound{Type: TypeStart, Email: "lea@example.com"})
	conn.push(0, Inbound{Type: TypeVideoFrame, Data: pixel})
	conn.push(time.Second, Inbound{Type: TypeVideoFrame, Data: pixel})
	conn.push(time.Second, Inbound{Type: TypeTranscript, Text: "Bonjour"})
	conn.push(5*time.Second, Inbound{Type: TypeVideoFrame, Data: pixel})
	conn.push(5*time.Second, Inbound{Type: TypeStop})
	waitDone(t, done)

	require.Equal(t, 2, s.gen.CallsOfKind(inference.KindVideo))
	require.Equal(t, 1, s.gen.CallsOfKind(inference.KindLive))
	require.Empty(t, conn.ofType(TypeVideoAnalysis))
}

func TestServe_MissingEmailAndUnknownType(t *testing.T) {
	s := newStack(t, Settings{})
	conn, done := s.serve()

	conn.push(0, Inbound{Type: TypeStart})
	conn.push(0, Inbound{Type: "bogus"})
	conn.push(0, Inbound{Type: TypeStop})
	waitDone(t, done)

	errs := conn.ofType(TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, msgAuthRequired, errs[0].Message)
}

// direct drives the async steps synchronously on a started session.
func (s *stack) direct(email string) (*session, *writer, *scriptConn) {
	conn := newScriptConn(s.clock)
	sess := newSession("s1", "general")
	sess.start(email, "general")
	return sess, newWriter(conn, 0, zerolog.Nop()), conn
}

func TestObservation_NothingToReportLeavesTranscriptUnchanged(t *testing.T) {
	s := newStack(t, Settings{})
	s.account(t, "lea@example.com", "")
	s.gen.Push(inferencetest.Reply{Text: "RAS"})
	sess, w, conn := s.direct("lea@example.com")

	s.manager.runObservation(context.Background(), sess, w, zerolog.Nop(), sess.snapshot(), "data:image/jpeg;base64,"+pixel)

	require.Equal(t, 1, s.gen.CallsOfKind(inference.KindVideo))
	require.Empty(t, conn.frames())
	require.Empty(t, sess.snapshot().transcript)
}

func TestObservation_AppendsVisualObservation(t *testing.T) {
	s := newStack(t, Settings{})
	s.account(t, "lea@example.com", "")
	s.gen.Push(inferencetest.Reply{Text: "Je remarque une rougeur sur la joue gauche."})
	sess, w, conn := s.direct("lea@example.com")

	s.manager.runObservation(context.Background(), sess, w, zerolog.Nop(), sess.snapshot(), pixel)

	frames := conn.ofType(TypeVideoAnalysis)
	require.Len(t, frames, 1)
	require.Equal(t, "general", frames[0].Doctor.ID)
	require.Equal(t, "Je remarque une rougeur sur la joue gauche.", frames[0].Message)
	require.Equal(t, []conversation.Message{{
		Role:    conversation.RoleSpecialist,
		Content: "[Observation visuelle] Je remarque une rougeur sur la joue gauche.",
	}}, sess.snapshot().transcript)
}

func TestTurn_TwoStepHandoff(t *testing.T) {
	s := newStack(t, Settings{SettleDelay: 10 * time.Millisecond})
	s.account(t, "paul@example.com", "individual")
	s.gen.Push(
		inferencetest.Reply{Text: "Je vois."},
		inferencetest.Reply{Text: "Bonjour, Dr. Adam m'a bien briefé sur ton cas."},
	)
	sess, w, conn := s.direct("paul@example.com")

	s.manager.runTurn(context.Background(), sess, w, zerolog.Nop(), "J'ai des palpitations")

	frames := conn.frames()
	require.Len(t, frames, 2)
	require.Equal(t, TypeRedirect, frames[0].Type)
	require.Equal(t, "general", frames[0].OldDoctor.ID)
	require.Equal(t, "cardio", frames[0].NewDoctor.ID)
	require.Equal(t, "Je vois.", frames[0].Message)
	require.Equal(t, TypeResponse, frames[1].Type)
	require.Equal(t, "cardio", frames[1].Doctor.ID)
	require.Equal(t, "Bonjour, Dr. Adam m'a bien briefé sur ton cas.", frames[1].Message)

	require.Equal(t, "cardio", sess.snapshot().specialist)
	require.Equal(t, 1, s.gen.CallsOfKind(inference.KindFollowUp))
	require.Len(t, sess.snapshot().transcript, 3)
}

func TestTurn_FollowUpDroppedWhenSessionCloses(t *testing.T) {
	s := newStack(t, Settings{SettleDelay: time.Minute})
	s.account(t, "paul@example.com", "individual")
	s.gen.Push(inferencetest.Reply{Text: "Je vois."})
	sess, w, conn := s.direct("paul@example.com")

	sess.queueTurn(func() {
		s.manager.runTurn(context.Background(), sess, w, zerolog.Nop(), "J'ai des palpitations")
	})
	require.Eventually(t, func() bool {
		return len(conn.ofType(TypeRedirect)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	sess.close()
	sess.wait()

	require.Empty(t, conn.ofType(TypeResponse))
	require.Equal(t, 0, s.gen.CallsOfKind(inference.KindFollowUp))
}

func TestTurn_QuotaErrorIsReported(t *testing.T) {
	s := newStack(t, Settings{})
	s.account(t, "lea@example.com", "")
	sess, w, conn := s.direct("lea@example.com")

	for i := 0; i < 6; i++ {
		s.manager.runTurn(context.Background(), sess, w, zerolog.Nop(), "Bonjour")
	}
	require.Len(t, conn.ofType(TypeResponse), 5)
	errs := conn.ofType(TypeError)
	require.Len(t, errs, 1)
	require.Equal(t, msgQuotaExceeded, errs[0].Message)
	require.Len(t, sess.snapshot().transcript, 10)
}

// scriptedOrchestrator answers live turns from a script. A turn whose utterance has a
// gate blocks until the gate is closed.
type scriptedOrchestrator struct {
	mu     sync.Mutex
	turns  []consult.LiveTurnInput
	gates  map[string]chan struct{}
	routes map[string]string

	started chan string
}

func newScriptedOrchestrator() *scriptedOrchestrator {
	return &scriptedOrchestrator{
		gates:   map[string]chan struct{}{},
		routes:  map[string]string{},
		started: make(chan string, 16),
	}
}

func (o *scriptedOrchestrator) LiveTurn(ctx context.Context, in consult.LiveTurnInput) (consult.LiveTurnResult, error) {
	o.mu.Lock()
	o.turns = append(o.turns, in)
	gate := o.gates[in.Utterance]
	to := o.routes[in.Utterance]
	o.mu.Unlock()
	o.started <- in.Utterance
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return consult.LiveTurnResult{}, ctx.Err()
		}
	}
	res := consult.LiveTurnResult{Reply: "réponse de " + in.Current, Specialist: in.Current}
	if to != "" && to != in.Current {
		res.Redirect = &consult.Redirect{From: in.Current, To: to}
		res.Specialist = to
	}
	return res, nil
}

func (o *scriptedOrchestrator) HandoffFollowUp(_ context.Context, in consult.FollowUpInput) (string, error) {
	return "relais par " + in.To, nil
}

func (o *scriptedOrchestrator) ObserveFrame(_ context.Context, in consult.ObserveInput) (string, bool, error) {
	return "teint pâle chez le patient", true, nil
}

func (o *scriptedOrchestrator) liveTurns() []consult.LiveTurnInput {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]consult.LiveTurnInput(nil), o.turns...)
}

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) Publish(_ context.Context, e eventbus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) ofType(typ eventbus.EventType) []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []eventbus.Event
	for _, e := range l.events {
		if e.Type == typ {
			res = append(res, e)
		}
	}
	return res
}

func scriptedManager(t *testing.T, orch Orchestrator, settings Settings, clock *testClock, pub *eventLog) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Orchestrator: orch,
		Catalog:      catalog.MustDefault(),
		Settings:     settings,
		Now:          clock.Now,
		Publisher:    pub,
	})
	require.NoError(t, err)
	return m
}

func TestServe_OverlappingTurnsRunInArrivalOrder(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	orch := newScriptedOrchestrator()
	release := make(chan struct{})
	orch.gates["J'ai des palpitations"] = release
	orch.routes["J'ai des palpitations"] = "cardio"
	m := scriptedManager(t, orch, Settings{SettleDelay: 10 * time.Millisecond}, clock, &eventLog{})

	conn := newScriptConn(clock)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Serve(context.Background(), conn)
	}()

	conn.push(0, Inbound{Type: TypeStart, Email: "paul@example.com"})
	conn.push(0, Inbound{Type: TypeTranscript, Text: "J'ai des palpitations"})
	require.Equal(t, "J'ai des palpitations", <-orch.started)
	conn.push(2200*time.Millisecond, Inbound{Type: TypeTranscript, Text: "Et des migraines"})

	require.Never(t, func() bool { return len(orch.liveTurns()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return len(conn.ofType(TypeResponse)) == 2
	}, 5*time.Second, 5*time.Millisecond)
	conn.push(2300*time.Millisecond, Inbound{Type: TypeStop})
	waitDone(t, done)

	turns := orch.liveTurns()
	require.Len(t, turns, 2)
	require.Equal(t, "general", turns[0].Current)
	require.Equal(t, "cardio", turns[1].Current)
	require.Len(t, turns[1].Transcript, 3)

	var kinds []string
	for _, f := range conn.frames() {
		kinds = append(kinds, f.Type)
	}
	require.Equal(t, []string{TypeStarted, TypeRedirect, TypeResponse, TypeResponse}, kinds)

	redirects := conn.ofType(TypeRedirect)
	require.Equal(t, "cardio", redirects[0].NewDoctor.ID)
	responses := conn.ofType(TypeResponse)
	require.Equal(t, "relais par cardio", responses[0].Message)
	require.Equal(t, "cardio", responses[1].Doctor.ID)
	require.Equal(t, "réponse de cardio", responses[1].Message)
}

func TestTurn_StaleRedirectIsAnsweredWithoutHandoff(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	orch := stale{newScriptedOrchestrator()}
	m := scriptedManager(t, orch, Settings{SettleDelay: time.Millisecond}, clock, &eventLog{})
	conn := newScriptConn(clock)
	sess := newSession("s1", "general")
	sess.start("paul@example.com", "general")

	m.runTurn(context.Background(), sess, newWriter(conn, 0, zerolog.Nop()), zerolog.Nop(), "Et des migraines")

	require.Empty(t, conn.ofType(TypeRedirect))
	responses := conn.ofType(TypeResponse)
	require.Len(t, responses, 1)
	require.Equal(t, "general", responses[0].Doctor.ID)
	require.Equal(t, "general", sess.snapshot().specialist)
	require.Len(t, sess.snapshot().transcript, 2)
}

// stale answers as if the session were held by another persona.
type stale struct{ *scriptedOrchestrator }

func (o stale) LiveTurn(ctx context.Context, in consult.LiveTurnInput) (consult.LiveTurnResult, error) {
	return consult.LiveTurnResult{
		Reply:      "Je vois.",
		Specialist: "neuro",
		Redirect:   &consult.Redirect{From: "cardio", To: "neuro"},
	}, nil
}

func TestServe_PublishesKeptTranscript(t *testing.T) {
	clock := &testClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	orch := newScriptedOrchestrator()
	orch.routes["J'ai des palpitations"] = "cardio"
	pub := &eventLog{}
	m := scriptedManager(t, orch, Settings{SettleDelay: time.Millisecond}, clock, pub)

	conn := newScriptConn(clock)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Serve(context.Background(), conn)
	}()
	conn.push(0, Inbound{Type: TypeStart, Email: "paul@example.com"})
	conn.push(0, Inbound{Type: TypeVideoFrame, Data: pixel})
	conn.push(0, Inbound{Type: TypeTranscript, Text: "J'ai des palpitations"})
	require.Eventually(t, func() bool {
		return len(conn.ofType(TypeResponse)) == 1 && len(conn.ofType(TypeVideoAnalysis)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	conn.push(0, Inbound{Type: TypeStop})
	waitDone(t, done)

	kept := pub.ofType(eventbus.EventTranscript)
	require.Len(t, kept, 3)
	var turn, followUp, observation eventbus.Event
	for _, e := range kept {
		require.Equal(t, eventbus.ChannelLive, e.Channel)
		require.Equal(t, "paul@example.com", e.Email)
		switch {
		case e.Patient != "":
			turn = e
		case e.Specialist == "cardio":
			followUp = e
		default:
			observation = e
		}
	}
	require.Equal(t, "J'ai des palpitations", turn.Patient)
	require.Equal(t, "réponse de general", turn.Reply)
	require.Equal(t, "relais par cardio", followUp.Reply)
	require.Equal(t, "[Observation visuelle] teint pâle chez le patient", observation.Reply)
	require.Equal(t, "general", observation.Specialist)
}

func TestWriter_SendAfterCloseIsNoop(t *testing.T) {
	conn := newScriptConn(&testClock{})
	w := newWriter(conn, time.Second, zerolog.Nop())
	w.send(Outbound{Type: TypeResponse, Message: "un"})
	require.NoError(t, w.close())
	w.send(Outbound{Type: TypeResponse, Message: "deux"})
	require.Len(t, conn.frames(), 1)
}
