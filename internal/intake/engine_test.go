package intake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/opsdesk-io/opsdesk/internal/classify"
	"github.com/opsdesk-io/opsdesk/internal/session"
	"github.com/opsdesk-io/opsdesk/internal/tracker"
	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

// memStore is an in-memory session.Store with the same partial-update
// semantics as the SQLite implementation.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	seq      int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*session.Session)}
}

func (m *memStore) GetByID(id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (m *memStore) GetLatestByEmail(email string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *session.Session
	for _, s := range m.sessions {
		if s.UserEmail != email {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copySession(latest), nil
}

func (m *memStore) Create(p session.Params) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s := &session.Session{
		ID:        fmt.Sprintf("sess-%d", m.seq),
		UserEmail: p.UserEmail,
		UserName:  p.UserName,
		Team:      p.Team,
		TeamID:    p.TeamID,
		State:     session.StateGathering,
		Messages:  []protocol.ChatMessage{},
		TicketIDs: []string{},
	}
	m.sessions[s.ID] = s
	return copySession(s), nil
}

func (m *memStore) Update(id string, u session.Update) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	if u.State != nil {
		s.State = *u.State
	}
	if u.Messages != nil {
		s.Messages = append([]protocol.ChatMessage{}, u.Messages...)
	}
	if u.SetPending {
		s.Pending = u.Pending
	}
	if u.AddTicketID != "" {
		s.TicketIDs = append(s.TicketIDs, u.AddTicketID)
	}
	return copySession(s), nil
}

func (m *memStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func copySession(s *session.Session) *session.Session {
	out := *s
	out.Messages = append([]protocol.ChatMessage{}, s.Messages...)
	out.TicketIDs = append([]string{}, s.TicketIDs...)
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	return &out
}

// scriptedOracle pops one verdict (or error) per Evaluate call and
// records the transcripts it was shown.
type scriptedOracle struct {
	mu          sync.Mutex
	script      []any // *classify.Result or error
	transcripts [][]protocol.ChatMessage
}

func (o *scriptedOracle) push(v any) { o.script = append(o.script, v) }

func (o *scriptedOracle) Evaluate(_ context.Context, transcript []protocol.ChatMessage, _ string) (*classify.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcripts = append(o.transcripts, append([]protocol.ChatMessage{}, transcript...))
	if len(o.script) == 0 {
		return nil, fmt.Errorf("oracle script exhausted")
	}
	next := o.script[0]
	o.script = o.script[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*classify.Result), nil
}

func (o *scriptedOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.transcripts)
}

// countingSink records CreateIssue calls and can be told to fail.
type countingSink struct {
	mu     sync.Mutex
	params []tracker.IssueParams
	fail   bool
}

func (s *countingSink) CreateIssue(_ context.Context, p tracker.IssueParams) (*tracker.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("tracker unavailable")
	}
	s.params = append(s.params, p)
	return &tracker.Issue{
		ID:         fmt.Sprintf("iss-%d", len(s.params)),
		Identifier: fmt.Sprintf("OPS-%d", len(s.params)),
		Title:      p.Title,
		Priority:   p.Priority,
	}, nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params)
}

func urgentClassification() *classify.Classification {
	return &classify.Classification{
		Title:     "HubSpot sync broken",
		Type:      classify.TypeBug,
		Platforms: []string{"source-of-truth"},
		Systems:   []string{"hubspot"},
		Areas:     []string{"data-sync", "reporting"},
		Priority:  classify.PriorityUrgent,
		Scope:     "team",
		Frequency: "constant",
		RiskFlags: []string{"blocking pipeline reports"},
		Summary:   "The HubSpot sync is failing for the Sales team, blocking pipeline reports.",
	}
}

func newTestEngine(store session.Store, oracle Oracle, sink TicketSink) *Engine {
	return New(store, oracle, sink, nil, Config{TeamID: "team-1", StateID: "state-1"}, nil)
}

func TestNeedMoreInfo_StaysGathering(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusNeedMoreInfo, Question: "Which system?"})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	res, err := e.HandleMessage(context.Background(), "", "something is off", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != classify.StatusNeedMoreInfo || res.Message != "Which system?" {
		t.Errorf("res = %+v", res)
	}

	sess, _ := store.GetByID(res.SessionID)
	if sess.State != session.StateGathering {
		t.Errorf("state = %q", sess.State)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(sess.Messages))
	}
	if sess.Messages[0].Role != "user" || sess.Messages[1].Role != "assistant" {
		t.Errorf("transcript roles = %+v", sess.Messages)
	}
}

// Scenario: first message yields a classification; session moves to
// awaiting confirmation with the proposal on record.
func TestReady_TransitionsToAwaitingConfirmation(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: urgentClassification()})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	res, err := e.HandleMessage(context.Background(), "", "The HubSpot sync is broken for the Sales team, blocking our pipeline reports.", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != classify.StatusReady {
		t.Errorf("status = %q", res.Status)
	}
	if !strings.Contains(res.Message, "HubSpot sync broken") || !strings.Contains(res.Message, "Reply *yes* to create") {
		t.Errorf("confirmation message = %q", res.Message)
	}

	sess, _ := store.GetByID(res.SessionID)
	if sess.State != session.StateAwaitingConfirmation {
		t.Errorf("state = %q", sess.State)
	}
	if sess.Pending == nil || sess.Pending.Priority != classify.PriorityUrgent {
		t.Errorf("pending = %+v", sess.Pending)
	}
	if sink.count() != 0 {
		t.Errorf("sink called %d times before confirmation", sink.count())
	}
}

// Scenario: approval creates exactly one ticket with the mapped priority
// ordinal and resets the session for the next issue.
func TestCreate_FromConfirmation(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: urgentClassification()})
	oracle.push(&classify.Result{Status: classify.StatusCreate})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	first, _ := e.HandleMessage(context.Background(), "", "The HubSpot sync is broken", "ada@example.com")
	res, err := e.HandleMessage(context.Background(), first.SessionID, "yes", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != classify.StatusCreate {
		t.Errorf("status = %q", res.Status)
	}
	if res.TicketID == "" {
		t.Error("missing ticket ID in result")
	}
	if sink.count() != 1 {
		t.Fatalf("sink called %d times, want 1", sink.count())
	}

	p := sink.params[0]
	if p.Priority != 1 {
		t.Errorf("priority ordinal = %d, want 1 (urgent)", p.Priority)
	}
	if p.TeamID != "team-1" || p.StateID != "state-1" {
		t.Errorf("queue routing = %+v", p)
	}
	if !strings.Contains(p.Description, "Reported by: ada@example.com") {
		t.Errorf("description = %q", p.Description)
	}

	sess, _ := store.GetByID(res.SessionID)
	if sess.State != session.StateGathering {
		t.Errorf("state = %q, want GATHERING after creation", sess.State)
	}
	if sess.Pending != nil {
		t.Errorf("pending = %+v, want cleared", sess.Pending)
	}
	if len(sess.TicketIDs) != 1 || sess.TicketIDs[0] != res.TicketID {
		t.Errorf("ticket_ids = %v", sess.TicketIDs)
	}
	if len(sess.Messages) != 4 {
		t.Errorf("transcript length = %d, want 4", len(sess.Messages))
	}
}

// Scenario: the same approval sent again must not file a second ticket.
func TestCreate_DuplicateApprovalIsHarmless(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: urgentClassification()})
	oracle.push(&classify.Result{Status: classify.StatusCreate})
	oracle.push(&classify.Result{Status: classify.StatusCreate}) // duplicate "yes"
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	first, _ := e.HandleMessage(context.Background(), "", "The HubSpot sync is broken", "ada@example.com")
	e.HandleMessage(context.Background(), first.SessionID, "yes", "ada@example.com")
	res, err := e.HandleMessage(context.Background(), first.SessionID, "yes", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sink.count() != 1 {
		t.Fatalf("sink called %d times across duplicate approvals, want 1", sink.count())
	}
	if res.Status != classify.StatusNeedMoreInfo {
		t.Errorf("status = %q", res.Status)
	}
	sess, _ := store.GetByID(first.SessionID)
	if len(sess.TicketIDs) != 1 {
		t.Errorf("ticket_ids = %v", sess.TicketIDs)
	}
}

func TestCreate_DirectFromGathering(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusCreate, Classification: urgentClassification()})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	res, err := e.HandleMessage(context.Background(), "", "urgent: sync down, just file it", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != classify.StatusCreate || sink.count() != 1 {
		t.Errorf("status = %q, sink calls = %d", res.Status, sink.count())
	}
}

// Scenario: oracle transport failure leaves no trace; the retried
// message appends exactly one turn pair.
func TestOracleFailure_NothingPersisted(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(fmt.Errorf("network timeout"))
	oracle.push(&classify.Result{Status: classify.StatusNeedMoreInfo, Question: "Which team?"})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	seed, _ := store.Create(session.Params{UserEmail: "ada@example.com"})

	_, err := e.HandleMessage(context.Background(), seed.ID, "something broke", "ada@example.com")
	if err == nil {
		t.Fatal("expected oracle failure to surface")
	}
	sess, _ := store.GetByID(seed.ID)
	if len(sess.Messages) != 0 {
		t.Fatalf("transcript mutated on failed turn: %+v", sess.Messages)
	}

	// Retry the identical message.
	if _, err := e.HandleMessage(context.Background(), seed.ID, "something broke", "ada@example.com"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	sess, _ = store.GetByID(seed.ID)
	if len(sess.Messages) != 2 {
		t.Fatalf("transcript length = %d after retry, want 2", len(sess.Messages))
	}
}

func TestSinkFailure_ConfirmationRetryable(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: urgentClassification()})
	oracle.push(&classify.Result{Status: classify.StatusCreate})
	oracle.push(&classify.Result{Status: classify.StatusCreate})
	sink := &countingSink{fail: true}
	e := newTestEngine(store, oracle, sink)

	first, _ := e.HandleMessage(context.Background(), "", "The HubSpot sync is broken", "ada@example.com")

	_, err := e.HandleMessage(context.Background(), first.SessionID, "yes", "ada@example.com")
	if err == nil {
		t.Fatal("expected sink failure to surface")
	}

	// No state loss: still awaiting with the classification intact.
	sess, _ := store.GetByID(first.SessionID)
	if sess.State != session.StateAwaitingConfirmation {
		t.Errorf("state = %q", sess.State)
	}
	if sess.Pending == nil {
		t.Fatal("pending classification lost on sink failure")
	}
	if len(sess.Messages) != 2 {
		t.Errorf("transcript length = %d, want 2 (failed turn not persisted)", len(sess.Messages))
	}

	// Retry confirmation without re-describing the issue.
	sink.fail = false
	res, err := e.HandleMessage(context.Background(), first.SessionID, "yes", "ada@example.com")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.TicketID == "" || sink.count() != 1 {
		t.Errorf("retry result = %+v, sink calls = %d", res, sink.count())
	}
}

func TestRevision_OverwritesPendingClassification(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: urgentClassification()})
	revised := urgentClassification()
	revised.Priority = classify.PriorityHigh
	revised.Title = "HubSpot sync delayed"
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: revised})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	first, _ := e.HandleMessage(context.Background(), "", "The HubSpot sync is broken", "ada@example.com")
	res, err := e.HandleMessage(context.Background(), first.SessionID, "actually it's delayed, not down — high not urgent", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != classify.StatusReady {
		t.Errorf("status = %q", res.Status)
	}

	sess, _ := store.GetByID(first.SessionID)
	if sess.State != session.StateAwaitingConfirmation {
		t.Errorf("state = %q", sess.State)
	}
	if sess.Pending == nil || sess.Pending.Title != "HubSpot sync delayed" || sess.Pending.Priority != classify.PriorityHigh {
		t.Errorf("pending = %+v, want revised classification", sess.Pending)
	}
	if sink.count() != 0 {
		t.Errorf("sink called %d times", sink.count())
	}
}

func TestCancel_Deterministic(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: urgentClassification()})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	first, _ := e.HandleMessage(context.Background(), "", "The HubSpot sync is broken", "ada@example.com")
	res, err := e.HandleMessage(context.Background(), first.SessionID, "Cancel.", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if oracle.calls() != 1 {
		t.Errorf("oracle consulted %d times; cancel should be handled deterministically", oracle.calls())
	}
	if res.Status != classify.StatusNeedMoreInfo {
		t.Errorf("status = %q", res.Status)
	}
	sess, _ := store.GetByID(first.SessionID)
	if sess.State != session.StateGathering || sess.Pending != nil {
		t.Errorf("session = state %q pending %+v", sess.State, sess.Pending)
	}
	if sink.count() != 0 {
		t.Errorf("sink called %d times", sink.count())
	}
}

func TestCancel_SoftPhrasingGoesToOracle(t *testing.T) {
	store := newMemStore()
	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusReady, Classification: urgentClassification()})
	oracle.push(&classify.Result{Status: classify.StatusNeedMoreInfo, Question: "Did you mean to discard the draft?"})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	first, _ := e.HandleMessage(context.Background(), "", "The HubSpot sync is broken", "ada@example.com")
	// "no" can answer a follow-up question just as well as reject the
	// draft; only the oracle can tell which, so it must be consulted.
	if _, err := e.HandleMessage(context.Background(), first.SessionID, "no", "ada@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if oracle.calls() != 2 {
		t.Errorf("oracle consulted %d times, want 2", oracle.calls())
	}
	if sink.count() != 0 {
		t.Errorf("sink called %d times", sink.count())
	}
}

func TestCreate_MissingClassificationIsInvariantViolation(t *testing.T) {
	store := newMemStore()
	seed, _ := store.Create(session.Params{UserEmail: "ada@example.com"})
	awaiting := session.StateAwaitingConfirmation
	store.Update(seed.ID, session.Update{State: &awaiting}) // awaiting with no pending draft

	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusCreate})
	sink := &countingSink{}
	e := newTestEngine(store, oracle, sink)

	_, err := e.HandleMessage(context.Background(), seed.ID, "yes", "ada@example.com")
	if err == nil {
		t.Fatal("expected invariant violation error")
	}
	if sink.count() != 0 {
		t.Errorf("sink called %d times", sink.count())
	}
}

func TestResolveSession_FallsBackToLatestByEmail(t *testing.T) {
	store := newMemStore()
	seed, _ := store.Create(session.Params{UserEmail: "ada@example.com"})

	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusNeedMoreInfo, Question: "q"})
	e := newTestEngine(store, oracle, &countingSink{})

	res, err := e.HandleMessage(context.Background(), "unknown-id", "hello", "ada@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID != seed.ID {
		t.Errorf("session = %q, want existing %q", res.SessionID, seed.ID)
	}
}

func TestConcurrentTurns_Serialized(t *testing.T) {
	store := newMemStore()
	seed, _ := store.Create(session.Params{UserEmail: "ada@example.com"})

	oracle := &scriptedOracle{}
	oracle.push(&classify.Result{Status: classify.StatusNeedMoreInfo, Question: "q1"})
	oracle.push(&classify.Result{Status: classify.StatusNeedMoreInfo, Question: "q2"})
	e := newTestEngine(store, oracle, &countingSink{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := e.HandleMessage(context.Background(), seed.ID, fmt.Sprintf("double submit %d", n), "ada@example.com"); err != nil {
				t.Errorf("turn %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	// Both turns must survive: without per-session serialization one
	// would be lost to a stale read-modify-write.
	sess, _ := store.GetByID(seed.ID)
	if len(sess.Messages) != 4 {
		t.Fatalf("transcript length = %d, want 4", len(sess.Messages))
	}
	for i, m := range sess.Messages {
		wantRole := "user"
		if i%2 == 1 {
			wantRole = "assistant"
		}
		if m.Role != wantRole {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRole)
		}
	}
}
