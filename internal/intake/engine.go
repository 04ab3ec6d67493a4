// Package intake drives the conversational ticket-intake state machine:
// one inbound user message per turn, one oracle evaluation, and at most
// one ticket creation per confirmed classification.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opsdesk-io/opsdesk/internal/classify"
	"github.com/opsdesk-io/opsdesk/internal/session"
	"github.com/opsdesk-io/opsdesk/internal/tracker"
	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

// Oracle evaluates a transcript and decides whether enough information
// has been gathered.
type Oracle interface {
	Evaluate(ctx context.Context, transcript []protocol.ChatMessage, teamContext string) (*classify.Result, error)
}

// TicketSink files a confirmed classification as a tracker issue.
type TicketSink interface {
	CreateIssue(ctx context.Context, p tracker.IssueParams) (*tracker.Issue, error)
}

// Notifier is told about created tickets. Failures are logged, never
// surfaced to the user.
type Notifier interface {
	TicketCreated(ctx context.Context, issue *tracker.Issue, sess *session.Session) error
}

// Config holds the engine's operator-supplied knobs. TeamID and StateID
// locate the intake queue in the tracker; they are collaborator
// configuration, not business logic.
type Config struct {
	TeamID        string
	StateID       string
	OracleTimeout time.Duration
}

// Result is the outcome of one intake turn.
type Result struct {
	SessionID      string                   `json:"session_id"`
	Status         string                   `json:"status"`
	Message        string                   `json:"message"`
	Classification *classify.Classification `json:"classification,omitempty"`
	TicketID       string                   `json:"ticket_id,omitempty"`
}

// Engine orchestrates the session store, the oracle, and the ticket
// sink for one turn at a time. Turns for the same session are
// serialized: each one appends to the transcript the next one depends
// on.
type Engine struct {
	store    session.Store
	oracle   Oracle
	sink     TicketSink
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an intake engine. notifier may be nil.
func New(store session.Store, oracle Oracle, sink TicketSink, notifier Notifier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		oracle:   oracle,
		sink:     sink,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// HandleMessage processes one user turn. On oracle or sink failure
// nothing is persisted: the caller reports the failure and the user
// retries by resending, so transcript and stored state never diverge.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, message, userEmail string) (*Result, error) {
	lock := e.sessionLock(sessionID, userEmail)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.resolveSession(sessionID, userEmail)
	if err != nil {
		return nil, err
	}

	transcript := append(append([]protocol.ChatMessage{}, sess.Messages...),
		protocol.ChatMessage{Role: "user", Content: message})

	// Cancellation of a pending confirmation is handled deterministically,
	// without consulting the oracle.
	if sess.State == session.StateAwaitingConfirmation && isCancel(message) {
		return e.discardPending(sess, transcript)
	}

	octx := ctx
	if e.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		octx, cancel = context.WithTimeout(ctx, e.cfg.OracleTimeout)
		defer cancel()
	}
	verdict, err := e.oracle.Evaluate(octx, transcript, sess.Team)
	if err != nil {
		return nil, fmt.Errorf("intake: oracle: %w", err)
	}

	switch verdict.Status {
	case classify.StatusNeedMoreInfo:
		return e.askFollowUp(sess, transcript, verdict.Question)
	case classify.StatusReady:
		return e.proposeClassification(sess, transcript, verdict.Classification)
	case classify.StatusCreate:
		return e.createTicket(ctx, sess, transcript, verdict.Classification)
	default:
		return nil, fmt.Errorf("intake: unexpected oracle status %q", verdict.Status)
	}
}

// askFollowUp appends the oracle's question and keeps gathering.
func (e *Engine) askFollowUp(sess *session.Session, transcript []protocol.ChatMessage, question string) (*Result, error) {
	if question == "" {
		question = "I need more information. Could you provide more details?"
	}
	transcript = append(transcript, protocol.ChatMessage{Role: "assistant", Content: question})

	gathering := session.StateGathering
	if _, err := e.store.Update(sess.ID, session.Update{State: &gathering, Messages: transcript}); err != nil {
		return nil, fmt.Errorf("intake: persist turn: %w", err)
	}
	return &Result{SessionID: sess.ID, Status: classify.StatusNeedMoreInfo, Message: question}, nil
}

// proposeClassification stores the classification as pending and asks
// the user to confirm. A newer classification always replaces an older
// pending one wholesale.
func (e *Engine) proposeClassification(sess *session.Session, transcript []protocol.ChatMessage, cls *classify.Classification) (*Result, error) {
	if cls == nil {
		return nil, fmt.Errorf("intake: ready verdict without classification")
	}

	confirm := confirmationSummary(cls)
	transcript = append(transcript, protocol.ChatMessage{Role: "assistant", Content: confirm})

	awaiting := session.StateAwaitingConfirmation
	if _, err := e.store.Update(sess.ID, session.Update{
		State:      &awaiting,
		Messages:   transcript,
		Pending:    cls,
		SetPending: true,
	}); err != nil {
		return nil, fmt.Errorf("intake: persist turn: %w", err)
	}
	return &Result{SessionID: sess.ID, Status: classify.StatusReady, Message: confirm, Classification: cls}, nil
}

// createTicket runs the guarded create path. The precondition check on
// session state is what makes a duplicate approval harmless: once a
// ticket has been created the session is back in GATHERING with no
// pending classification, so a second "yes" cannot file a second copy.
func (e *Engine) createTicket(ctx context.Context, sess *session.Session, transcript []protocol.ChatMessage, fresh *classify.Classification) (*Result, error) {
	var cls *classify.Classification
	switch {
	case sess.State == session.StateAwaitingConfirmation:
		cls = sess.Pending
		if cls == nil {
			// Defensive: should not happen, the state transition that set
			// AWAITING_CONFIRMATION also stored the classification.
			cls = fresh
		}
		if cls == nil {
			return nil, fmt.Errorf("intake: session %s awaiting confirmation with no classification", sess.ID)
		}
	case fresh != nil:
		// The oracle skipped the confirmation round and returned a
		// classification with the create verdict directly.
		cls = fresh
	default:
		// Approval with nothing pending: the previous create already went
		// through. Do not file another ticket.
		const msg = "There's no ticket draft waiting for approval. Describe a new issue and I'll classify it."
		transcript = append(transcript, protocol.ChatMessage{Role: "assistant", Content: msg})
		if _, err := e.store.Update(sess.ID, session.Update{Messages: transcript}); err != nil {
			return nil, fmt.Errorf("intake: persist turn: %w", err)
		}
		return &Result{SessionID: sess.ID, Status: classify.StatusNeedMoreInfo, Message: msg}, nil
	}

	issue, err := e.sink.CreateIssue(ctx, BuildIssueParams(cls, sess, e.cfg))
	if err != nil {
		// Session untouched: still awaiting confirmation with the pending
		// classification intact, so the user can retry with another "yes".
		return nil, fmt.Errorf("intake: create ticket: %w", err)
	}

	e.logger.Info("ticket created",
		"session", sess.ID,
		"issue", issue.Identifier,
		"priority", issue.Priority,
	)

	msg := fmt.Sprintf("I've created ticket %s and notified the operations team. Thank you! You can report another issue if needed.", issue.Identifier)
	transcript = append(transcript, protocol.ChatMessage{Role: "assistant", Content: msg})

	gathering := session.StateGathering
	updated, err := e.store.Update(sess.ID, session.Update{
		State:       &gathering,
		Messages:    transcript,
		SetPending:  true, // clears the pending classification
		AddTicketID: issue.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("intake: persist turn: %w", err)
	}

	if e.notifier != nil {
		if err := e.notifier.TicketCreated(ctx, issue, updated); err != nil {
			e.logger.Warn("ticket notification failed", "issue", issue.Identifier, "error", err)
		}
	}

	return &Result{
		SessionID:      sess.ID,
		Status:         classify.StatusCreate,
		Message:        msg,
		Classification: cls,
		TicketID:       issue.ID,
	}, nil
}

// discardPending drops the proposed classification and returns to
// gathering.
func (e *Engine) discardPending(sess *session.Session, transcript []protocol.ChatMessage) (*Result, error) {
	const msg = "Okay, I've discarded that draft. Describe the issue again whenever you're ready."
	transcript = append(transcript, protocol.ChatMessage{Role: "assistant", Content: msg})

	gathering := session.StateGathering
	if _, err := e.store.Update(sess.ID, session.Update{
		State:      &gathering,
		Messages:   transcript,
		SetPending: true,
	}); err != nil {
		return nil, fmt.Errorf("intake: persist turn: %w", err)
	}
	return &Result{SessionID: sess.ID, Status: classify.StatusNeedMoreInfo, Message: msg}, nil
}

// resolveSession loads the session by ID, falls back to the user's most
// recent session, and creates one as a last resort.
func (e *Engine) resolveSession(sessionID, userEmail string) (*session.Session, error) {
	if sessionID != "" {
		sess, err := e.store.GetByID(sessionID)
		if err != nil {
			return nil, fmt.Errorf("intake: load session: %w", err)
		}
		if sess != nil {
			return sess, nil
		}
	}

	sess, err := e.store.GetLatestByEmail(userEmail)
	if err != nil {
		return nil, fmt.Errorf("intake: load session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}

	sess, err = e.store.Create(session.Params{UserEmail: userEmail})
	if err != nil {
		return nil, fmt.Errorf("intake: create session: %w", err)
	}
	return sess, nil
}

// sessionLock returns the mutex serializing turns for one conversation.
// Keyed by session ID when the caller has one, otherwise by email (the
// identity a new session would be created under).
func (e *Engine) sessionLock(sessionID, userEmail string) *sync.Mutex {
	key := sessionID
	if key == "" {
		key = "email:" + userEmail
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

func isCancel(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	m = strings.TrimRight(m, ".!")
	return m == "cancel" || m == "discard"
}

// confirmationSummary renders the classification for user approval.
func confirmationSummary(c *classify.Classification) string {
	systems := strings.Join(c.Systems, ", ")
	if systems == "" {
		systems = "None identified"
	}

	return fmt.Sprintf(`Here's what I'll create:

**%s**

- Type: %s
- Platform: %s
- System: %s
- Priority: %s

%s

Reply *yes* to create, or *cancel* to discard.`,
		c.Title, c.Type, strings.Join(c.Platforms, ", "), systems, c.Priority, c.Summary)
}
