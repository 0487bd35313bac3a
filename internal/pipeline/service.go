package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/policy"
	"github.com/antoniostano/recall/internal/session"
)

// Generator produces the assistant reply for one turn. The memory
// context block is advisory: a generator may ignore it, and the
// pipeline retries without it when generation fails.
type Generator interface {
	Generate(ctx context.Context, userInput, memoryContext string) (string, error)
}

// TurnRequest is one user utterance entering the pipeline.
type TurnRequest struct {
	SessionID  string
	UserID     string
	ClientType string
	Text       string
	IntentType string
}

// TurnResult is what one pipeline pass produced.
type TurnResult struct {
	SessionID     string
	TurnNo        int64
	Reply         string
	Tier          memory.Tier
	MemoryContext string
	FactID        string
	AlreadyKnown  bool
	Degraded      bool
}

// Service runs the full turn pipeline: resolve the session, retrieve
// memory, generate the reply, classify the exchange, persist it.
// Memory faults degrade the turn, they never fail it; the only error
// a caller sees besides bad input or a dead generator is a turn
// ordering violation.
type Service struct {
	sessions    *session.Manager
	store       memory.Store
	classifier  *memory.Classifier
	coordinator *memory.Coordinator
	engine      *memory.Engine
	generator   Generator
	metrics     *observability.Metrics

	maxResults      int
	contextMaxChars int
	generateTimeout time.Duration
}

func New(
	sessions *session.Manager,
	store memory.Store,
	classifier *memory.Classifier,
	coordinator *memory.Coordinator,
	engine *memory.Engine,
	generator Generator,
	maxResults, contextMaxChars int,
	generateTimeout time.Duration,
	metrics *observability.Metrics,
) *Service {
	if maxResults <= 0 {
		maxResults = 5
	}
	if contextMaxChars <= 0 {
		contextMaxChars = 500
	}
	if generateTimeout <= 0 {
		generateTimeout = 30 * time.Second
	}
	return &Service{
		sessions:        sessions,
		store:           store,
		classifier:      classifier,
		coordinator:     coordinator,
		engine:          engine,
		generator:       generator,
		metrics:         metrics,
		maxResults:      maxResults,
		contextMaxChars: contextMaxChars,
		generateTimeout: generateTimeout,
	}
}

// ProcessTurn drives one exchange end to end.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	turnStart := time.Now()
	if strings.TrimSpace(req.Text) == "" {
		return TurnResult{}, fmt.Errorf("empty turn text")
	}

	stageStart := time.Now()
	sess, err := s.sessions.Resolve(req.SessionID, req.UserID, req.ClientType)
	if err != nil {
		return TurnResult{}, err
	}
	// A resumed session may have turns persisted by a previous process;
	// the in-memory counter must never fall behind the store.
	if last, err := s.store.LastTurnNo(ctx, sess.ID); err == nil && last > 0 {
		_ = s.sessions.SeedTurnNo(sess.ID, last)
	}
	s.observeStage("resolve", stageStart)

	stageStart = time.Now()
	retrieval := s.engine.Retrieve(ctx, memory.RetrievalQuery{
		UserID:        sess.UserID,
		SessionID:     sess.ID,
		Query:         req.Text,
		Limit:         s.maxResults,
		IncludeRecent: true,
	})
	// Ranked facts plus the session's recent exchanges, packed into one
	// budget. Continuity lines come after knowledge, so they are the
	// first to be dropped when the budget runs out.
	memoryContext := memory.FormatContext(retrieval.Results(), s.contextMaxChars)
	s.observeStage("retrieve", stageStart)

	stageStart = time.Now()
	reply, err := s.generate(ctx, req.Text, memoryContext)
	if err != nil {
		return TurnResult{}, fmt.Errorf("generate reply: %w", err)
	}
	s.observeStage("generate", stageStart)

	stageStart = time.Now()
	cls := s.classifier.Classify(ctx, memory.TurnSample{
		UserInput:         req.Text,
		AssistantResponse: reply,
		IntentType:        req.IntentType,
	})
	s.observeStage("classify", stageStart)

	stageStart = time.Now()
	turnNo, err := s.sessions.NextTurnNo(sess.ID)
	if err != nil {
		return TurnResult{}, err
	}
	// High-risk PII is masked before anything touches the store; the
	// live reply keeps the user's words, long-term memory does not.
	storedInput, redacted := policy.RedactPII(req.Text)
	storedReply, _ := policy.RedactPII(reply)
	if redacted && s.metrics != nil {
		s.metrics.ObserveIndicator("pii_redacted")
	}
	outcome, err := s.coordinator.Persist(ctx, memory.ConversationTurn{
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		TurnNo:            turnNo,
		UserInput:         storedInput,
		AssistantResponse: storedReply,
		IntentType:        req.IntentType,
		DurationMS:        float64(time.Since(turnStart).Milliseconds()),
	}, cls)
	if err != nil {
		return TurnResult{}, err
	}
	s.observeStage("persist", stageStart)

	s.sessions.Touch(sess.ID)
	s.observeStage("turn_total", turnStart)

	result := TurnResult{
		SessionID:     sess.ID,
		TurnNo:        turnNo,
		Reply:         reply,
		Tier:          cls.Tier,
		MemoryContext: memoryContext,
		AlreadyKnown:  outcome.AlreadyKnown,
		Degraded:      outcome.EmbeddingDegraded,
	}
	if outcome.Fact != nil {
		result.FactID = outcome.Fact.ID
	}
	return result, nil
}

// generate runs the reply call with its own deadline. A failed call
// with memory context is retried bare: stale or oversized context must
// not take the whole turn down.
func (s *Service) generate(ctx context.Context, userInput, memoryContext string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.generateTimeout)
	defer cancel()

	reply, err := s.generator.Generate(genCtx, userInput, memoryContext)
	if err == nil {
		return reply, nil
	}
	if memoryContext == "" {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.ObserveIndicator("generate_retry_bare")
	}

	retryCtx, cancel := context.WithTimeout(ctx, s.generateTimeout)
	defer cancel()
	return s.generator.Generate(retryCtx, userInput, "")
}

// ContextPreview is the read-only retrieval surface: what the pipeline
// would feed the generator for a given query, without running a turn.
type ContextPreview struct {
	Facts         []memory.RetrievalResult
	RecentTurns   []memory.ConversationTurn
	MemoryContext string
}

func (s *Service) RetrieveContext(ctx context.Context, userID, sessionID, query string) ContextPreview {
	retrieval := s.engine.Retrieve(ctx, memory.RetrievalQuery{
		UserID:        userID,
		SessionID:     sessionID,
		Query:         query,
		Limit:         s.maxResults,
		IncludeRecent: true,
	})
	return ContextPreview{
		Facts:         retrieval.Facts,
		RecentTurns:   retrieval.RecentTurns,
		MemoryContext: memory.FormatContext(retrieval.Results(), s.contextMaxChars),
	}
}

// DeleteFact forwards a user-initiated forget request.
func (s *Service) DeleteFact(ctx context.Context, factID string) (memory.Fact, error) {
	return s.coordinator.DeleteFact(ctx, factID)
}

func (s *Service) observeStage(stage string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveStage(stage, time.Since(start))
	}
}
