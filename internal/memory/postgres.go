package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turns and facts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			turn_no BIGINT NOT NULL,
			user_input TEXT NOT NULL,
			assistant_response TEXT NOT NULL,
			intent_type TEXT NOT NULL DEFAULT '',
			duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ,
			UNIQUE (session_id, turn_no)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_turn_no ON conversation_turns (session_id, turn_no DESC);`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'context',
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			conversation_id TEXT NOT NULL DEFAULT '',
			embedding_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_user_hash_live ON facts (user_id, content_hash) WHERE deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_facts_content_fts ON facts USING GIN (to_tsvector('english', content));`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertTurn(ctx context.Context, turn ConversationTurn) (ConversationTurn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ConversationTurn{}, fmt.Errorf("begin insert turn: %w", err)
	}
	defer tx.Rollback(ctx)

	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_no), 0) FROM conversation_turns WHERE session_id=$1`,
		turn.SessionID,
	).Scan(&last); err != nil {
		return ConversationTurn{}, fmt.Errorf("read last turn_no: %w", err)
	}
	if turn.TurnNo <= last {
		return ConversationTurn{}, ErrTurnOrder
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_turns
		   (id, session_id, user_id, turn_no, user_input, assistant_response,
		    intent_type, duration_ms, prompt_tokens, completion_tokens, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		turn.ID, turn.SessionID, turn.UserID, turn.TurnNo,
		turn.UserInput, turn.AssistantResponse, turn.IntentType,
		turn.DurationMS, turn.PromptTokens, turn.CompletionTokens, turn.CreatedAt,
	)
	if err != nil {
		// A concurrent writer winning the (session_id, turn_no) race is
		// an ordering violation from this writer's point of view.
		if isUniqueViolation(err) {
			return ConversationTurn{}, ErrTurnOrder
		}
		return ConversationTurn{}, fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ConversationTurn{}, fmt.Errorf("commit insert turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) LastTurnNo(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_no), 0) FROM conversation_turns WHERE session_id=$1`,
		sessionID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last turn_no: %w", err)
	}
	return last, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, turn_no, user_input, assistant_response,
		        intent_type, duration_ms, prompt_tokens, completion_tokens, created_at, deleted_at
		 FROM conversation_turns
		 WHERE session_id=$1 AND deleted_at IS NULL
		 ORDER BY turn_no DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationTurn, 0, limit)
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &t.TurnNo, &t.UserInput,
			&t.AssistantResponse, &t.IntentType, &t.DurationMS, &t.PromptTokens,
			&t.CompletionTokens, &t.CreatedAt, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) InsertFact(ctx context.Context, fact Fact) (Fact, bool, error) {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.ContentHash == "" {
		fact.ContentHash = HashContent(fact.Content)
	}
	now := time.Now().UTC()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	fact.UpdatedAt = now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO facts
		   (id, user_id, content, content_hash, category, importance_score,
		    conversation_id, embedding_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (user_id, content_hash) WHERE deleted_at IS NULL DO NOTHING`,
		fact.ID, fact.UserID, fact.Content, fact.ContentHash, string(fact.Category),
		fact.ImportanceScore, fact.ConversationID, fact.EmbeddingID,
		fact.CreatedAt, fact.UpdatedAt,
	)
	if err != nil {
		return Fact{}, false, fmt.Errorf("insert fact: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return fact, true, nil
	}

	existing, err := s.factByHash(ctx, fact.UserID, fact.ContentHash)
	if err != nil {
		return Fact{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) factByHash(ctx context.Context, userID, contentHash string) (Fact, error) {
	row := s.pool.QueryRow(ctx,
		factSelect+` WHERE user_id=$1 AND content_hash=$2 AND deleted_at IS NULL`,
		userID, contentHash,
	)
	return scanFact(row)
}

const factSelect = `SELECT id, user_id, content, content_hash, category, importance_score,
        conversation_id, embedding_id, created_at, updated_at, deleted_at
 FROM facts`

func scanFact(row pgx.Row) (Fact, error) {
	var f Fact
	var category string
	err := row.Scan(&f.ID, &f.UserID, &f.Content, &f.ContentHash, &category,
		&f.ImportanceScore, &f.ConversationID, &f.EmbeddingID,
		&f.CreatedAt, &f.UpdatedAt, &f.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Fact{}, ErrFactNotFound
	}
	if err != nil {
		return Fact{}, fmt.Errorf("scan fact row: %w", err)
	}
	f.Category = FactCategory(category)
	return f, nil
}

func (s *PostgresStore) GetFact(ctx context.Context, factID string) (Fact, error) {
	row := s.pool.QueryRow(ctx,
		factSelect+` WHERE id=$1 AND deleted_at IS NULL`, factID)
	return scanFact(row)
}

func (s *PostgresStore) SetFactEmbedding(ctx context.Context, factID, embeddingID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE facts SET embedding_id=$2, updated_at=now() WHERE id=$1 AND deleted_at IS NULL`,
		factID, embeddingID,
	)
	if err != nil {
		return fmt.Errorf("set fact embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFactNotFound
	}
	return nil
}

func (s *PostgresStore) SearchFacts(ctx context.Context, userID, query string, limit int) ([]FactMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, content_hash, category, importance_score,
		        conversation_id, embedding_id, created_at, updated_at, deleted_at,
		        ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $2)) AS rank
		 FROM facts
		 WHERE user_id=$1 AND deleted_at IS NULL
		   AND to_tsvector('english', content) @@ websearch_to_tsquery('english', $2)
		 ORDER BY rank DESC, created_at DESC
		 LIMIT $3`,
		userID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	var matches []FactMatch
	for rows.Next() {
		var f Fact
		var category string
		var rank float64
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &f.ContentHash, &category,
			&f.ImportanceScore, &f.ConversationID, &f.EmbeddingID,
			&f.CreatedAt, &f.UpdatedAt, &f.DeletedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		f.Category = FactCategory(category)
		matches = append(matches, FactMatch{Fact: f, Relevance: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return matches, nil
}

func (s *PostgresStore) FactsWithoutEmbedding(ctx context.Context, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		factSelect+` WHERE embedding_id='' AND deleted_at IS NULL ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query degraded facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var category string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &f.ContentHash, &category,
			&f.ImportanceScore, &f.ConversationID, &f.EmbeddingID,
			&f.CreatedAt, &f.UpdatedAt, &f.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan degraded fact row: %w", err)
		}
		f.Category = FactCategory(category)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate degraded fact rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SoftDeleteFact(ctx context.Context, factID string) (Fact, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE facts SET deleted_at=now(), updated_at=now()
		 WHERE id=$1 AND deleted_at IS NULL
		 RETURNING id, user_id, content, content_hash, category, importance_score,
		           conversation_id, embedding_id, created_at, updated_at, deleted_at`,
		factID,
	)
	return scanFact(row)
}

func (s *PostgresStore) PurgeFact(ctx context.Context, factID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM facts WHERE id=$1`, factID)
	if err != nil {
		return fmt.Errorf("purge fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFactNotFound
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	err := s.pool.QueryRow(ctx,
		`SELECT
		   (SELECT count(*) FROM conversation_turns WHERE deleted_at IS NULL),
		   (SELECT count(*) FROM facts WHERE deleted_at IS NULL),
		   (SELECT count(*) FROM facts WHERE deleted_at IS NULL AND embedding_id='')`,
	).Scan(&stats.Turns, &stats.Facts, &stats.DegradedFacts)
	if err != nil {
		return StoreStats{}, fmt.Errorf("query store stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
