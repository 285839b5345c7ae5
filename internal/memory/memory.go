// Package memory indexes session event history into a searchable corpus and
// answers scoped retrieval queries against it.
//
// The baseline contract is case-insensitive keyword matching ranked by
// recency. When an Embedder is configured, entries additionally carry a
// pgvector embedding and queries rank by cosine distance instead.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/keepsake-ai/keepsake/internal/database"
	"github.com/keepsake-ai/keepsake/internal/session"
)

const (
	// VectorDimension is the embedding width of the memory_entries schema.
	VectorDimension = 768

	// DefaultSearchLimit bounds the number of entries a query returns.
	DefaultSearchLimit = 50

	// EmbedTimeout bounds a single embedding call so a slow embedding
	// backend cannot stall ingestion.
	EmbedTimeout = 15 * time.Second
)

// Embedder produces a vector embedding for a piece of text. Implementations
// live in the model-invocation layer outside this module; a nil Embedder
// keeps the service in keyword-only mode.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Entry is one search result: an event excerpt with its provenance.
type Entry struct {
	EventID   string
	Author    string
	Timestamp int64 // epoch milliseconds
	Content   string
}

const insertEntrySQL = `INSERT INTO memory_entries
		(event_id, app_name, user_id, author, timestamp, content, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (event_id) DO NOTHING`

const keywordSearchSQL = `SELECT event_id, author, timestamp, content
	FROM memory_entries
	WHERE app_name = $1 AND user_id = $2
	  AND content ILIKE '%' || $3 || '%' ESCAPE '\'
	ORDER BY timestamp DESC
	LIMIT $4`

const vectorSearchSQL = `SELECT event_id, author, timestamp, content
	FROM memory_entries
	WHERE app_name = $1 AND user_id = $2 AND embedding IS NOT NULL
	ORDER BY embedding <=> $3
	LIMIT $4`

// Service answers memory queries over indexed session history.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// NewService creates a memory Service. embedder may be nil, which disables
// semantic ranking and keeps keyword search.
func NewService(pool *pgxpool.Pool, embedder Embedder, logger *slog.Logger) (*Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, embedder: embedder, logger: logger}, nil
}

// AddSessionToMemory indexes every text-bearing event of the session.
//
// Ingestion is idempotent by event id: re-indexing an already-indexed
// session inserts nothing new and never produces duplicate search results.
// The whole session indexes in one transaction.
func (s *Service) AddSessionToMemory(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return fmt.Errorf("%w: session is nil", session.ErrInvalidArgument)
	}
	if strings.TrimSpace(sess.AppName) == "" || strings.TrimSpace(sess.UserID) == "" {
		return fmt.Errorf("%w: session scope must not be empty", session.ErrInvalidArgument)
	}

	indexed := 0
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, ev := range sess.Events {
			text := firstText(ev)
			if text == "" {
				continue
			}

			vec := s.embedOrNil(ctx, text, ev.ID)

			if _, err := tx.Exec(ctx, insertEntrySQL,
				ev.ID, sess.AppName, sess.UserID, ev.Author, ev.Timestamp, text, vec,
			); err != nil {
				return fmt.Errorf("failed to index event %s: %w", ev.ID, err)
			}
			indexed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add session %s to memory: %w", sess.ID, err)
	}

	s.logger.Debug("indexed session", "session_id", sess.ID, "events", indexed)
	return nil
}

// Search returns event excerpts matching the query within the app/user
// scope. An empty result is a nil slice, not an error.
func (s *Service) Search(ctx context.Context, appName, userID, query string) ([]Entry, error) {
	if strings.TrimSpace(appName) == "" || strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: app_name and user_id must not be empty", session.ErrInvalidArgument)
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if s.embedder != nil {
		entries, err := s.vectorSearch(ctx, appName, userID, query)
		if err == nil {
			return entries, nil
		}
		// Semantic ranking is best-effort; the keyword contract stands.
		s.logger.Warn("vector search failed, falling back to keyword", "error", err)
	}

	return s.keywordSearch(ctx, appName, userID, query)
}

func (s *Service) keywordSearch(ctx context.Context, appName, userID, query string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, keywordSearchSQL,
		appName, userID, escapeLike(query), DefaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory for %s/%s: %w", appName, userID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Service) vectorSearch(ctx context.Context, appName, userID, query string) ([]Entry, error) {
	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(embedCtx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vec) != VectorDimension {
		return nil, fmt.Errorf("query embedding has dimension %d, schema requires %d", len(vec), VectorDimension)
	}

	rows, err := s.pool.Query(ctx, vectorSearchSQL,
		appName, userID, pgvector.NewVector(vec), DefaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory for %s/%s: %w", appName, userID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// embedOrNil embeds text when an embedder is configured. Embedding failure
// degrades the entry to keyword-only rather than failing ingestion.
func (s *Service) embedOrNil(ctx context.Context, text, eventID string) any {
	if s.embedder == nil {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(embedCtx, text)
	if err != nil {
		s.logger.Warn("failed to embed event, indexing without vector",
			"event_id", eventID, "error", err)
		return nil
	}
	if len(vec) != VectorDimension {
		s.logger.Warn("embedding dimension mismatch, indexing without vector",
			"event_id", eventID, "got", len(vec), "want", VectorDimension)
		return nil
	}
	return pgvector.NewVector(vec)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.Author, &e.Timestamp, &e.Content); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read memory entries: %w", err)
	}
	return entries, nil
}

// firstText returns the text of the event's first text part, or "" when the
// event carries no text content.
func firstText(ev *session.Event) string {
	if ev == nil || ev.Content == nil {
		return ""
	}
	for _, p := range ev.Content.Parts {
		if p != nil && p.Type() == session.PartTypeText {
			return p.Text
		}
	}
	return ""
}

// escapeLike escapes LIKE/ILIKE metacharacters so user queries match
// literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
