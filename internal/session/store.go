package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keepsake-ai/keepsake/internal/database"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertSessionSQL = `INSERT INTO sessions (id, app_name, user_id, state, last_update_time, event_data)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		app_name = EXCLUDED.app_name,
		user_id = EXCLUDED.user_id,
		state = EXCLUDED.state,
		last_update_time = EXCLUDED.last_update_time,
		event_data = EXCLUDED.event_data`

// insertEventSQL is idempotent: re-saving a session whose events are already
// persisted must not duplicate rows or touch existing ones (append-only).
const insertEventSQL = `INSERT INTO events (id, session_id, author,
		actions_state_delta, actions_artifact_delta, actions_requested_auth_configs,
		actions_transfer_to_agent, content_role, timestamp, invocation_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

const insertPartSQL = `INSERT INTO event_content_parts (event_id, session_id, part_type,
		text_content, function_call_id, function_call_name, function_call_args,
		function_response_id, function_response_name, function_response_data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (event_id) DO NOTHING`

const selectSessionSQL = `SELECT id, app_name, user_id, state, last_update_time, event_data
	FROM sessions WHERE id = $1`

// selectEventsSQL rebuilds the event log from the normalized tables in
// replay order: timestamp ascending, insertion order (seq) breaking ties.
// Used only for rows persisted without an event_data blob; the join yields
// at most one content part per event.
const selectEventsSQL = `SELECT e.id, e.session_id, e.author,
		e.actions_state_delta, e.actions_artifact_delta, e.actions_requested_auth_configs,
		e.actions_transfer_to_agent, e.content_role, e.timestamp, e.invocation_id,
		p.part_type, p.text_content,
		p.function_call_id, p.function_call_name, p.function_call_args,
		p.function_response_id, p.function_response_name, p.function_response_data
	FROM events e
	LEFT JOIN event_content_parts p ON p.event_id = e.id
	WHERE e.session_id = $1
	ORDER BY e.timestamp, e.seq`

const listSessionsSQL = `SELECT id, app_name, user_id, state, last_update_time
	FROM sessions
	WHERE app_name = $1 AND user_id = $2
	ORDER BY last_update_time DESC`

const deleteSessionSQL = `DELETE FROM sessions
	WHERE id = $1 AND app_name = $2 AND user_id = $3`

// Store manages session persistence with a PostgreSQL backend.
//
// Store is safe for concurrent use by multiple goroutines. Every operation
// re-fetches from the database; nothing is cached in-process.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a session Store on the shared connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// CreateSession creates (or idempotently re-creates) a session.
//
// sessionID is trimmed; when empty a fresh UUID is generated. The returned
// session is a copy: later mutations inside the store are never observable
// through it.
func (s *Store) CreateSession(ctx context.Context, appName, userID, sessionID string, initialState State) (*Session, error) {
	if err := validateScope(appName, userID); err != nil {
		return nil, err
	}

	resolved := strings.TrimSpace(sessionID)
	if resolved == "" {
		resolved = uuid.NewString()
	}

	sess := &Session{
		ID:             resolved,
		AppName:        appName,
		UserID:         userID,
		State:          initialState.Clone(),
		Events:         []*Event{},
		LastUpdateTime: time.Now(),
	}

	if err := s.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", resolved, err)
	}

	s.logger.Debug("created session", "session_id", resolved, "app_name", appName, "user_id", userID)
	return sess.Clone(), nil
}

// GetSession loads a session and its full event log.
//
// Returns ErrSessionNotFound when no row matches, or when the row belongs to
// a different app/user scope than requested.
func (s *Store) GetSession(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	if err := validateScope(appName, userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id must not be empty", ErrInvalidArgument)
	}

	sess, err := s.loadSession(ctx, s.pool, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.AppName != appName || sess.UserID != userID {
		s.logger.Warn("session belongs to different scope",
			"session_id", sessionID,
			"want_app", appName, "want_user", userID,
			"got_app", sess.AppName, "got_user", sess.UserID)
		return nil, fmt.Errorf("get session %s: %w", sessionID, ErrSessionNotFound)
	}

	return sess, nil
}

// ListSessions returns session summaries for the given scope, most recently
// updated first. Summaries carry no events; load a session individually to
// replay its log.
func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*Session, error) {
	if err := validateScope(appName, userID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, listSessionsSQL, appName, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for %s/%s: %w", appName, userID, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions for %s/%s: %w", appName, userID, err)
	}

	s.logger.Debug("listed sessions", "app_name", appName, "user_id", userID, "count", len(sessions))
	return sessions, nil
}

// AppendEvent appends an event to a session's log.
//
// The stored session is re-read, the event appended, last_update_time set
// from the event timestamp, and the whole aggregate re-saved through the
// same upsert used by CreateSession, so the session row and the event log
// always commit together. On success the caller's in-memory session is
// updated to match.
func (s *Store) AppendEvent(ctx context.Context, sess *Session, event *Event) error {
	if sess == nil {
		return fmt.Errorf("%w: session is nil", ErrInvalidArgument)
	}
	if err := validateScope(sess.AppName, sess.UserID); err != nil {
		return err
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("%w: session id must not be empty", ErrInvalidArgument)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.SessionID != "" && event.SessionID != sess.ID {
		return fmt.Errorf("%w: event references session %s, not %s",
			ErrInvalidArgument, event.SessionID, sess.ID)
	}

	stored, err := s.loadSession(ctx, s.pool, sess.ID)
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.ID, err)
	}

	appended := event.Clone()
	appended.SessionID = stored.ID
	stored.Events = append(stored.Events, appended)
	stored.LastUpdateTime = appended.Time()

	if err := s.saveSession(ctx, stored); err != nil {
		return fmt.Errorf("failed to append event %s to session %s: %w", event.ID, sess.ID, err)
	}

	// Mirror the append into the caller's aggregate.
	event.SessionID = sess.ID
	sess.Events = append(sess.Events, event)
	sess.LastUpdateTime = stored.LastUpdateTime

	s.logger.Debug("appended event", "session_id", sess.ID, "event_id", event.ID, "author", event.Author)
	return nil
}

// DeleteSession deletes a session; the database cascade removes its events,
// content parts, and memory entries. Deleting an absent session is not an
// error.
func (s *Store) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	if err := validateScope(appName, userID); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id must not be empty", ErrInvalidArgument)
	}

	tag, err := s.pool.Exec(ctx, deleteSessionSQL, sessionID, appName, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}

	s.logger.Debug("deleted session", "session_id", sessionID, "existed", tag.RowsAffected() > 0)
	return nil
}

// saveSession persists the whole aggregate in one transaction: an upsert of
// the session row (full overwrite of every mutable field, including the
// denormalized event_data blob) followed by idempotent inserts of any events
// not yet persisted, each paired with its content part. Any failure rolls
// back the entire write.
func (s *Store) saveSession(ctx context.Context, sess *Session) error {
	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	eventData, err := json.Marshal(map[string]any{"events": sess.Events})
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	return database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSessionSQL,
			sess.ID, sess.AppName, sess.UserID,
			stateJSON, sess.LastUpdateTime, eventData,
		); err != nil {
			return fmt.Errorf("failed to upsert session row: %w", err)
		}

		for _, ev := range sess.Events {
			if err := insertEvent(ctx, tx, sess.ID, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// insertEvent writes one event and its content part. Both inserts are
// ON CONFLICT DO NOTHING: an already-persisted event is left untouched.
func insertEvent(ctx context.Context, q querier, sessionID string, ev *Event) error {
	stateDelta, err := json.Marshal(orEmpty(ev.Actions.StateDelta))
	if err != nil {
		return fmt.Errorf("failed to marshal state delta of event %s: %w", ev.ID, err)
	}
	artifactDelta, err := json.Marshal(orEmpty(ev.Actions.ArtifactDelta))
	if err != nil {
		return fmt.Errorf("failed to marshal artifact delta of event %s: %w", ev.ID, err)
	}
	authConfigs, err := json.Marshal(orEmpty(ev.Actions.RequestedAuthConfigs))
	if err != nil {
		return fmt.Errorf("failed to marshal auth configs of event %s: %w", ev.ID, err)
	}

	var contentRole *string
	if ev.Content != nil && ev.Content.Role != "" {
		contentRole = &ev.Content.Role
	}

	tag, err := q.Exec(ctx, insertEventSQL,
		ev.ID, sessionID, ev.Author,
		stateDelta, artifactDelta, authConfigs,
		nullable(ev.Actions.TransferToAgent), contentRole,
		ev.Timestamp, nullable(ev.InvocationID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already persisted by an earlier save.
		return nil
	}

	return insertContentPart(ctx, q, sessionID, ev)
}

// insertContentPart persists the event's first content part. The schema
// keys event_content_parts by event_id alone, so one part per event is a
// hard limit; remaining parts survive only in the session's event_data blob.
func insertContentPart(ctx context.Context, q querier, sessionID string, ev *Event) error {
	if ev.Content == nil || len(ev.Content.Parts) == 0 {
		return nil
	}
	part := ev.Content.Parts[0]
	partType := part.Type()
	if partType == "" {
		return nil
	}

	var (
		textContent  *string
		fcID, fcName *string
		fcArgs       []byte
		frID, frName *string
		frData       []byte
		err          error
	)

	switch partType {
	case PartTypeText:
		textContent = &part.Text
	case PartTypeFunctionCall:
		fcID = nullable(part.FunctionCall.ID)
		fcName = &part.FunctionCall.Name
		if fcArgs, err = json.Marshal(orEmpty(part.FunctionCall.Args)); err != nil {
			return fmt.Errorf("failed to marshal function call args of event %s: %w", ev.ID, err)
		}
	case PartTypeFunctionResponse:
		frID = nullable(part.FunctionResponse.ID)
		frName = &part.FunctionResponse.Name
		if frData, err = json.Marshal(orEmpty(part.FunctionResponse.Response)); err != nil {
			return fmt.Errorf("failed to marshal function response of event %s: %w", ev.ID, err)
		}
	}

	if _, err := q.Exec(ctx, insertPartSQL,
		ev.ID, sessionID, partType,
		textContent, fcID, fcName, fcArgs, frID, frName, frData,
	); err != nil {
		return fmt.Errorf("failed to insert content part of event %s: %w", ev.ID, err)
	}
	return nil
}

// loadSession reads the session row and reconstructs the event log in
// replay order.
//
// The event_data blob is the source of truth for the log: it preserves
// every content part of every event, where the normalized
// event_content_parts table holds only the first. Rows persisted without a
// blob fall back to the normalized tables.
func (s *Store) loadSession(ctx context.Context, q querier, sessionID string) (*Session, error) {
	var (
		sess      Session
		stateJSON []byte
		eventData []byte
	)
	err := q.QueryRow(ctx, selectSessionSQL, sessionID).Scan(
		&sess.ID, &sess.AppName, &sess.UserID, &stateJSON, &sess.LastUpdateTime, &eventData)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if err := unmarshalState(stateJSON, &sess.State); err != nil {
		return nil, fmt.Errorf("state of session %s: %w", sessionID, err)
	}
	if sess.State == nil {
		sess.State = State{}
	}

	events, err := decodeEventData(eventData)
	if err != nil {
		return nil, fmt.Errorf("event data of session %s: %w", sessionID, err)
	}
	if events == nil {
		if events, err = s.queryEvents(ctx, q, sessionID); err != nil {
			return nil, err
		}
	}
	sess.Events = events

	return &sess, nil
}

// decodeEventData unpacks the denormalized event log and sorts it into
// replay order. The blob stores events in insertion order, so a stable sort
// on timestamp keeps insertion order as the tie-break. A missing events key
// returns nil to signal the normalized fallback.
func decodeEventData(data []byte) ([]*Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var blob struct {
		Events []*Event `json:"events"`
	}
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	if blob.Events == nil {
		return nil, nil
	}
	sort.SliceStable(blob.Events, func(i, j int) bool {
		return blob.Events[i].Timestamp < blob.Events[j].Timestamp
	})
	return blob.Events, nil
}

// queryEvents rebuilds the event log from the normalized tables.
func (s *Store) queryEvents(ctx context.Context, q querier, sessionID string) ([]*Event, error) {
	rows, err := q.Query(ctx, selectEventsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events of session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event of session %s: %w", sessionID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load events of session %s: %w", sessionID, err)
	}
	return events, nil
}

// scanSessionRow scans a session row without its event log.
func scanSessionRow(row pgx.Row) (*Session, error) {
	var (
		sess      Session
		stateJSON []byte
	)
	if err := row.Scan(&sess.ID, &sess.AppName, &sess.UserID, &stateJSON, &sess.LastUpdateTime); err != nil {
		return nil, err
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
		}
	}
	if sess.State == nil {
		sess.State = State{}
	}
	return &sess, nil
}

// scanEventRow scans one row of the events/content-parts join.
func scanEventRow(rows pgx.Rows) (*Event, error) {
	var (
		ev                           Event
		stateDelta, artifactDelta    []byte
		authConfigs                  []byte
		transferToAgent, contentRole *string
		invocationID                 *string
		partType, textContent        *string
		fcID, fcName                 *string
		fcArgs                       []byte
		frID, frName                 *string
		frData                       []byte
	)

	if err := rows.Scan(
		&ev.ID, &ev.SessionID, &ev.Author,
		&stateDelta, &artifactDelta, &authConfigs,
		&transferToAgent, &contentRole, &ev.Timestamp, &invocationID,
		&partType, &textContent,
		&fcID, &fcName, &fcArgs,
		&frID, &frName, &frData,
	); err != nil {
		return nil, err
	}

	if err := unmarshalState(stateDelta, &ev.Actions.StateDelta); err != nil {
		return nil, fmt.Errorf("state delta of event %s: %w", ev.ID, err)
	}
	if err := unmarshalState(artifactDelta, &ev.Actions.ArtifactDelta); err != nil {
		return nil, fmt.Errorf("artifact delta of event %s: %w", ev.ID, err)
	}
	if err := unmarshalState(authConfigs, &ev.Actions.RequestedAuthConfigs); err != nil {
		return nil, fmt.Errorf("auth configs of event %s: %w", ev.ID, err)
	}
	ev.Actions.TransferToAgent = deref(transferToAgent)
	ev.InvocationID = deref(invocationID)

	part, err := reconstructPart(partType, textContent, fcID, fcName, fcArgs, frID, frName, frData)
	if err != nil {
		return nil, fmt.Errorf("content part of event %s: %w", ev.ID, err)
	}
	if part != nil || contentRole != nil {
		ev.Content = &Content{Role: deref(contentRole)}
		if part != nil {
			ev.Content.Parts = []*Part{part}
		}
	}

	return &ev, nil
}

// reconstructPart rebuilds the discriminated part from its row columns.
func reconstructPart(partType, textContent, fcID, fcName *string, fcArgs []byte, frID, frName *string, frData []byte) (*Part, error) {
	if partType == nil {
		return nil, nil
	}
	switch *partType {
	case PartTypeText:
		return NewTextPart(deref(textContent)), nil
	case PartTypeFunctionCall:
		var args State
		if err := unmarshalState(fcArgs, &args); err != nil {
			return nil, err
		}
		return NewFunctionCallPart(deref(fcID), deref(fcName), args), nil
	case PartTypeFunctionResponse:
		var data State
		if err := unmarshalState(frData, &data); err != nil {
			return nil, err
		}
		return NewFunctionResponsePart(deref(frID), deref(frName), data), nil
	default:
		return nil, fmt.Errorf("%w: unknown part type %q", ErrInvalidPart, *partType)
	}
}

func validateScope(appName, userID string) error {
	if strings.TrimSpace(appName) == "" {
		return fmt.Errorf("%w: app_name must not be empty", ErrInvalidArgument)
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user_id must not be empty", ErrInvalidArgument)
	}
	return nil
}

func unmarshalState(data []byte, dst *State) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

// orEmpty substitutes an empty document for nil so JSONB columns always hold
// an object, matching the schema defaults.
func orEmpty(s State) State {
	if s == nil {
		return State{}
	}
	return s
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
