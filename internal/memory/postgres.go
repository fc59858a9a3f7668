package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend persists conversation memory in PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresBackend{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_memory (
			session_id TEXT NOT NULL,
			turn_number INT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (session_id, turn_number)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_memory_session ON conversation_memory (session_id, turn_number DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

// AppendExchange assigns the next two turn numbers and writes both halves in
// one transaction, so a partial exchange is never observable.
func (b *PostgresBackend) AppendExchange(ctx context.Context, ex Exchange) (Turn, Turn, error) {
	ts := ex.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	meta, err := json.Marshal(cloneMetadata(ex.Metadata))
	if err != nil {
		return Turn{}, Turn{}, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Turn{}, Turn{}, fmt.Errorf("begin exchange tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var last int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_number), 0) FROM conversation_memory WHERE session_id=$1`,
		ex.SessionID,
	).Scan(&last)
	if err != nil {
		return Turn{}, Turn{}, fmt.Errorf("read last turn number: %w", err)
	}

	user := Turn{
		SessionID:  ex.SessionID,
		TurnNumber: last + 1,
		Speaker:    SpeakerUser,
		Text:       ex.UserText,
		Timestamp:  ts,
		Metadata:   cloneMetadata(ex.Metadata),
	}
	assistant := Turn{
		SessionID:  ex.SessionID,
		TurnNumber: last + 2,
		Speaker:    SpeakerAssistant,
		Text:       ex.AssistantText,
		Timestamp:  ts,
		Metadata:   cloneMetadata(ex.Metadata),
	}

	for _, t := range []Turn{user, assistant} {
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_memory (session_id, turn_number, speaker, text, ts, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			t.SessionID, t.TurnNumber, t.Speaker, t.Text, t.Timestamp, meta,
		)
		if err != nil {
			return Turn{}, Turn{}, fmt.Errorf("insert %s turn: %w", t.Speaker, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Turn{}, Turn{}, fmt.Errorf("commit exchange: %w", err)
	}
	return user, assistant, nil
}

func (b *PostgresBackend) Query(ctx context.Context, sessionID, filter string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + filter + "%"

	rows, err := b.pool.Query(ctx,
		`SELECT session_id, turn_number, speaker, text, ts, metadata
		 FROM conversation_memory
		 WHERE session_id=$1 AND (text ILIKE $2 OR speaker ILIKE $2)
		 ORDER BY turn_number DESC
		 LIMIT $3`,
		sessionID, like, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows, limit)
}

func (b *PostgresBackend) ExportBatch(ctx context.Context, cursor Cursor, limit int) ([]Turn, Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	afterSession := cursor["session_id"]
	afterTurn := 0
	if v, ok := cursor["turn_number"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid export cursor: %w", err)
		}
		afterTurn = n
	}

	rows, err := b.pool.Query(ctx,
		`SELECT session_id, turn_number, speaker, text, ts, metadata
		 FROM conversation_memory
		 WHERE (session_id, turn_number) > ($1, $2)
		 ORDER BY session_id, turn_number
		 LIMIT $3`,
		afterSession, afterTurn, limit,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("export batch: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(turns) < limit {
		return turns, nil, nil
	}
	last := turns[len(turns)-1]
	next := Cursor{
		"session_id":  last.SessionID,
		"turn_number": strconv.Itoa(last.TurnNumber),
	}
	return turns, next, nil
}

func (b *PostgresBackend) ImportBatch(ctx context.Context, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range turns {
		meta, err := json.Marshal(cloneMetadata(t.Metadata))
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_memory (session_id, turn_number, speaker, text, ts, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (session_id, turn_number) DO NOTHING`,
			t.SessionID, t.TurnNumber, t.Speaker, t.Text, t.Timestamp, meta,
		)
		if err != nil {
			return fmt.Errorf("import turn (%s, %d): %w", t.SessionID, t.TurnNumber, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := b.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversation_memory`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory: %w", err)
	}
	return n, nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func scanTurns(rows pgx.Rows, capacity int) ([]Turn, error) {
	turns := make([]Turn, 0, capacity)
	for rows.Next() {
		var t Turn
		var meta []byte
		if err := rows.Scan(&t.SessionID, &t.TurnNumber, &t.Speaker, &t.Text, &t.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}
