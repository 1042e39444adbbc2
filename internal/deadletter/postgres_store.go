package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore keeps records in the dead_letters table created by
// migrations/postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	event, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	history, err := json.Marshal(rec.FailureHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal failure history: %w", err)
	}

	query := `
		INSERT INTO dead_letters (
			id, last_queue, dlq_name, message_id, event, receive_count,
			first_enqueued_at, failure_history, reason, dead_lettered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.LastQueue,
		rec.DLQName,
		rec.MessageID,
		event,
		rec.ReceiveCount,
		rec.FirstEnqueuedAt,
		history,
		rec.Reason,
		rec.DeadLetteredAt,
	); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

const selectColumns = `seq, id, last_queue, dlq_name, message_id, event, receive_count,
	first_enqueued_at, failure_history, reason, dead_lettered_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, int64, error) {
	var (
		rec     Record
		seq     int64
		event   []byte
		history []byte
	)
	if err := row.Scan(
		&seq,
		&rec.ID,
		&rec.LastQueue,
		&rec.DLQName,
		&rec.MessageID,
		&event,
		&rec.ReceiveCount,
		&rec.FirstEnqueuedAt,
		&history,
		&rec.Reason,
		&rec.DeadLetteredAt,
	); err != nil {
		return Record{}, 0, err
	}

	if err := json.Unmarshal(event, &rec.Event); err != nil {
		return Record{}, 0, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := json.Unmarshal(history, &rec.FailureHistory); err != nil {
		return Record{}, 0, fmt.Errorf("failed to unmarshal failure history: %w", err)
	}
	rec.FirstEnqueuedAt = rec.FirstEnqueuedAt.UTC()
	rec.DeadLetteredAt = rec.DeadLetteredAt.UTC()
	return rec, seq, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + selectColumns + ` FROM dead_letters WHERE id = $1`

	rec, _, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Record{}, recordNotFound(id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) List(ctx context.Context, queue string, afterSeq int64, limit int) ([]Record, int64, bool, error) {
	query := `SELECT ` + selectColumns + `
		FROM dead_letters
		WHERE seq > $1 AND ($2::text = '' OR last_queue = $2 OR dlq_name = $2)
		ORDER BY seq ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, afterSeq, queue, limit+1)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var (
		records []Record
		lastSeq int64
		more    bool
	)
	for rows.Next() {
		if len(records) == limit {
			more = true
			break
		}
		rec, seq, err := scanRecord(rows)
		if err != nil {
			return nil, 0, false, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		records = append(records, rec)
		lastSeq = seq
	}

	if err := rows.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, lastSeq, more, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE dead_lettered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
