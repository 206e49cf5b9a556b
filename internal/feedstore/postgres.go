package feedstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/tracing"
)

// insertEntriesSQL writes a whole batch in one statement. Each parameter is
// one column of the batch.
const insertEntriesSQL = `
	INSERT INTO feed_entries
		(recipient_id, item_id, author_id, score, item_created_at, created_at, viewed, interacted)
	SELECT recipient_id, item_id, author_id, score, item_created_at, COALESCE(created_at, NOW()), viewed, interacted
	FROM unnest($1::text[], $2::text[], $3::text[], $4::float8[], $5::timestamptz[], $6::timestamptz[], $7::bool[], $8::bool[])
		AS batch(recipient_id, item_id, author_id, score, item_created_at, created_at, viewed, interacted)
	ON CONFLICT (recipient_id, item_id) DO NOTHING
`

const entryColumns = `recipient_id, item_id, author_id, score, item_created_at, created_at, viewed, interacted`

const (
	entriesTable = "feed_entries"
	markersTable = "popular_markers"
)

// PostgresStore implements feed.Store over the feed_entries and
// popular_markers tables.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// insertTx writes entries with a single statement inside tx.
func insertTx(ctx context.Context, tx *sql.Tx, entries []feed.Entry) (int, error) {
	n := len(entries)
	var (
		recipients  = make([]string, n)
		items       = make([]string, n)
		authors     = make([]string, n)
		scores      = make([]float64, n)
		itemCreated = make([]time.Time, n)
		created     = make([]sql.NullTime, n)
		viewed      = make([]bool, n)
		interacted  = make([]bool, n)
	)
	for i, e := range entries {
		recipients[i] = e.RecipientID
		items[i] = e.ItemID
		authors[i] = e.AuthorID
		scores[i] = e.Score
		itemCreated[i] = e.ItemCreatedAt
		created[i] = nullableTime(e.CreatedAt)
		viewed[i] = e.Viewed
		interacted[i] = e.Interacted
	}

	res, err := tx.ExecContext(ctx, insertEntriesSQL,
		pq.Array(recipients), pq.Array(items), pq.Array(authors), pq.Array(scores),
		pq.Array(itemCreated), pq.Array(created), pq.Array(viewed), pq.Array(interacted))
	if err != nil {
		return 0, fmt.Errorf("failed to insert %d entries: %w", n, Classify(err))
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(inserted), nil
}

// InsertEntries writes entries in one transaction with ON CONFLICT DO NOTHING.
func (s *PostgresStore) InsertEntries(ctx context.Context, entries []feed.Entry) (inserted int, err error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", Classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	inserted, err = insertTx(ctx, tx, entries)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit entries: %w", Classify(err))
	}

	s.logger.DebugContext(ctx, "feed entries inserted",
		slog.Int("requested", len(entries)),
		slog.Int("inserted", inserted))
	return inserted, nil
}

// ReplaceEntries deletes and rewrites a recipient's entries atomically.
func (s *PostgresStore) ReplaceEntries(ctx context.Context, recipientID string, entries []feed.Entry) (inserted int, err error) {
	for _, e := range entries {
		if e.RecipientID != recipientID {
			return 0, fmt.Errorf("%w: entry for %s in rebuild of %s", feed.ErrValidation, e.RecipientID, recipientID)
		}
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", Classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM feed_entries WHERE recipient_id = $1`, recipientID); err != nil {
		return 0, fmt.Errorf("failed to clear feed: %w", Classify(err))
	}
	if len(entries) > 0 {
		inserted, err = insertTx(ctx, tx, entries)
		if err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rebuild: %w", Classify(err))
	}
	return inserted, nil
}

func scanEntry(scan func(dest ...any) error) (feed.Entry, error) {
	var e feed.Entry
	err := scan(&e.RecipientID, &e.ItemID, &e.AuthorID, &e.Score,
		&e.ItemCreatedAt, &e.CreatedAt, &e.Viewed, &e.Interacted)
	return e, err
}

// GetEntry returns the entry for a pair.
func (s *PostgresStore) GetEntry(ctx context.Context, recipientID, itemID string) (_ *feed.Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationQuery)
	defer func() {
		// A missing entry is an answer, not a failed query.
		if errors.Is(err, feed.ErrNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM feed_entries WHERE recipient_id = $1 AND item_id = $2`,
		recipientID, itemID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s/%s: %w", recipientID, itemID, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", Classify(err))
	}
	return &e, nil
}

// ListEntries returns entries of items created at or after since.
func (s *PostgresStore) ListEntries(ctx context.Context, recipientID string, since time.Time) (_ []feed.Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM feed_entries
		WHERE recipient_id = $1 AND item_created_at >= $2
		ORDER BY score DESC, item_created_at DESC, item_id ASC
	`, recipientID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", Classify(err))
	}
	defer rows.Close()

	var out []feed.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", Classify(err))
	}
	return out, nil
}

var flagColumns = map[feed.Flag]string{
	feed.FlagViewed:     "viewed",
	feed.FlagInteracted: "interacted",
}

// SetFlag sets flag to true on an existing entry.
func (s *PostgresStore) SetFlag(ctx context.Context, recipientID, itemID string, flag feed.Flag) (_ bool, err error) {
	column, ok := flagColumns[flag]
	if !ok {
		return false, fmt.Errorf("%w: unknown flag %d", feed.ErrValidation, flag)
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()
	// column comes from a fixed whitelist.
	res, err := s.db.ExecContext(ctx,
		`UPDATE feed_entries SET `+column+` = TRUE WHERE recipient_id = $1 AND item_id = $2`,
		recipientID, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", column, Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// EntryCounts returns entry counts for the given recipients.
func (s *PostgresStore) EntryCounts(ctx context.Context, recipientIDs []string) (_ map[string]int64, err error) {
	counts := make(map[string]int64, len(recipientIDs))
	if len(recipientIDs) == 0 {
		return counts, nil
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient_id, COUNT(*)
		FROM feed_entries
		WHERE recipient_id = ANY($1)
		GROUP BY recipient_id
	`, pq.Array(recipientIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", Classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan entry count: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entry counts: %w", Classify(err))
	}
	return counts, nil
}

// scopeArg returns NULL for an unscoped query.
func scopeArg(recipientIDs []string) any {
	if recipientIDs == nil {
		return nil
	}
	return pq.Array(recipientIDs)
}

// CountEntriesBefore counts entries created before cutoff.
func (s *PostgresStore) CountEntriesBefore(ctx context.Context, cutoff time.Time, recipientIDs []string) (n int64, err error) {
	if recipientIDs != nil && len(recipientIDs) == 0 {
		return 0, nil
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM feed_entries
		WHERE created_at < $1 AND ($2::text[] IS NULL OR recipient_id = ANY($2::text[]))
	`, cutoff, scopeArg(recipientIDs)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired entries: %w", Classify(err))
	}
	return n, nil
}

// DeleteEntriesBefore deletes one chunk of at most limit expired entries.
// Each call is a single statement, so the lock window is bounded by limit.
func (s *PostgresStore) DeleteEntriesBefore(ctx context.Context, cutoff time.Time, recipientIDs []string, limit int) (_ int64, err error) {
	if recipientIDs != nil && len(recipientIDs) == 0 {
		return 0, nil
	}
	if limit <= 0 {
		return 0, fmt.Errorf("%w: delete limit must be positive", feed.ErrValidation)
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, entriesTable, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM feed_entries
		WHERE ctid IN (
			SELECT ctid FROM feed_entries
			WHERE created_at < $1 AND ($2::text[] IS NULL OR recipient_id = ANY($2::text[]))
			LIMIT $3
		)
	`, cutoff, scopeArg(recipientIDs), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// CreateMarker records a popular producer marker.
func (s *PostgresStore) CreateMarker(ctx context.Context, m feed.PopularMarker) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, markersTable, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO popular_markers (id, author_id, item_id, recipient_count, item_created_at, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		ON CONFLICT (author_id, item_id) DO NOTHING
	`, m.ID, m.AuthorID, m.ItemID, m.RecipientCount, m.ItemCreatedAt, nullableTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create popular marker: %w", Classify(err))
	}
	return nil
}

// ListMarkers returns markers whose item was created at or after since.
func (s *PostgresStore) ListMarkers(ctx context.Context, since time.Time) (_ []feed.PopularMarker, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, markersTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, item_id, recipient_count, item_created_at, created_at
		FROM popular_markers
		WHERE item_created_at >= $1
		ORDER BY item_created_at DESC, item_id ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list popular markers: %w", Classify(err))
	}
	defer rows.Close()

	var out []feed.PopularMarker
	for rows.Next() {
		var m feed.PopularMarker
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.ItemID, &m.RecipientCount, &m.ItemCreatedAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan popular marker: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate popular markers: %w", Classify(err))
	}
	return out, nil
}

var _ feed.Store = (*PostgresStore)(nil)
