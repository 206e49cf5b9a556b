package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/campusfeed/internal/feed"
	"github.com/onnwee/campusfeed/internal/feedstore"
)

// Postgres implements the collaborator interfaces over the shared
// PostgreSQL schema. The feed subsystem only reads these tables, except
// for engagement counters and signals written by RecordSignal.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres collaborator backed by db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupsForRecipient returns the groups recipient belongs to.
func (p *Postgres) GroupsForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	ids, err := p.queryIDs(ctx,
		`SELECT group_id FROM group_memberships WHERE recipient_id = $1 ORDER BY group_id`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups for recipient: %w", feedstore.Classify(err))
	}
	return ids, nil
}

// MembersOfGroup returns the members of a group or ErrGroupNotFound.
func (p *Postgres) MembersOfGroup(ctx context.Context, groupID string) ([]string, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check group: %w", feedstore.Classify(err))
	}
	if !exists {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}
	ids, err := p.queryIDs(ctx,
		`SELECT recipient_id FROM group_memberships WHERE group_id = $1 ORDER BY recipient_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", feedstore.Classify(err))
	}
	return ids, nil
}

// Followers returns the recipients following author.
func (p *Postgres) Followers(ctx context.Context, authorID string) ([]string, error) {
	ids, err := p.queryIDs(ctx,
		`SELECT follower_id FROM follows WHERE followed_id = $1 ORDER BY follower_id`, authorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers: %w", feedstore.Classify(err))
	}
	return ids, nil
}

// Following returns the authors recipient follows.
func (p *Postgres) Following(ctx context.Context, recipientID string) ([]string, error) {
	ids, err := p.queryIDs(ctx,
		`SELECT followed_id FROM follows WHERE follower_id = $1 ORDER BY followed_id`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followed authors: %w", feedstore.Classify(err))
	}
	return ids, nil
}

const itemColumns = `id, author_id, group_id, visibility, title, body, created_at`

func scanItem(scan func(dest ...any) error) (feed.ContentItem, error) {
	var (
		item       feed.ContentItem
		groupID    sql.NullString
		visibility string
	)
	if err := scan(&item.ID, &item.AuthorID, &groupID, &visibility, &item.Title, &item.Body, &item.CreatedAt); err != nil {
		return item, err
	}
	if groupID.Valid {
		g := groupID.String
		item.GroupID = &g
	}
	item.Visibility = feed.Visibility(visibility)
	return item, nil
}

// GetItem returns an item or an error wrapping feed.ErrNotFound.
func (p *Postgres) GetItem(ctx context.Context, itemID string) (*feed.ContentItem, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE id = $1`, itemID)
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", itemID, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", feedstore.Classify(err))
	}
	return &item, nil
}

// ItemsSince returns items created at or after since matching q, newest first.
func (p *Postgres) ItemsSince(ctx context.Context, since time.Time, q ItemQuery) ([]feed.ContentItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM content_items
		WHERE created_at >= $1
		  AND (
		    author_id = ANY($2)
		    OR (group_id IS NULL AND author_id = ANY($3))
		    OR group_id = ANY($4)
		    OR ($5 AND visibility = 'public')
		    OR $6
		  )
		ORDER BY created_at DESC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, since,
		pq.Array(nonNil(q.AuthorIDs)), pq.Array(nonNil(q.PersonalOf)), pq.Array(nonNil(q.GroupIDs)), q.IncludePublic, q.All)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", feedstore.Classify(err))
	}
	defer rows.Close()

	var items []feed.ContentItem
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// Engagement returns the denormalized counters for an item.
func (p *Postgres) Engagement(ctx context.Context, itemID string) (feed.Engagement, error) {
	var e feed.Engagement
	err := p.db.QueryRowContext(ctx,
		`SELECT likes, comments, shares, views FROM engagement_counters WHERE item_id = $1`, itemID).
		Scan(&e.Likes, &e.Comments, &e.Shares, &e.Views)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Engagement{}, nil
	}
	if err != nil {
		return e, fmt.Errorf("failed to get engagement: %w", feedstore.Classify(err))
	}
	return e, nil
}

// RecordSignal appends a signal and increments the matching counter in one transaction.
func (p *Postgres) RecordSignal(ctx context.Context, s feed.Signal) error {
	column, ok := counterColumns[s.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown interaction kind %q", feed.ErrValidation, s.Kind)
	}
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", feedstore.Classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO engagement_signals (item_id, actor_id, kind, created_at) VALUES ($1, $2, $3, $4)`,
		s.ItemID, s.ActorID, string(s.Kind), at); err != nil {
		return fmt.Errorf("failed to insert signal: %w", feedstore.Classify(err))
	}

	// column comes from a fixed whitelist.
	upsert := `
		INSERT INTO engagement_counters (item_id, ` + column + `) VALUES ($1, 1)
		ON CONFLICT (item_id) DO UPDATE SET ` + column + ` = engagement_counters.` + column + ` + 1
	`
	if _, err := tx.ExecContext(ctx, upsert, s.ItemID); err != nil {
		return fmt.Errorf("failed to bump engagement counter: %w", feedstore.Classify(err))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE recipients SET last_active_at = GREATEST(last_active_at, $2) WHERE id = $1`,
		s.ActorID, at); err != nil {
		return fmt.Errorf("failed to touch recipient activity: %w", feedstore.Classify(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit signal: %w", feedstore.Classify(err))
	}
	return nil
}

var counterColumns = map[feed.Kind]string{
	feed.KindLike:    "likes",
	feed.KindComment: "comments",
	feed.KindShare:   "shares",
	feed.KindView:    "views",
}

// HasEngaged reports whether actor liked, commented on or shared item.
func (p *Postgres) HasEngaged(ctx context.Context, actorID, itemID string) (bool, error) {
	var engaged bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM engagement_signals
			WHERE actor_id = $1 AND item_id = $2 AND kind <> 'view'
		)`, actorID, itemID).Scan(&engaged)
	if err != nil {
		return false, fmt.Errorf("failed to check engagement: %w", feedstore.Classify(err))
	}
	return engaged, nil
}

// Exists reports whether a recipient is known.
func (p *Postgres) Exists(ctx context.Context, recipientID string) (bool, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM recipients WHERE id = $1)`, recipientID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check recipient: %w", feedstore.Classify(err))
	}
	return exists, nil
}

// ListRecipients pages through recipients ordered by ID.
func (p *Postgres) ListRecipients(ctx context.Context, q RecipientQuery) ([]Recipient, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id, last_active_at FROM recipients
		WHERE id > $1
		  AND ($2::timestamptz IS NULL OR last_active_at >= $2)
		  AND ($3::timestamptz IS NULL OR last_active_at < $3)
		ORDER BY id
		LIMIT $4
	`
	rows, err := p.db.QueryContext(ctx, query, q.AfterID, nullTime(q.ActiveSince), nullTime(q.InactiveBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", feedstore.Classify(err))
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
