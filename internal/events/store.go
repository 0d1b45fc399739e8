// Package events reads the product application's event and account tables.
// All tables here are owned by the main application; this service never
// writes to them.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"lunary-metrics/internal/database"
	"lunary-metrics/internal/identity"
)

// Queries with user-id IN lists are chunked to stay under SQLite's bound
// parameter limit.
const inChunkSize = 500

// EventFilter restricts which conversion events a query sees.
type EventFilter struct {
	IncludeTypes []string // when set, only these event types
	ExcludeTypes []string // always dropped
	PathPrefix   string   // when set, only events whose page_path starts with this
}

// IdentityPair is an event's raw attribution: either id may be empty.
type IdentityPair struct {
	UserID      string `db:"user_id"`
	AnonymousID string `db:"anonymous_id"`
}

// Signup is a row from the product's users table.
type Signup struct {
	ID        string `db:"id"`
	Email     string `db:"email"`
	CreatedAt int64  `db:"created_at"`
}

// SignupTime returns the signup instant in UTC.
func (s Signup) SignupTime() time.Time {
	return time.Unix(s.CreatedAt, 0).UTC()
}

// UserEvent is a signed-in event with its type and instant.
type UserEvent struct {
	UserID    string `db:"user_id"`
	EventType string `db:"event_type"`
	PlanType  string `db:"plan_type"`
	CreatedAt int64  `db:"created_at"`
}

// Time returns the event instant in UTC.
func (e UserEvent) Time() time.Time {
	return time.Unix(e.CreatedAt, 0).UTC()
}

// Store reads conversion events, signups and identity links.
type Store struct {
	db               *database.DB
	testEmailExact   string
	testEmailPattern string
}

// NewStore creates an event store. Test accounts matching the exact email or
// the LIKE pattern are excluded from every query.
func NewStore(db *database.DB, testEmailExact, testEmailPattern string) *Store {
	return &Store{
		db:               db,
		testEmailExact:   testEmailExact,
		testEmailPattern: testEmailPattern,
	}
}

// testEmailClause excludes events from test accounts. Events without an email
// are kept; exclusion only applies when an email is present.
func (s *Store) testEmailClause() (string, []any) {
	return "(user_email IS NULL OR (user_email NOT LIKE ? AND user_email != ?))",
		[]any{s.testEmailPattern, s.testEmailExact}
}

// QueryIdentityPairs returns the distinct raw attribution pairs of events in
// [start, end) that pass the filter.
func (s *Store) QueryIdentityPairs(ctx context.Context, start, end time.Time, filter EventFilter) ([]IdentityPair, error) {
	query := `
		SELECT DISTINCT COALESCE(user_id, '') AS user_id, COALESCE(anonymous_id, '') AS anonymous_id
		FROM conversion_events
		WHERE created_at >= ? AND created_at < ?`
	args := []any{start.Unix(), end.Unix()}

	emailClause, emailArgs := s.testEmailClause()
	query += " AND " + emailClause
	args = append(args, emailArgs...)

	if len(filter.IncludeTypes) > 0 {
		inQuery, inArgs, err := sqlx.In(" AND event_type IN (?)", filter.IncludeTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to build include filter: %w", err)
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	if len(filter.ExcludeTypes) > 0 {
		inQuery, inArgs, err := sqlx.In(" AND event_type NOT IN (?)", filter.ExcludeTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to build exclude filter: %w", err)
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	if filter.PathPrefix != "" {
		query += " AND page_path LIKE ?"
		args = append(args, filter.PathPrefix+"%")
	}

	var pairs []IdentityPair
	if err := s.db.Conn().SelectContext(ctx, &pairs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query identity pairs: %w", err)
	}
	return pairs, nil
}

// ListSignups returns the non-test users created in [start, end), ordered by
// creation time ascending.
func (s *Store) ListSignups(ctx context.Context, start, end time.Time) ([]Signup, error) {
	var signups []Signup
	err := s.db.Conn().SelectContext(ctx, &signups, `
		SELECT id, COALESCE(email, '') AS email, created_at
		FROM users
		WHERE created_at >= ? AND created_at < ?
		  AND (email IS NULL OR (email NOT LIKE ? AND email != ?))
		ORDER BY created_at ASC`,
		start.Unix(), end.Unix(), s.testEmailPattern, s.testEmailExact)
	if err != nil {
		return nil, fmt.Errorf("failed to list signups: %w", err)
	}
	return signups, nil
}

// ListUserEvents returns the events of the given types for the given users,
// ordered by event time ascending. userIDs is chunked to stay under the
// driver's parameter limit.
func (s *Store) ListUserEvents(ctx context.Context, userIDs, eventTypes []string) ([]UserEvent, error) {
	if len(userIDs) == 0 || len(eventTypes) == 0 {
		return nil, nil
	}

	var all []UserEvent
	for chunkStart := 0; chunkStart < len(userIDs); chunkStart += inChunkSize {
		chunkEnd := min(chunkStart+inChunkSize, len(userIDs))
		chunk := userIDs[chunkStart:chunkEnd]

		query, args, err := sqlx.In(`
			SELECT user_id, event_type, COALESCE(plan_type, '') AS plan_type, created_at
			FROM conversion_events
			WHERE user_id IN (?) AND event_type IN (?)
			ORDER BY created_at ASC`, chunk, eventTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to build user events query: %w", err)
		}

		var chunkEvents []UserEvent
		if err := s.db.Conn().SelectContext(ctx, &chunkEvents, query, args...); err != nil {
			return nil, fmt.Errorf("failed to list user events: %w", err)
		}
		all = append(all, chunkEvents...)
	}
	return all, nil
}

// CountActiveAmong counts how many of the given users have at least one
// event in [start, end).
func (s *Store) CountActiveAmong(ctx context.Context, start, end time.Time, userIDs []string) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	total := 0
	seen := make(map[string]struct{})
	for chunkStart := 0; chunkStart < len(userIDs); chunkStart += inChunkSize {
		chunkEnd := min(chunkStart+inChunkSize, len(userIDs))
		chunk := userIDs[chunkStart:chunkEnd]

		query, args, err := sqlx.In(`
			SELECT DISTINCT user_id
			FROM conversion_events
			WHERE created_at >= ? AND created_at < ? AND user_id IN (?)`,
			start.Unix(), end.Unix(), chunk)
		if err != nil {
			return 0, fmt.Errorf("failed to build active-among query: %w", err)
		}

		var active []string
		if err := s.db.Conn().SelectContext(ctx, &active, query, args...); err != nil {
			return 0, fmt.Errorf("failed to count active users: %w", err)
		}
		for _, id := range active {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				total++
			}
		}
	}
	return total, nil
}

// DistinctUsersWithEvent returns the distinct signed-in users that emitted
// any of the given event types in [start, end). Anonymous events store the
// anon: sentinel form in user_id, so those rows are filtered out here.
func (s *Store) DistinctUsersWithEvent(ctx context.Context, start, end time.Time, eventTypes []string) ([]string, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}

	emailClause, emailArgs := s.testEmailClause()
	query, args, err := sqlx.In(`
		SELECT DISTINCT user_id
		FROM conversion_events
		WHERE created_at >= ? AND created_at < ?
		  AND user_id IS NOT NULL AND user_id != ''
		  AND event_type IN (?)`,
		start.Unix(), end.Unix(), eventTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to build distinct-users query: %w", err)
	}
	query += " AND user_id NOT LIKE ? AND " + emailClause
	args = append(args, identity.AnonPrefix+"%")
	args = append(args, emailArgs...)

	var users []string
	if err := s.db.Conn().SelectContext(ctx, &users, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query distinct users: %w", err)
	}
	return users, nil
}

// FeatureUsage returns the distinct signed-in user count per event type over
// [start, end). Sentinel user_ids are excluded the same way as in
// DistinctUsersWithEvent.
func (s *Store) FeatureUsage(ctx context.Context, start, end time.Time, eventTypes []string) (map[string]int, error) {
	if len(eventTypes) == 0 {
		return map[string]int{}, nil
	}

	emailClause, emailArgs := s.testEmailClause()
	query, args, err := sqlx.In(`
		SELECT event_type, COUNT(DISTINCT user_id) AS users
		FROM conversion_events
		WHERE created_at >= ? AND created_at < ?
		  AND user_id IS NOT NULL AND user_id != ''
		  AND event_type IN (?)`,
		start.Unix(), end.Unix(), eventTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to build feature usage query: %w", err)
	}
	query += " AND user_id NOT LIKE ? AND " + emailClause + " GROUP BY event_type"
	args = append(args, identity.AnonPrefix+"%")
	args = append(args, emailArgs...)

	rows := []struct {
		EventType string `db:"event_type"`
		Users     int    `db:"users"`
	}{}
	if err := s.db.Conn().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query feature usage: %w", err)
	}

	usage := make(map[string]int, len(rows))
	for _, row := range rows {
		usage[row.EventType] = row.Users
	}
	return usage, nil
}

// HasIdentityLinkTable reports whether the identity_links table exists. The
// table is optional; its absence degrades anonymous-id resolution rather
// than failing it.
func (s *Store) HasIdentityLinkTable(ctx context.Context) (bool, error) {
	var count int
	err := s.db.Conn().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'identity_links'`)
	if err != nil {
		return false, fmt.Errorf("failed to probe identity_links table: %w", err)
	}
	return count > 0, nil
}

// LoadIdentityLinks loads the full anonymous-id to user-id link map. Callers
// must check HasIdentityLinkTable first.
func (s *Store) LoadIdentityLinks(ctx context.Context) (identity.LinkSet, error) {
	rows := []struct {
		AnonymousID string `db:"anonymous_id"`
		UserID      string `db:"user_id"`
	}{}
	err := s.db.Conn().SelectContext(ctx, &rows, `
		SELECT anonymous_id, user_id
		FROM identity_links
		WHERE anonymous_id IS NOT NULL AND user_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity links: %w", err)
	}

	links := make(identity.LinkSet, len(rows))
	for _, row := range rows {
		links[row.AnonymousID] = row.UserID
	}
	return links, nil
}
