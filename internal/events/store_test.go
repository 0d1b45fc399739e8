package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"lunary-metrics/internal/database"
)

const (
	testEmailExact   = "test@test.lunary.app"
	testEmailPattern = "%@test.lunary.app"
)

// fixtureSchema mirrors the product application's tables. The service never
// creates these in production, so tests build them explicitly.
const fixtureSchema = `
CREATE TABLE conversion_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT,
    anonymous_id TEXT,
    user_email TEXT,
    event_type TEXT NOT NULL,
    page_path TEXT,
    plan_type TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE users (
    id TEXT PRIMARY KEY,
    email TEXT,
    created_at INTEGER NOT NULL
);
`

const linkTableSchema = `
CREATE TABLE identity_links (
    anonymous_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL
);
`

func setupStore(t *testing.T) (*Store, *database.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Conn().Exec(fixtureSchema); err != nil {
		t.Fatalf("Failed to create fixture tables: %v", err)
	}
	return NewStore(db, testEmailExact, testEmailPattern), db
}

func insertEvent(t *testing.T, db *database.DB, userID, anonymousID, email, eventType, pagePath string, at time.Time) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO conversion_events (user_id, anonymous_id, user_email, event_type, page_path, created_at)
		VALUES (NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?)`,
		userID, anonymousID, email, eventType, pagePath, at.Unix())
	if err != nil {
		t.Fatalf("Failed to insert event: %v", err)
	}
}

var dayStart = time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)

func TestQueryIdentityPairs(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	insertEvent(t, db, "u1", "", "u1@example.com", "horoscope_viewed", "/today", dayStart.Add(time.Hour))
	insertEvent(t, db, "", "anon-1", "", "page_viewed", "/grimoire/moon", dayStart.Add(2*time.Hour))
	insertEvent(t, db, "u2", "", "", "app_opened", "", dayStart.Add(3*time.Hour))
	// Outside the range
	insertEvent(t, db, "u3", "", "", "horoscope_viewed", "", dayStart.Add(25*time.Hour))

	t.Run("no filter", func(t *testing.T) {
		pairs, err := store.QueryIdentityPairs(ctx, dayStart, dayStart.Add(24*time.Hour), EventFilter{})
		if err != nil {
			t.Fatalf("Failed to query pairs: %v", err)
		}
		if len(pairs) != 3 {
			t.Errorf("Got %d pairs, want 3", len(pairs))
		}
	})

	t.Run("include types", func(t *testing.T) {
		pairs, err := store.QueryIdentityPairs(ctx, dayStart, dayStart.Add(24*time.Hour),
			EventFilter{IncludeTypes: []string{"page_viewed"}})
		if err != nil {
			t.Fatalf("Failed to query pairs: %v", err)
		}
		if len(pairs) != 1 || pairs[0].AnonymousID != "anon-1" {
			t.Errorf("Got %+v, want single anon-1 pair", pairs)
		}
	})

	t.Run("exclude types", func(t *testing.T) {
		pairs, err := store.QueryIdentityPairs(ctx, dayStart, dayStart.Add(24*time.Hour),
			EventFilter{ExcludeTypes: []string{"app_opened", "page_viewed"}})
		if err != nil {
			t.Fatalf("Failed to query pairs: %v", err)
		}
		if len(pairs) != 1 || pairs[0].UserID != "u1" {
			t.Errorf("Got %+v, want single u1 pair", pairs)
		}
	})

	t.Run("path prefix", func(t *testing.T) {
		pairs, err := store.QueryIdentityPairs(ctx, dayStart, dayStart.Add(24*time.Hour),
			EventFilter{IncludeTypes: []string{"page_viewed"}, PathPrefix: "/grimoire"})
		if err != nil {
			t.Fatalf("Failed to query pairs: %v", err)
		}
		if len(pairs) != 1 {
			t.Errorf("Got %d pairs, want 1", len(pairs))
		}
	})

	t.Run("distinct pairs", func(t *testing.T) {
		insertEvent(t, db, "u1", "", "", "horoscope_viewed", "", dayStart.Add(4*time.Hour))
		pairs, err := store.QueryIdentityPairs(ctx, dayStart, dayStart.Add(24*time.Hour), EventFilter{})
		if err != nil {
			t.Fatalf("Failed to query pairs: %v", err)
		}
		// u1 appears with two distinct (user_id, email) rows but the pair
		// (u1, "") is deduplicated
		if len(pairs) != 3 {
			t.Errorf("Got %d pairs, want 3 distinct", len(pairs))
		}
	})
}

func TestTestEmailExclusion(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	insertEvent(t, db, "u1", "", "real@example.com", "app_opened", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "t1", "", "qa@test.lunary.app", "app_opened", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "t2", "", "test@test.lunary.app", "app_opened", "", dayStart.Add(time.Hour))

	pairs, err := store.QueryIdentityPairs(ctx, dayStart, dayStart.Add(24*time.Hour), EventFilter{})
	if err != nil {
		t.Fatalf("Failed to query pairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0].UserID != "u1" {
		t.Errorf("Got %+v, want only u1", pairs)
	}
}

func TestListSignups(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	insert := func(id, email string, at time.Time) {
		if _, err := db.Conn().Exec(`INSERT INTO users (id, email, created_at) VALUES (?, NULLIF(?, ''), ?)`,
			id, email, at.Unix()); err != nil {
			t.Fatalf("Failed to insert user: %v", err)
		}
	}
	insert("u2", "b@example.com", dayStart.Add(2*time.Hour))
	insert("u1", "a@example.com", dayStart.Add(1*time.Hour))
	insert("qa", "qa@test.lunary.app", dayStart.Add(3*time.Hour))
	insert("late", "c@example.com", dayStart.Add(30*time.Hour))

	signups, err := store.ListSignups(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to list signups: %v", err)
	}
	if len(signups) != 2 {
		t.Fatalf("Got %d signups, want 2", len(signups))
	}
	if signups[0].ID != "u1" || signups[1].ID != "u2" {
		t.Errorf("Order = [%s, %s], want ascending by created_at", signups[0].ID, signups[1].ID)
	}
	if !signups[0].SignupTime().Equal(dayStart.Add(1 * time.Hour)) {
		t.Errorf("SignupTime = %v, want %v", signups[0].SignupTime(), dayStart.Add(1*time.Hour))
	}
}

func TestListUserEvents(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	insertEvent(t, db, "u1", "", "", "tarot_drawn", "", dayStart.Add(2*time.Hour))
	insertEvent(t, db, "u1", "", "", "tarot_drawn", "", dayStart.Add(1*time.Hour))
	insertEvent(t, db, "u2", "", "", "question_asked", "", dayStart.Add(3*time.Hour))
	insertEvent(t, db, "other", "", "", "tarot_drawn", "", dayStart.Add(1*time.Hour))

	userEvents, err := store.ListUserEvents(ctx, []string{"u1", "u2"}, []string{"tarot_drawn", "question_asked"})
	if err != nil {
		t.Fatalf("Failed to list user events: %v", err)
	}
	if len(userEvents) != 3 {
		t.Fatalf("Got %d events, want 3", len(userEvents))
	}
	for i := 1; i < len(userEvents); i++ {
		if userEvents[i].CreatedAt < userEvents[i-1].CreatedAt {
			t.Errorf("events not ordered ascending at index %d", i)
		}
	}

	t.Run("empty inputs", func(t *testing.T) {
		userEvents, err := store.ListUserEvents(ctx, nil, []string{"tarot_drawn"})
		if err != nil || userEvents != nil {
			t.Errorf("Got (%v, %v), want (nil, nil)", userEvents, err)
		}
	})
}

func TestCountActiveAmong(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	insertEvent(t, db, "u1", "", "", "app_opened", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "u1", "", "", "tarot_drawn", "", dayStart.Add(2*time.Hour))
	insertEvent(t, db, "u3", "", "", "app_opened", "", dayStart.Add(time.Hour))

	active, err := store.CountActiveAmong(ctx, dayStart, dayStart.Add(24*time.Hour), []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("Failed to count active: %v", err)
	}
	if active != 1 {
		t.Errorf("active = %d, want 1 (u1 once despite two events, u3 not in cohort)", active)
	}
}

func TestDistinctUsersWithEvent(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	insertEvent(t, db, "u1", "", "", "trial_started", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "u1", "", "", "trial_started", "", dayStart.Add(2*time.Hour))
	insertEvent(t, db, "u2", "", "", "subscription_started", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "", "anon-1", "", "trial_started", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "anon:anon-2", "anon-2", "", "trial_started", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "qa", "", "qa@test.lunary.app", "trial_started", "", dayStart.Add(time.Hour))

	users, err := store.DistinctUsersWithEvent(ctx, dayStart, dayStart.Add(24*time.Hour),
		[]string{"trial_started", "subscription_started"})
	if err != nil {
		t.Fatalf("Failed to query distinct users: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("Got %d users, want 2 (anonymous, sentinel and test events excluded)", len(users))
	}
	for _, id := range users {
		if id != "u1" && id != "u2" {
			t.Errorf("unexpected user %q", id)
		}
	}
}

func TestFeatureUsage(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	insertEvent(t, db, "u1", "", "", "tarot_drawn", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "u2", "", "", "tarot_drawn", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "anon:anon-1", "anon-1", "", "tarot_drawn", "", dayStart.Add(time.Hour))
	insertEvent(t, db, "u1", "", "", "horoscope_viewed", "", dayStart.Add(time.Hour))

	usage, err := store.FeatureUsage(ctx, dayStart, dayStart.Add(24*time.Hour),
		[]string{"tarot_drawn", "horoscope_viewed", "question_asked"})
	if err != nil {
		t.Fatalf("Failed to query feature usage: %v", err)
	}
	if usage["tarot_drawn"] != 2 {
		t.Errorf("tarot_drawn = %d, want 2", usage["tarot_drawn"])
	}
	if usage["horoscope_viewed"] != 1 {
		t.Errorf("horoscope_viewed = %d, want 1", usage["horoscope_viewed"])
	}
	if _, ok := usage["question_asked"]; ok {
		t.Error("question_asked present despite no events")
	}
}

func TestIdentityLinkCapability(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	t.Run("absent table", func(t *testing.T) {
		hasLinks, err := store.HasIdentityLinkTable(ctx)
		if err != nil {
			t.Fatalf("Failed to probe: %v", err)
		}
		if hasLinks {
			t.Error("HasIdentityLinkTable = true before table exists")
		}
	})

	t.Run("present table", func(t *testing.T) {
		if _, err := db.Conn().Exec(linkTableSchema); err != nil {
			t.Fatalf("Failed to create link table: %v", err)
		}
		if _, err := db.Conn().Exec(`INSERT INTO identity_links (anonymous_id, user_id) VALUES ('anon-1', 'u1')`); err != nil {
			t.Fatalf("Failed to insert link: %v", err)
		}

		hasLinks, err := store.HasIdentityLinkTable(ctx)
		if err != nil {
			t.Fatalf("Failed to probe: %v", err)
		}
		if !hasLinks {
			t.Error("HasIdentityLinkTable = false after create")
		}

		links, err := store.LoadIdentityLinks(ctx)
		if err != nil {
			t.Fatalf("Failed to load links: %v", err)
		}
		if links["anon-1"] != "u1" {
			t.Errorf("links = %v, want anon-1 -> u1", links)
		}
	})
}
