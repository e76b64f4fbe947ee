package repo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civictrack/internal/db"
	"civictrack/internal/domain"
	"civictrack/internal/migrate"
	"civictrack/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{
		DB:    conn,
		Retry: repo.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
}

func newIssue(id, creator string, submitted time.Time) *domain.Issue {
	return &domain.Issue{
		ID:             id,
		CreatorID:      creator,
		Title:          "Pothole on Main St",
		Category:       domain.CategoryPothole,
		Images:         []string{"https://img/1.jpg"},
		Status:         domain.StatusSubmitted,
		Priority:       domain.PriorityMedium,
		SeverityScore:  6,
		SubmittedAt:    submitted,
		Supporters:     []string{creator},
		SupporterCount: 1,
		LocalityCode:   "560001",
	}
}

func insertCitizen(t *testing.T, r repo.Repo, id, phone string) {
	t.Helper()
	err := r.RunAtomic(context.Background(), func(ctx context.Context, tx *repo.Tx) error {
		created, err := tx.InsertActorIfAbsent(ctx, &domain.ActorProfile{ID: id, Kind: domain.ActorCitizen, Phone: phone, TrustPoints: 100})
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("actor %s not created", id)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCreateIfAbsentAndGet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	is := newIssue("i-1", "c-1", time.Now())

	created, err := r.CreateIfAbsent(ctx, is)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.CreateIfAbsent(ctx, newIssue("i-1", "c-2", time.Now()))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := r.GetIssue(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.CreatorID)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []string{"c-1"}, got.Supporters)

	_, err = r.GetIssue(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunAtomicRollsBackOnError(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		if _, err := tx.InsertActorIfAbsent(ctx, &domain.ActorProfile{ID: "c-1", Kind: domain.ActorCitizen, TrustPoints: 100}); err != nil {
			return err
		}
		if _, err := tx.CreateIssueIfAbsent(ctx, newIssue("i-1", "c-1", time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = r.GetActor(ctx, "c-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.GetIssue(ctx, "i-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunAtomicRetriesConflicts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	attempts := 0
	err := r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("simulated: %w", domain.ErrConflict)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunAtomicGivesUpAfterMaxAttempts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	attempts := 0
	err := r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		attempts++
		return domain.ErrConflict
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 5, attempts)
}

func TestRunAtomicDoesNotRetryOtherErrors(t *testing.T) {
	r := newTestRepo(t)
	attempts := 0
	err := r.RunAtomic(context.Background(), func(ctx context.Context, tx *repo.Tx) error {
		attempts++
		return domain.NewValidationError("x", "bad")
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, attempts)
}

func TestUpdateIssueDetectsStaleVersion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.CreateIfAbsent(ctx, newIssue("i-1", "c-1", time.Now()))
	require.NoError(t, err)

	stale, err := r.GetIssue(ctx, "i-1")
	require.NoError(t, err)

	require.NoError(t, r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		cur, err := tx.GetIssue(ctx, "i-1")
		if err != nil {
			return err
		}
		cur.Notes = "fresh"
		return tx.UpdateIssue(ctx, &cur)
	}))

	err = r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		copyOf := stale
		copyOf.Notes = "stale write"
		return tx.UpdateIssue(ctx, &copyOf)
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	got, err := r.GetIssue(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Notes)
	assert.Equal(t, 2, got.Version)
}

func TestConcurrentReadModifyWriteLosesNoUpdates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertCitizen(t, r, "c-1", "")

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
				p, err := tx.GetActor(ctx, "c-1")
				if err != nil {
					return err
				}
				p.UtilityPoints++
				return tx.UpdateActor(ctx, &p)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	p, err := r.GetActor(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, n, p.UtilityPoints)
	assert.Equal(t, n+1, p.Version)
}

func TestActorPhoneIsUnique(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertCitizen(t, r, "c-1", "+15550001")

	var created bool
	require.NoError(t, r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		var err error
		created, err = tx.InsertActorIfAbsent(ctx, &domain.ActorProfile{ID: "c-2", Kind: domain.ActorCitizen, Phone: "+15550001"})
		return err
	}))
	assert.False(t, created)

	p, err := r.GetActorByPhone(ctx, "+15550001")
	require.NoError(t, err)
	assert.Equal(t, "c-1", p.ID)
}

func TestListIssuesFiltersAndPaginates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		is := newIssue(fmt.Sprintf("i-%d", i), "c-1", base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			is.CreatorID = "c-2"
			is.Supporters = []string{"c-2"}
			is.LocalityCode = "560002"
		}
		_, err := r.CreateIfAbsent(ctx, is)
		require.NoError(t, err)
	}

	page, next, err := r.ListIssues(ctx, repo.IssueFilter{CreatorID: "c-1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "i-3", page[0].ID)
	require.NotEmpty(t, next)

	page, next, err = r.ListIssues(ctx, repo.IssueFilter{CreatorID: "c-1", Limit: 3, Cursor: next})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "i-0", page[0].ID)
	assert.Empty(t, next)

	byLocality, _, err := r.ListIssues(ctx, repo.IssueFilter{LocalityCode: "560002"})
	require.NoError(t, err)
	require.Len(t, byLocality, 1)
	assert.Equal(t, "i-4", byLocality[0].ID)

	_, _, err = r.ListIssues(ctx, repo.IssueFilter{Cursor: "garbage"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCountJoinedNotSelfAuthored(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.CreateIfAbsent(ctx, newIssue(fmt.Sprintf("other-%d", i), "c-2", time.Now()))
		require.NoError(t, err)
	}
	_, err := r.CreateIfAbsent(ctx, newIssue("own", "c-1", time.Now()))
	require.NoError(t, err)

	var count int
	require.NoError(t, r.RunAtomic(ctx, func(ctx context.Context, tx *repo.Tx) error {
		for _, id := range []string{"other-0", "other-1", "own"} {
			if _, err := tx.AddSupporter(ctx, id, "c-1"); err != nil {
				return err
			}
		}
		added, err := tx.AddSupporter(ctx, "other-0", "c-1")
		if err != nil {
			return err
		}
		if added {
			return errors.New("duplicate supporter row inserted")
		}
		count, err = tx.CountJoinedNotSelfAuthored(ctx, "c-1")
		return err
	}))
	assert.Equal(t, 2, count)
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertCitizen(t, r, "svc", "")

	key, plain, err := r.CreateAPIKey(ctx, "svc", "kiosk")
	require.NoError(t, err)
	require.NotEmpty(t, plain)

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "svc", got.ActorID)

	_, _, err = r.CreateAPIKey(ctx, "ghost", "")
	require.ErrorIs(t, err, domain.ErrNotFound)

	keys, err := r.ListAPIKeys(ctx, "svc")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	require.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), domain.ErrNotFound)
}
