package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "db", "cricket.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteDetectionsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	stamps := []time.Time{base, base.Add(2 * time.Second), base.Add(2 * time.Second), base.Add(time.Second)}
	var ids []int64
	for i, ts := range stamps {
		ts := ts
		s.now = func() time.Time { return ts }
		id, err := s.SaveDetection(ctx, filepath.Join("/uploads", string(rune('a'+i))+".jpg"), []byte(`[]`))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	records, err := s.ListDetections(ctx)
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, []int64{ids[2], ids[1], ids[3], ids[0]},
		[]int64{records[0].ID, records[1].ID, records[2].ID, records[3].ID})
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].Timestamp.After(records[i-1].Timestamp))
	}
	assert.Equal(t, "[]", records[0].Results)
	assert.True(t, records[3].Timestamp.Equal(base))
}

func TestSQLiteDetectionIDsIncrease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	first, err := s.SaveDetection(ctx, "/a.jpg", []byte(`[{"type":"box","conf":0.5}]`))
	require.NoError(t, err)
	second, err := s.SaveDetection(ctx, "/b.jpg", []byte(`[]`))
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestSQLiteListEmpty(t *testing.T) {
	t.Parallel()
	records, err := newTestSQLite(t).ListDetections(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestSQLiteAccountLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	id, err := s.CreateAccount(ctx, "Ada", "ada@example.com", "hash-1")
	require.NoError(t, err)

	a, err := s.GetAccountByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, "hash-1", a.PasswordHash)
	assert.Nil(t, a.ResetToken)
	assert.Nil(t, a.ResetTokenExpiry)

	byID, err := s.GetAccountByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ada", byID.Name)

	require.NoError(t, s.SetResetToken(ctx, "ada@example.com", "tok", 2000))

	found, err := s.FindAccountByResetToken(ctx, "tok", 1999)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.NotNil(t, found.ResetToken)
	require.NotNil(t, found.ResetTokenExpiry)
	assert.Equal(t, "tok", *found.ResetToken)
	assert.Equal(t, int64(2000), *found.ResetTokenExpiry)

	expired, err := s.FindAccountByResetToken(ctx, "tok", 2000)
	require.NoError(t, err)
	assert.Nil(t, expired, "expiry is exclusive")

	require.NoError(t, s.UpdatePassword(ctx, id, "hash-2"))
	a, err = s.GetAccountByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hash-2", a.PasswordHash)
	assert.Nil(t, a.ResetToken)
	assert.Nil(t, a.ResetTokenExpiry)

	reused, err := s.FindAccountByResetToken(ctx, "tok", 0)
	require.NoError(t, err)
	assert.Nil(t, reused)
}

func TestSQLiteMissingAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	a, err := s.GetAccountByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = s.GetAccountByID(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestSQLiteDuplicateEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.CreateAccount(ctx, "A", "dup@example.com", "h")
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "B", "dup@example.com", "h")
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	_, err = s.CreateAccount(ctx, "C", "Dup@example.com", "h")
	assert.NoError(t, err, "emails are case-sensitive as stored")
}

func TestSQLiteConcurrentSignupOneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	const n = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		ok, dupes   int
		otherErrors []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateAccount(ctx, "Racer", "race@example.com", "h")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateEmail):
				dupes++
			default:
				otherErrors = append(otherErrors, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, otherErrors)
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dupes)
}

func TestSQLiteReopenIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cricket.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	_, err = s.CreateAccount(ctx, "A", "a@example.com", "h")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	a, err := s.GetAccountByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestArchiveKey(t *testing.T) {
	t.Parallel()
	key := ArchiveKey(time.Date(2025, 1, 9, 23, 0, 0, 0, time.UTC), "/srv/uploads/1700-shot.jpg")
	assert.Regexp(t, `^uploads/2025/01/09/[0-9a-f-]{36}-1700-shot\.jpg$`, key)
}

func TestRetryOnBusyRetriesOnlyLockErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	err := retryOnBusy(ctx, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(ctx, func() error {
		calls++
		return errors.New("no such table: detections")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "other failures are returned without retry")

	calls = 0
	err = retryOnBusy(ctx, func() error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.Equal(t, busyRetryAttempts, calls, "retries are bounded")
}
