package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/kiln/api/v1alpha1"
)

type opener func() (Store, error)

func backends(t *testing.T) map[string]opener {
	t.Helper()
	b := map[string]opener{
		BackendSQLite: func() (Store, error) {
			return NewSQLiteStore(SQLiteConfig{DatabasePath: filepath.Join(t.TempDir(), "kiln.db")})
		},
		BackendBadger: func() (Store, error) {
			return NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
		},
	}
	if dsn := os.Getenv("KILN_TEST_POSTGRES_DSN"); dsn != "" {
		b[BackendPostgres] = func() (Store, error) {
			s, err := NewPostgresStore(dsn)
			if err != nil {
				return nil, err
			}
			s.db.Exec("TRUNCATE vms, users RESTART IDENTITY CASCADE")
			return s, nil
		}
	}
	return b
}

// forEachBackend runs fn against a fresh store of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := factory()
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func newRecord(name string, ownerID int64) *v1alpha1.VMRecord {
	return &v1alpha1.VMRecord{
		Name:    name,
		OwnerID: ownerID,
		RAMMB:   2048,
		VCPUs:   2,
		DiskGB:  20,
		OSType:  v1alpha1.OSUbuntu,
	}
}

func TestUsers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		alice, err := s.CreateUser(ctx, "alice", v1alpha1.RoleUser)
		require.NoError(t, err)
		assert.NotZero(t, alice.ID)
		assert.Equal(t, v1alpha1.RoleUser, alice.Role)

		root, err := s.CreateUser(ctx, "root", v1alpha1.RoleAdmin)
		require.NoError(t, err)
		assert.NotEqual(t, alice.ID, root.ID)

		_, err = s.CreateUser(ctx, "alice", v1alpha1.RoleAdmin)
		assert.ErrorIs(t, err, v1alpha1.ErrUserAlreadyExists)

		got, err := s.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)

		got, err = s.GetUserByName(ctx, "root")
		require.NoError(t, err)
		assert.Equal(t, root.ID, got.ID)
		assert.Equal(t, v1alpha1.RoleAdmin, got.Role)

		_, err = s.GetUserByName(ctx, "mallory")
		assert.ErrorIs(t, err, v1alpha1.ErrUserNotFound)
		_, err = s.GetUser(ctx, 9999)
		assert.ErrorIs(t, err, v1alpha1.ErrUserNotFound)

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "alice", users[0].Username)
		assert.Equal(t, "root", users[1].Username)
	})
}

func TestCreateAndFindVM(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice, err := s.CreateUser(ctx, "alice", v1alpha1.RoleUser)
		require.NoError(t, err)

		rec := newRecord("web", alice.ID)
		require.NoError(t, s.CreateVM(ctx, rec))
		assert.NotEmpty(t, rec.ID, "ID must be assigned")
		assert.False(t, rec.CreatedAt.IsZero(), "CreatedAt must be assigned")
		assert.Equal(t, "alice", rec.OwnerName)

		got, found, err := s.FindVM(ctx, "web")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, alice.ID, got.OwnerID)
		assert.Equal(t, "alice", got.OwnerName)
		assert.Equal(t, 2048, got.RAMMB)
		assert.Equal(t, 2, got.VCPUs)
		assert.Equal(t, 20, got.DiskGB)
		assert.Equal(t, v1alpha1.OSUbuntu, got.OSType)
		assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Second)

		got, found, err = s.FindVM(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)
	})
}

func TestCreateVMDuplicateName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice, _ := s.CreateUser(ctx, "alice", v1alpha1.RoleUser)
		bob, _ := s.CreateUser(ctx, "bob", v1alpha1.RoleUser)

		require.NoError(t, s.CreateVM(ctx, newRecord("web", alice.ID)))

		err := s.CreateVM(ctx, newRecord("web", bob.ID))
		assert.ErrorIs(t, err, v1alpha1.ErrDuplicateName)

		got, _, err := s.FindVM(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.OwnerID, "losing insert must not overwrite the record")
	})
}

func TestCreateVMUnknownOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		err := s.CreateVM(context.Background(), newRecord("web", 4242))
		assert.ErrorIs(t, err, v1alpha1.ErrUserNotFound)

		_, found, err := s.FindVM(context.Background(), "web")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestListVMs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice, _ := s.CreateUser(ctx, "alice", v1alpha1.RoleUser)
		bob, _ := s.CreateUser(ctx, "bob", v1alpha1.RoleUser)

		for _, r := range []*v1alpha1.VMRecord{
			newRecord("zeta", alice.ID),
			newRecord("alpha", bob.ID),
			newRecord("mid", alice.ID),
		} {
			require.NoError(t, s.CreateVM(ctx, r))
		}

		all, err := s.ListVMs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, names(all))
		assert.Equal(t, "bob", all[0].OwnerName)

		mine, err := s.ListVMsForOwner(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"mid", "zeta"}, names(mine))
		for _, r := range mine {
			assert.Equal(t, "alice", r.OwnerName)
		}

		none, err := s.ListVMsForOwner(ctx, 4242)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestDeleteVM(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice, _ := s.CreateUser(ctx, "alice", v1alpha1.RoleUser)
		require.NoError(t, s.CreateVM(ctx, newRecord("web", alice.ID)))

		require.NoError(t, s.DeleteVM(ctx, "web"))
		_, found, err := s.FindVM(ctx, "web")
		require.NoError(t, err)
		assert.False(t, found)

		mine, err := s.ListVMsForOwner(ctx, alice.ID)
		require.NoError(t, err)
		assert.Empty(t, mine, "owner index must be cleaned up")

		assert.NoError(t, s.DeleteVM(ctx, "web"), "deleting a missing record is a no-op")

		// The name is free again.
		assert.NoError(t, s.CreateVM(ctx, newRecord("web", alice.ID)))
	})
}

func TestConcurrentCreateVMSameName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice, _ := s.CreateUser(ctx, "alice", v1alpha1.RoleUser)

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			dupes     int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.CreateVM(ctx, newRecord("race", alice.ID))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, v1alpha1.ErrDuplicateName):
					dupes++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, n-1, dupes)
	})
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "k.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Backend: BackendBadger, Path: filepath.Join(t.TempDir(), "b")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(Config{Backend: "mongodb"})
	assert.Error(t, err)

	_, err = Open(Config{Backend: BackendPostgres})
	assert.Error(t, err, "postgres requires a dsn")
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(SQLiteConfig{DatabasePath: path})
	require.NoError(t, err)
	alice, err := s.CreateUser(ctx, "alice", v1alpha1.RoleUser)
	require.NoError(t, err)
	require.NoError(t, s.CreateVM(ctx, newRecord("web", alice.ID)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(SQLiteConfig{DatabasePath: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, found, err := s.FindVM(ctx, "web")
	require.NoError(t, err)
	assert.True(t, found, fmt.Sprintf("record lost after reopening %s", path))
}

func names(recs []v1alpha1.VMRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}
