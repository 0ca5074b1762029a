package flowstate_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-bitbucket-auth/auth/flowstate"
)

func TestInMemoryRepo(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := flowstate.NewInMemoryRepo()

	require.Error(t, repo.Upsert(nil))
	require.Error(t, repo.Upsert(&flowstate.OAuthState{}))

	in := &flowstate.OAuthState{State: "s1", CodeVerifier: "v1", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	require.NoError(t, repo.Upsert(in))
	in.CodeVerifier = "changed"

	got, err := repo.Get("s1")
	require.NoError(t, err)
	require.Equal(t, "v1", got.CodeVerifier)

	taken, err := repo.Take("s1")
	require.NoError(t, err)
	require.Equal(t, "s1", taken.State)

	_, err = repo.Get("s1")
	require.ErrorIs(t, err, flowstate.ErrStateNotFound)
	_, err = repo.Take("s1")
	require.ErrorIs(t, err, flowstate.ErrStateNotFound)
	require.NoError(t, repo.Delete("s1"))
}

func TestInMemoryRepoDeleteExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := flowstate.NewInMemoryRepo()
	require.NoError(t, repo.Upsert(&flowstate.OAuthState{State: "old", ExpiresAt: now}))
	require.NoError(t, repo.Upsert(&flowstate.OAuthState{State: "new", ExpiresAt: now.Add(time.Second)}))

	require.Equal(t, 1, repo.DeleteExpired(now))
	require.Equal(t, 1, repo.Len())
	require.Zero(t, repo.DeleteExpired(now))
}

func TestInMemoryRepoConcurrentSweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := flowstate.NewInMemoryRepo()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("s-%d-%d", i, j)
				_ = repo.Upsert(&flowstate.OAuthState{State: key, ExpiresAt: now.Add(time.Duration(j%2) * time.Minute)})
				_, _ = repo.Take(key)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				repo.DeleteExpired(now)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, repo.Len())
}
