package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()
	t0 := time.Unix(1_700_000_000, 0)

	s := &domain.Session{Code: "ABC123", Endpoint: "10.0.0.5:5000", CreatedAt: t0, LastSeen: t0}
	require.NoError(t, repo.Create(ctx, s))
	assert.ErrorIs(t, repo.Create(ctx, s), domain.ErrSessionExists)

	got, err := repo.GetByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5000", got.Endpoint)

	got.Endpoint = "mutated"
	again, _ := repo.GetByCode(ctx, "ABC123")
	assert.Equal(t, "10.0.0.5:5000", again.Endpoint, "callers must get copies")

	touched, err := repo.Touch(ctx, "ABC123", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), touched.LastSeen)

	s.Endpoint = "10.0.0.6:5000"
	require.NoError(t, repo.Save(ctx, s))
	got, _ = repo.GetByCode(ctx, "ABC123")
	assert.Equal(t, "10.0.0.6:5000", got.Endpoint)

	require.NoError(t, repo.Remove(ctx, "ABC123"))
	assert.ErrorIs(t, repo.Remove(ctx, "ABC123"), domain.ErrSessionNotFound)
	_, err = repo.GetByCode(ctx, "ABC123")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = repo.Touch(ctx, "ABC123", t0)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestMemorySessionRepository_Concurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := domain.SessionCode(fmt.Sprintf("S%03d", i))
			_ = repo.Save(ctx, &domain.Session{Code: code})
			_, _ = repo.Touch(ctx, code, time.Now())
			if i%2 == 0 {
				_ = repo.Remove(ctx, code)
			}
		}(i)
	}
	wg.Wait()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 25)
}
