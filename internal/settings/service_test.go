package settings

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettingsRepo struct {
	mu     sync.Mutex
	values map[string][]byte
	broken bool
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{values: map[string][]byte{}}
}

func (r *fakeSettingsRepo) Get(ctx context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return nil, fmt.Errorf("database down")
	}
	return r.values[key], nil
}

func (r *fakeSettingsRepo) Set(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return fmt.Errorf("database down")
	}
	r.values[key] = value
	return nil
}

func TestAlwaysPersistDefaultWhenUnset(t *testing.T) {
	svc := NewService(newFakeSettingsRepo(), true)
	assert.True(t, svc.AlwaysPersistEnabled(context.Background()))

	svc = NewService(newFakeSettingsRepo(), false)
	assert.False(t, svc.AlwaysPersistEnabled(context.Background()))
}

func TestAlwaysPersistRoundTrip(t *testing.T) {
	repo := newFakeSettingsRepo()
	svc := NewService(repo, true)
	ctx := context.Background()

	require.NoError(t, svc.SetAlwaysPersist(ctx, false))
	assert.False(t, svc.AlwaysPersistEnabled(ctx))

	require.NoError(t, svc.SetAlwaysPersist(ctx, true))
	assert.True(t, svc.AlwaysPersistEnabled(ctx))
}

func TestAlwaysPersistFallsBackOnError(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.broken = true
	svc := NewService(repo, true)

	assert.True(t, svc.AlwaysPersistEnabled(context.Background()))
}

func TestAlwaysPersistFallsBackOnGarbage(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.values[KeyAlwaysPersist] = []byte("not json {{")
	svc := NewService(repo, false)

	assert.False(t, svc.AlwaysPersistEnabled(context.Background()))
}
