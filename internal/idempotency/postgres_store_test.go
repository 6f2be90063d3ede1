package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	store, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)

	key := "PROJ_" + uuid.NewString()
	rec := Record{
		StatusCode: 201,
		Response:   []byte("payload"),
		BodyHash:   HashBody([]byte("payload")),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}
	require.NoError(t, store.Save(ctx, key, rec))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.StatusCode, got.StatusCode)
	assert.Equal(t, rec.BodyHash, got.BodyHash)

	require.NoError(t, store.Save(ctx, key, Record{
		StatusCode: 500,
		Response:   []byte("later"),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "payload", string(got.Response))

	expired := "PROJ_" + uuid.NewString()
	require.NoError(t, store.Save(ctx, expired, Record{
		StatusCode: 201,
		Response:   []byte("old"),
		CreatedAt:  time.Now().Add(-2 * time.Hour).UTC(),
		ExpiresAt:  time.Now().Add(-time.Hour).UTC(),
	}))
	got, err = store.Get(ctx, expired)
	require.NoError(t, err)
	assert.Nil(t, got)
}
