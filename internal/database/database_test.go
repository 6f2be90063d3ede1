package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "postgres://%zz"})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := Open(ctx, Config{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	defer pool.Close()
	assert.EqualValues(t, 2, pool.Config().MaxConns)
}
