package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncr(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectEvalSha(incrScript.Hash(), []string{"usage:rl:ip:1.2.3.4"}, int64(60000)).
		SetVal([]interface{}{int64(3), int64(41500)})

	n, ttl, err := New(db, "usage").Incr(context.Background(), "rl:ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 41500*time.Millisecond, ttl)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectEvalSha(incrScript.Hash(), []string{"counter:cache:hit"}, int64(60000)).
		SetErr(errors.New("connection refused"))

	_, _, err := New(db, "").Incr(context.Background(), "cache:hit", time.Minute)
	assert.Error(t, err)
}

func TestValue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectGet("counter:cache:hit").SetVal("17")

	n, err := New(db, "").Value(context.Background(), "cache:hit")
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}

func TestValueMissing(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectGet("counter:cache:miss").RedisNil()

	n, err := New(db, "").Value(context.Background(), "cache:miss")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A service without a Redis backend is a silent no-op so middleware
// can run unconditionally.
func TestDisabledService(t *testing.T) {
	s := New(nil, "")
	assert.False(t, s.Enabled())

	n, ttl, err := s.Incr(context.Background(), "rl:x", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, ttl)

	v, err := s.Value(context.Background(), "rl:x")
	require.NoError(t, err)
	assert.Zero(t, v)
}
