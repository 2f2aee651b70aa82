package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frumu-ai/tandem/internal/common/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return NewStore(nil, log)
}

func TestStore_CreateAndGet(t *testing.T) {
	s := testStore(t)

	sess := s.Create(context.Background(), "refactor the parser")
	require.NotEmpty(t, sess.ID)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "refactor the parser", got.Title)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_AppendMessage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := s.Create(ctx, "")

	m1, err := s.AppendMessage(ctx, sess.ID, "user", "hello")
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, sess.ID, "assistant", "hi")
	require.NoError(t, err)

	msgs, err := s.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, m2.ID, msgs[1].ID)

	_, err = s.AppendMessage(ctx, "missing", "user", "hello")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := s.Create(ctx, "")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, sess.ID, "user", fmt.Sprintf("msg-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := s.Messages(sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, n)
}
