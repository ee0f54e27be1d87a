package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur/memstore/pkg/storage"
)

func TestCreateAndCompleteTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	task, err := s.CreateTask(ctx, "s1", "index the backlog", "alice")
	require.NoError(t, err)
	assert.Equal(t, "pending", task.Status)
	assert.Equal(t, "s1", task.SessionID)

	require.NoError(t, s.CompleteTask(ctx, task.ID, "alice"))

	tasks, err := s.Tasks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "completed", tasks[0].Status)
	assert.NotNil(t, tasks[0].CompletedAt)

	t.Run("complete twice", func(t *testing.T) {
		err := s.CompleteTask(ctx, task.ID, "alice")
		require.Error(t, err)
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := s.CreateTask(ctx, "missing", "orphan work", "alice")
		require.Error(t, err)
		assert.True(t, storage.IsNotFound(err))
	})
}

func TestRegisterAgent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	agent, err := s.RegisterAgent(ctx, "s1", "indexer", "worker")
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, "indexer", agent.Name)
}
