package chatstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryTurnStore_AppendListAndTrim(t *testing.T) {
	s := NewInMemoryTurnStore(2)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx,
		Turn{SessionID: "s1", Email: "a@example.com", Role: RolePatient, Content: "one", CreatedAtMs: 10},
		Turn{SessionID: "s1", Email: "a@example.com", Role: RoleSpecialist, Content: "two", CreatedAtMs: 20},
		Turn{SessionID: "s1", Email: "a@example.com", Role: RolePatient, Content: "three", CreatedAtMs: 30},
	))
	require.NoError(t, s.Append(ctx,
		Turn{SessionID: "s2", Email: "a@example.com", Role: RolePatient, Content: "other", CreatedAtMs: 25},
	))

	items, err := s.List(ctx, TurnQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "two", items[0].Content)
	require.Equal(t, 1, items[0].Ordinal)
	require.Equal(t, "three", items[1].Content)
	require.Equal(t, 2, items[1].Ordinal)

	byEmail, err := s.List(ctx, TurnQuery{Email: "a@example.com"})
	require.NoError(t, err)
	require.Len(t, byEmail, 3)
	require.Equal(t, "two", byEmail[0].Content)
	require.Equal(t, "other", byEmail[1].Content)
	require.Equal(t, "three", byEmail[2].Content)

	limited, err := s.List(ctx, TurnQuery{Email: "a@example.com", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "three", limited[0].Content)

	_, err = s.List(ctx, TurnQuery{})
	require.Error(t, err)
	require.Error(t, s.Append(ctx, Turn{SessionID: "s1"}))
}
