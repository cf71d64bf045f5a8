package membership

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthorizer(t *testing.T) {
	ctx := context.Background()
	rooms := NewStaticAuthorizer()
	rooms.Add("room-1", "user-a", "user-b")

	t.Run("Member", func(t *testing.T) {
		ok, err := rooms.IsMember(ctx, "room-1", "user-a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("NonMember", func(t *testing.T) {
		ok, err := rooms.IsMember(ctx, "room-1", "user-c")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UnknownRoom", func(t *testing.T) {
		ok, err := rooms.IsMember(ctx, "no-such-room", "user-a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Members", func(t *testing.T) {
		members, err := rooms.Members(ctx, "room-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user-a", "user-b"}, members)
	})
}
