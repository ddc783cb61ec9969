package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dgate/clients/rest"
	"dgate/models"
)

func messageSnapshot() models.ReadyEvent {
	snapshot := baseSnapshot()
	snapshot.Guilds[0].Roles = []models.Role{
		{ID: "g1", Name: "@everyone", Position: 0, Permissions: permDefault},
		{ID: "r-team", Name: "team", Position: 1},
	}
	snapshot.Guilds[0].Members = []models.Member{
		{User: models.User{ID: "me"}, Roles: []string{"r-team"}},
	}
	return snapshot
}

func guildMessage(id, content string) models.Message {
	return models.Message{
		ID:        id,
		ChannelID: "general",
		GuildID:   "g1",
		Content:   content,
		Author:    models.User{ID: "other"},
	}
}

func messageIDs(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestLiveAppendDeduplicatesByID(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	fb.emit(t, "t:message_create", guildMessage("m1", "hello"))
	fb.emit(t, "t:message_create", guildMessage("m1", "hello again"))
	fb.emit(t, "t:message_create", guildMessage("m2", "second"))

	require.Equal(t, []string{"m1", "m2"}, messageIDs(cache.All()))
}

func TestUpdateDiffsContentInPlace(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	fb.emit(t, "t:message_create", guildMessage("m1", "original"))
	held, ok := cache.Get("m1")
	require.True(t, ok)

	updated := guildMessage("m1", "edited")
	updated.EditedTimestamp = "2024-01-01T00:00:00Z"
	fb.emit(t, "t:message_update", updated)

	require.Equal(t, "edited", held.Content())

	// an update for an unknown id degrades to a no-op
	fb.emit(t, "t:message_update", guildMessage("ghost", "boo"))
	require.Len(t, cache.All(), 1)
}

func TestDeleteRemovesByDefaultAndTombstonesWhenKept(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	fb.emit(t, "t:message_create", guildMessage("m1", "a"))
	fb.emit(t, "t:message_delete", models.MessageDeleteEvent{ID: "m1", ChannelID: "general"})
	require.Empty(t, cache.All())

	cache.KeepDeleted = true
	fb.emit(t, "t:message_create", guildMessage("m2", "b"))
	fb.emit(t, "t:message_create", guildMessage("m3", "c"))
	fb.emit(t, "t:message_delete_bulk", models.MessageDeleteBulkEvent{IDs: []string{"m2", "m3"}, ChannelID: "general"})

	msgs := cache.All()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].Deleted())
	require.True(t, msgs[1].Deleted())
}

func TestReactionRoundTrip(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	fb.emit(t, "t:message_create", guildMessage("m1", "react to me"))
	msg, _ := cache.Get("m1")
	emoji := models.Emoji{Name: "👍"}

	react := func(event string, userID string) {
		fb.emit(t, event, models.MessageReactionEvent{
			UserID: userID, ChannelID: "general", MessageID: "m1", Emoji: emoji,
		})
	}

	// first add creates a count-1 entry
	react("t:message_reaction_add", "other")
	r, ok := msg.Reaction("👍")
	require.True(t, ok)
	require.Equal(t, 1, r.Count)
	require.False(t, r.Me)

	// own reaction toggles Me distinctly from the count
	react("t:message_reaction_add", "me")
	r, _ = msg.Reaction("👍")
	require.Equal(t, 2, r.Count)
	require.True(t, r.Me)

	react("t:message_reaction_remove", "me")
	r, _ = msg.Reaction("👍")
	require.Equal(t, 1, r.Count)
	require.False(t, r.Me)

	// count reaching zero deletes the entry entirely
	react("t:message_reaction_remove", "other")
	_, ok = msg.Reaction("👍")
	require.False(t, ok)

	react("t:message_reaction_add", "other")
	fb.emit(t, "t:message_reaction_remove_all", models.MessageReactionRemoveAllEvent{
		ChannelID: "general", MessageID: "m1",
	})
	_, ok = msg.Reaction("👍")
	require.False(t, ok)
}

func TestCustomEmojiKeyedByID(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	fb.emit(t, "t:message_create", guildMessage("m1", "x"))
	fb.emit(t, "t:message_reaction_add", models.MessageReactionEvent{
		UserID: "other", ChannelID: "general", MessageID: "m1",
		Emoji: models.Emoji{ID: "e99", Name: "custom"},
	})

	msg, _ := cache.Get("m1")
	_, ok := msg.Reaction("e99")
	require.True(t, ok)
	_, ok = msg.Reaction("custom")
	require.False(t, ok)
}

func TestLoadBeforePrependsInAscendingOrder(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	for i := 10; i < 15; i++ {
		fb.emit(t, "t:message_create", guildMessage(fmt.Sprintf("m%02d", i), "live"))
	}

	fb.respond = func(path string, opts rest.Options) (json.RawMessage, error) {
		require.Contains(t, path, "channels/general/messages?before=m10&limit=10")
		// history pages arrive newest-first; m09 includes a duplicate guard
		page := make([]models.Message, 0, 10)
		for i := 9; i >= 0; i-- {
			page = append(page, guildMessage(fmt.Sprintf("m%02d", i), "old"))
		}
		data, err := json.Marshal(page)
		return data, err
	}

	added, err := cache.LoadBefore(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 10, added)

	ids := messageIDs(cache.All())
	require.Len(t, ids, 15)
	for i, id := range ids {
		require.Equal(t, fmt.Sprintf("m%02d", i), id)
	}
}

func TestStateCarriesCachedListToSubscribers(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	var delivered [][]string
	off := cache.State().Subscribe(func(msgs []*Message) {
		delivered = append(delivered, messageIDs(msgs))
	})
	defer off()

	// subscribing delivers the (still empty) current list
	require.Equal(t, [][]string{{}}, delivered)

	fb.emit(t, "t:message_create", guildMessage("m1", "first"))
	fb.emit(t, "t:message_create", guildMessage("m2", "second"))
	require.Equal(t, []string{"m1", "m2"}, messageIDs(cache.State().Get()))
	require.Equal(t, []string{"m1", "m2"}, delivered[len(delivered)-1])

	fb.respond = func(path string, opts rest.Options) (json.RawMessage, error) {
		page := []models.Message{guildMessage("m0", "old")}
		return json.Marshal(page)
	}
	added, err := cache.LoadBefore(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, []string{"m0", "m1", "m2"}, messageIDs(cache.State().Get()))
	require.Equal(t, []string{"m0", "m1", "m2"}, delivered[len(delivered)-1])

	fb.emit(t, "t:message_delete", models.MessageDeleteEvent{ID: "m1", ChannelID: "general"})
	require.Equal(t, []string{"m0", "m2"}, messageIDs(cache.State().Get()))
	require.Equal(t, []string{"m0", "m2"}, delivered[len(delivered)-1])
}

func TestStaleRefillOnActivation(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	fb.emit(t, "t:message_create", guildMessage("m1", "old"))

	fb.respond = func(path string, opts rest.Options) (json.RawMessage, error) {
		require.True(t, strings.Contains(path, "after=m1"), "refill must fetch forward of the newest id, got %s", path)
		data, err := json.Marshal([]models.Message{guildMessage("m2", "missed")})
		return data, err
	}

	// age the cache past the staleness threshold
	cache.mu.Lock()
	cache.touched = time.Now().Add(-10 * time.Minute)
	cache.mu.Unlock()

	cancel := cache.State().Subscribe(func([]*Message) {})
	defer cancel()

	require.Eventually(t, func() bool {
		_, ok := cache.Get("m2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"m1", "m2"}, messageIDs(cache.All()))

	// a fresh cache does not refill on activation
	paths := len(fb.requestedPaths())
	cancel()
	cancel2 := cache.State().Subscribe(func([]*Message) {})
	defer cancel2()
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fb.requestedPaths(), paths)
}

func TestWouldPing(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	explicit := guildMessage("m1", "hey")
	explicit.Mentions = []models.User{{ID: "me"}}

	roleMention := guildMessage("m2", "team ping")
	roleMention.MentionRoles = []string{"r-team"}

	otherRole := guildMessage("m3", "not my team")
	otherRole.MentionRoles = []string{"r-other"}

	broadcast := guildMessage("m4", "@everyone")
	broadcast.MentionEveryone = true

	own := guildMessage("m5", "my own")
	own.Author = models.User{ID: "me"}
	own.Mentions = []models.User{{ID: "me"}}

	require.True(t, cache.WouldPing(explicit, true))
	require.True(t, cache.WouldPing(roleMention, true))
	require.False(t, cache.WouldPing(otherRole, true))
	require.True(t, cache.WouldPing(broadcast, true))
	require.False(t, cache.WouldPing(own, true))

	// ping-worthy live arrivals optimistically bump the mention count
	before, _ := c.ReadStates().Get("general")
	fb.emit(t, "t:message_create", explicit)
	after, _ := c.ReadStates().Get("general")
	require.Equal(t, before.MentionCount+1, after.MentionCount)
}

func TestMutedChannelGatesLiveRolePingsOnly(t *testing.T) {
	snapshot := messageSnapshot()
	snapshot.UserGuildSettings = []models.UserGuildSetting{
		{GuildID: "g1", ChannelOverrides: []models.ChannelOverride{{ChannelID: "general", Muted: true}}},
	}
	c, _ := newTestClient(t, snapshot)
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	roleMention := guildMessage("m1", "team ping")
	roleMention.MentionRoles = []string{"r-team"}

	require.False(t, cache.WouldPing(roleMention, true), "mute gates live role mentions")
	require.True(t, cache.WouldPing(roleMention, false), "mute never applies retroactively")

	// explicit mentions cut through the mute
	explicit := guildMessage("m2", "hey")
	explicit.Mentions = []models.User{{ID: "me"}}
	require.True(t, cache.WouldPing(explicit, true))
}

func TestAckPostsNewestCachedMessage(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	cache := c.Guilds().Get("g1").Channels.Get("general").Messages

	// empty cache acks nothing
	require.NoError(t, cache.Ack(context.Background()))
	require.Empty(t, fb.requestedPaths())

	fb.emit(t, "t:message_create", guildMessage("m1", "a"))
	fb.emit(t, "t:message_create", guildMessage("m2", "b"))
	fb.respond = func(path string, opts rest.Options) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}

	require.NoError(t, cache.Ack(context.Background()))
	paths := fb.requestedPaths()
	require.Len(t, paths, 1)
	require.Equal(t, "channels/general/messages/m2/ack", paths[0])
}

func TestDMMessagesNeverRoleOrBroadcastPing(t *testing.T) {
	c, fb := newTestClient(t, messageSnapshot())
	dm := c.DirectMessages().Get("dm1")
	require.NotNil(t, dm)

	broadcast := models.Message{
		ID: "d1", ChannelID: "dm1", Author: models.User{ID: "friend"},
		MentionEveryone: true, MentionRoles: []string{"r-team"},
	}
	require.False(t, dm.Messages.WouldPing(broadcast, true))

	explicit := models.Message{
		ID: "d2", ChannelID: "dm1", Author: models.User{ID: "friend"},
		Mentions: []models.User{{ID: "me"}},
	}
	require.True(t, dm.Messages.WouldPing(explicit, true))

	// DM caches still apply live events
	fb.emit(t, "t:message_create", explicit)
	require.Equal(t, []string{"d2"}, messageIDs(dm.Messages.All()))
}
