package services

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dgate/models"
)

func siftSnapshot() models.ReadyEvent {
	snapshot := baseSnapshot()
	snapshot.Guilds = []models.Guild{
		{
			ID:      "g1",
			Name:    "sift guild",
			OwnerID: "owner",
			Roles: []models.Role{
				{ID: "g1", Name: "@everyone", Position: 0, Permissions: permDefault},
			},
			Members: []models.Member{
				{User: models.User{ID: "me"}, Roles: []string{}},
			},
			Channels: []models.Channel{
				{ID: "y", GuildID: "g1", Type: models.ChannelTypeText, Position: 1, ParentID: "A"},
				{ID: "B", GuildID: "g1", Type: models.ChannelTypeCategory, Position: 1},
				{ID: "z", GuildID: "g1", Type: models.ChannelTypeText, Position: 0},
				{ID: "A", GuildID: "g1", Type: models.ChannelTypeCategory, Position: 0},
				{ID: "x", GuildID: "g1", Type: models.ChannelTypeText, Position: 0, ParentID: "A"},
			},
		},
	}
	return snapshot
}

func siftedIDs(channels []*Channel) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = ch.ID
	}
	return out
}

func TestSiftOrdersRootAndCategoryGroups(t *testing.T) {
	c, _ := newTestClient(t, siftSnapshot())
	guild := c.Guilds().Get("g1")

	// root group leads on position 0, category A's children follow it in
	// position order, empty category B trails
	require.Equal(t, []string{"z", "A", "x", "y", "B"}, siftedIDs(guild.Channels.Sifted().Get()))
}

func TestSiftExcludesReadDeniedChannelsButNeverCategories(t *testing.T) {
	snapshot := siftSnapshot()
	deny := []models.PermissionOverwrite{{ID: "g1", Deny: permRead}}
	for i := range snapshot.Guilds[0].Channels {
		ch := &snapshot.Guilds[0].Channels[i]
		if ch.ID == "x" || ch.ID == "A" {
			ch.PermissionOverwrites = deny
		}
	}
	c, _ := newTestClient(t, snapshot)
	guild := c.Guilds().Get("g1")

	require.Equal(t, []string{"z", "A", "y", "B"}, siftedIDs(guild.Channels.Sifted().Get()))
}

func TestSiftRecomputesOnChannelEventsOnly(t *testing.T) {
	c, fb := newTestClient(t, siftSnapshot())
	guild := c.Guilds().Get("g1")

	var observed [][]string
	cancel := guild.Channels.Sifted().Subscribe(func(channels []*Channel) {
		observed = append(observed, siftedIDs(channels))
	})
	defer cancel()
	require.Len(t, observed, 1)

	// unrelated guild's channel event does not resift
	fb.emit(t, "t:channel_create", models.Channel{ID: "other", GuildID: "g2", Type: models.ChannelTypeText})
	require.Len(t, observed, 1)

	fb.emit(t, "t:channel_create", models.Channel{
		ID: "w", GuildID: "g1", Type: models.ChannelTypeText, Position: 2, ParentID: "B",
	})
	require.Len(t, observed, 2)
	require.Equal(t, []string{"z", "A", "x", "y", "B", "w"}, observed[1])

	fb.emit(t, "t:channel_delete", models.Channel{ID: "w", GuildID: "g1", Type: models.ChannelTypeText})
	require.Len(t, observed, 3)
	require.Equal(t, []string{"z", "A", "x", "y", "B"}, observed[2])
}

func TestChannelUpdateMovesChannel(t *testing.T) {
	c, fb := newTestClient(t, siftSnapshot())
	guild := c.Guilds().Get("g1")

	fb.emit(t, "t:channel_update", models.Channel{
		ID: "x", GuildID: "g1", Type: models.ChannelTypeText, Position: 5, ParentID: "A",
	})
	require.Equal(t, []string{"z", "A", "y", "x", "B"}, siftedIDs(guild.Channels.Sifted().Get()))
}

func TestChannelUpdateMergesPartialPayload(t *testing.T) {
	snapshot := siftSnapshot()
	for i := range snapshot.Guilds[0].Channels {
		if snapshot.Guilds[0].Channels[i].ID == "x" {
			snapshot.Guilds[0].Channels[i].LastMessageID = "m9"
			snapshot.Guilds[0].Channels[i].PermissionOverwrites = []models.PermissionOverwrite{
				{ID: "g1", Allow: permRead},
			}
		}
	}
	c, fb := newTestClient(t, snapshot)
	ch := c.Guilds().Get("g1").Channels.Get("x")
	require.NotNil(t, ch)

	// a rename payload without message or overwrite fields
	fb.emit(t, "t:channel_update", models.Channel{
		ID: "x", GuildID: "g1", Type: models.ChannelTypeText, Name: "x-renamed", ParentID: "A",
	})

	props := ch.Props().Get()
	require.Equal(t, "x-renamed", props.Name)
	require.Equal(t, "m9", ch.LastMessageID())
	require.Len(t, props.PermissionOverwrites, 1)
}

func TestChannelUnreadDerivedFromReadState(t *testing.T) {
	snapshot := baseSnapshot()
	snapshot.Guilds[0].Channels[0].LastMessageID = "m1"
	c, fb := newTestClient(t, snapshot)
	ch := c.Guilds().Get("g1").Channels.Get("general")
	require.NotNil(t, ch)

	require.False(t, ch.Unread().Get())

	// a ping bumps the mention count
	c.ReadStates().IncrementMentions("general", 1)
	require.True(t, ch.Unread().Get())

	// an ack that leaves the pointer behind the channel still reads unread
	fb.emit(t, "t:message_ack", models.MessageAckEvent{ChannelID: "general", MessageID: "m0"})
	require.True(t, ch.Unread().Get())

	// acking the channel's newest message clears it
	fb.emit(t, "t:message_ack", models.MessageAckEvent{ChannelID: "general", MessageID: "m1"})
	require.False(t, ch.Unread().Get())
}

func TestChannelIsMutedFromChannelOverride(t *testing.T) {
	snapshot := baseSnapshot()
	snapshot.UserGuildSettings = []models.UserGuildSetting{
		{GuildID: "g1", ChannelOverrides: []models.ChannelOverride{{ChannelID: "general", Muted: true}}},
	}
	c, _ := newTestClient(t, snapshot)

	require.True(t, c.Guilds().Get("g1").Channels.Get("general").IsMuted())
}
