package services

import (
	"encoding/json"
	"sort"
	"sync"

	"dgate/core/log"
	"dgate/core/store"
	"dgate/models"
)

// Channels is one guild's channel cache. The category-grouped ordered
// sequence is memoized into an observable store and recomputed only when a
// channel event touches the guild, never on read.
type Channels struct {
	client   *Client
	guild    *Guild
	settings []models.UserGuildSetting

	mu       sync.RWMutex
	channels map[string]*Channel

	sifted *store.Store[[]*Channel]

	offs      []func()
	ejectOnce sync.Once
}

func newChannels(initial []models.Channel, settings []models.UserGuildSetting, guild *Guild, client *Client) *Channels {
	c := &Channels{
		client:   client,
		guild:    guild,
		settings: settings,
		channels: make(map[string]*Channel),
	}
	for _, raw := range initial {
		c.put(raw)
	}
	c.sifted = store.New(c.sift())

	forGuild := func(fn func(raw models.Channel)) func(json.RawMessage) {
		return func(data json.RawMessage) {
			var raw models.Channel
			if err := json.Unmarshal(data, &raw); err != nil {
				log.Warn("⚠️ Dropping malformed channel event: %v", err)
				return
			}
			if raw.GuildID != guild.ID {
				return
			}
			fn(raw)
			c.sifted.Set(c.sift())
		}
	}

	c.offs = append(c.offs,
		client.On("t:channel_create", forGuild(func(raw models.Channel) { c.put(raw) })),
		client.On("t:channel_update", forGuild(func(raw models.Channel) { c.put(raw) })),
		client.On("t:channel_delete", forGuild(func(raw models.Channel) { c.remove(raw.ID) })),
	)
	return c
}

func (c *Channels) put(raw models.Channel) {
	c.mu.Lock()
	existing := c.channels[raw.ID]
	c.mu.Unlock()

	if existing != nil {
		existing.applyUpdate(raw)
		return
	}
	ch := newChannel(raw, c.settings, c.guild, c.client)
	c.mu.Lock()
	c.channels[raw.ID] = ch
	c.mu.Unlock()
}

func (c *Channels) remove(id string) {
	c.mu.Lock()
	ch := c.channels[id]
	delete(c.channels, id)
	c.mu.Unlock()
	if ch != nil {
		ch.eject()
	}
}

func (c *Channels) Get(id string) *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[id]
}

// Sifted is the memoized ordered channel sequence: channels grouped under
// their category header, positions ascending inside each group, groups
// ordered by their leading element's position, read-denied non-category
// channels excluded.
func (c *Channels) Sifted() *store.Store[[]*Channel] {
	return c.sifted
}

func (c *Channels) sift() []*Channel {
	c.mu.RLock()
	all := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		all = append(all, ch)
	}
	c.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Position() < all[j].Position() })

	// group key "" is the synthetic root for channels without a category
	groups := map[string][]*Channel{"": nil}
	order := []string{""}
	for _, ch := range all {
		if ch.Type() == models.ChannelTypeCategory {
			groups[ch.ID] = []*Channel{ch}
			order = append(order, ch.ID)
		}
	}

	for _, ch := range all {
		if ch.Type() != models.ChannelTypeText && ch.Type() != models.ChannelTypeAnnouncement {
			continue
		}
		// categories are never filtered by permission, their children are
		if read, ok := ch.RoleAccess()["read"]; ok && !read {
			continue
		}
		key := ch.ParentID()
		if _, known := groups[key]; !known {
			key = ""
		}
		groups[key] = append(groups[key], ch)
	}

	ordered := make([][]*Channel, 0, len(order))
	for _, key := range order {
		if group := groups[key]; len(group) > 0 {
			ordered = append(ordered, group)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i][0].Position() < ordered[j][0].Position()
	})

	flattened := make([]*Channel, 0, len(all))
	for _, group := range ordered {
		flattened = append(flattened, group...)
	}
	return flattened
}

func (c *Channels) Eject() {
	c.ejectOnce.Do(func() {
		for _, off := range c.offs {
			off()
		}
		c.mu.RLock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.mu.RUnlock()
		for _, ch := range channels {
			ch.eject()
		}
	})
}

// Channel is one guild channel: raw props, the message cache scoped to it,
// and a derived unread observable fed by the channel's read state.
type Channel struct {
	ID     string
	client *Client
	guild  *Guild

	mu       sync.RWMutex
	raw      models.Channel
	settings []models.UserGuildSetting

	Messages *MessageCache
	props    *store.Store[*models.Channel]
	unread   *store.Store[bool]

	offs      []func()
	ejectOnce sync.Once
}

func newChannel(raw models.Channel, settings []models.UserGuildSetting, guild *Guild, client *Client) *Channel {
	ch := &Channel{
		ID:       raw.ID,
		client:   client,
		guild:    guild,
		raw:      raw,
		settings: settings,
	}
	ch.props = store.New(&ch.raw)
	ch.Messages = newMessageCache(raw.ID, guild, client)
	ch.unread = store.New(false)

	if rs := client.ReadStates(); rs != nil {
		if listener := rs.Listen(raw.ID); listener != nil {
			ch.offs = append(ch.offs, listener.Subscribe(func(state models.ReadState) {
				ch.unread.Set(state.MentionCount > 0 || state.LastMessageID != ch.LastMessageID())
			}))
		}
	}
	return ch
}

// applyUpdate merges the payload into the held value; channel_update carries
// only the changed props, so absent fields must keep their cached value.
func (ch *Channel) applyUpdate(raw models.Channel) {
	ch.mu.Lock()
	ch.raw.Name = raw.Name
	ch.raw.Position = raw.Position
	ch.raw.ParentID = raw.ParentID
	if raw.Topic != "" {
		ch.raw.Topic = raw.Topic
	}
	if raw.LastMessageID != "" {
		ch.raw.LastMessageID = raw.LastMessageID
	}
	if raw.PermissionOverwrites != nil {
		ch.raw.PermissionOverwrites = raw.PermissionOverwrites
	}
	ch.mu.Unlock()
	ch.props.Notify()
}

func (ch *Channel) Props() *store.Store[*models.Channel] {
	return ch.props
}

// Unread reports mention backlog or last-message drift against the read
// state; false when the account has no read state for the channel.
func (ch *Channel) Unread() *store.Store[bool] {
	return ch.unread
}

func (ch *Channel) Name() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.raw.Name
}

func (ch *Channel) Position() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.raw.Position
}

func (ch *Channel) Type() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.raw.Type
}

func (ch *Channel) ParentID() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.raw.ParentID
}

func (ch *Channel) LastMessageID() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.raw.LastMessageID
}

// RoleAccess resolves the acting user's permissions on this channel.
func (ch *Channel) RoleAccess() RoleAccess {
	ch.mu.RLock()
	overwrites := append([]models.PermissionOverwrite(nil), ch.raw.PermissionOverwrites...)
	ch.mu.RUnlock()
	return ch.guild.RoleAccess(overwrites)
}

// IsMuted checks the per-channel override in the account's guild settings.
func (ch *Channel) IsMuted() bool {
	for _, s := range ch.settings {
		if s.GuildID != ch.guild.ID {
			continue
		}
		for _, o := range s.ChannelOverrides {
			if o.ChannelID == ch.ID {
				return o.Muted
			}
		}
	}
	return false
}

func (ch *Channel) eject() {
	ch.ejectOnce.Do(func() {
		for _, off := range ch.offs {
			off()
		}
		ch.Messages.Eject()
	})
}
