package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dgate/clients/rest"
	"dgate/core/log"
	"dgate/core/store"
	"dgate/models"
)

const (
	// cache untouched longer than this is refilled when observation resumes
	messageStaleThreshold = 3 * time.Minute
	messagePageLimit      = 50
)

// Message is one cached message: raw props, the tombstone flag, and the
// per-emoji reaction map.
type Message struct {
	ID string

	mu        sync.RWMutex
	raw       models.Message
	deleted   bool
	reactions map[string]*models.Reaction
}

func newMessage(raw models.Message) *Message {
	m := &Message{
		ID:        raw.ID,
		raw:       raw,
		reactions: make(map[string]*models.Reaction),
	}
	for _, r := range raw.Reactions {
		reaction := r
		m.reactions[r.Emoji.Identity()] = &reaction
	}
	return m
}

func (m *Message) Raw() models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.raw
}

func (m *Message) Content() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.raw.Content
}

// Deleted reports the tombstone flag; only ever true on caches that keep
// deleted messages.
func (m *Message) Deleted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleted
}

// Reaction returns the aggregate state for one emoji identity.
func (m *Message) Reaction(identity string) (models.Reaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reactions[identity]
	if !ok {
		return models.Reaction{}, false
	}
	return *r, true
}

func (m *Message) applyUpdate(raw models.Message) {
	m.mu.Lock()
	if raw.Content != m.raw.Content {
		m.raw.Content = raw.Content
		m.raw.EditedTimestamp = raw.EditedTimestamp
	}
	m.raw.Pinned = raw.Pinned
	m.raw.Flags = raw.Flags
	if raw.Mentions != nil {
		m.raw.Mentions = raw.Mentions
	}
	if raw.MentionRoles != nil {
		m.raw.MentionRoles = raw.MentionRoles
	}
	m.raw.MentionEveryone = raw.MentionEveryone
	m.mu.Unlock()
}

// MessageCache is the append-only ordered message list for one channel. The
// guild is nil for direct-message channels, which also disables role and
// broadcast pings.
type MessageCache struct {
	client    *Client
	guild     *Guild
	channelID string

	// KeepDeleted switches deletions from physical removal to tombstoning.
	// Cache-wide; set before events flow.
	KeepDeleted bool

	mu      sync.Mutex
	msgs    []*Message
	index   map[string]*Message
	touched time.Time

	state *store.Store[[]*Message]

	offs      []func()
	ejectOnce sync.Once
}

func newMessageCache(channelID string, guild *Guild, client *Client) *MessageCache {
	c := &MessageCache{
		client:    client,
		guild:     guild,
		channelID: channelID,
		index:     make(map[string]*Message),
		touched:   time.Now(),
	}
	c.state = store.New([]*Message{})
	c.state.OnActivate = c.maybeRefill

	forChannel := func(fn func(json.RawMessage)) func(json.RawMessage) {
		return func(data json.RawMessage) {
			var probe struct {
				ChannelID string `json:"channel_id"`
			}
			if err := json.Unmarshal(data, &probe); err != nil || probe.ChannelID != channelID {
				return
			}
			fn(data)
		}
	}

	c.offs = append(c.offs,
		client.On("t:message_create", forChannel(c.handleCreate)),
		client.On("t:message_update", forChannel(c.handleUpdate)),
		client.On("t:message_delete", forChannel(c.handleDelete)),
		client.On("t:message_delete_bulk", forChannel(c.handleDeleteBulk)),
		client.On("t:message_reaction_add", forChannel(c.handleReactionAdd)),
		client.On("t:message_reaction_remove", forChannel(c.handleReactionRemove)),
		client.On("t:message_reaction_remove_all", forChannel(c.handleReactionRemoveAll)),
	)
	return c
}

// State is the subscribable ordered message slice. Attaching the first
// subscriber triggers a refill when the cache has gone stale.
func (c *MessageCache) State() *store.Store[[]*Message] {
	return c.state
}

// publish pushes a snapshot of the current list into the store. The slice
// header changes on append/prepend/delete, so subscribers always get a fresh
// copy rather than a re-delivered stale one.
func (c *MessageCache) publish() {
	c.mu.Lock()
	snapshot := append([]*Message(nil), c.msgs...)
	c.mu.Unlock()
	c.state.Set(snapshot)
}

func (c *MessageCache) All() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.msgs...)
}

func (c *MessageCache) Get(id string) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.index[id]
	return m, ok
}

func (c *MessageCache) handleCreate(data json.RawMessage) {
	var raw models.Message
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn("⚠️ Dropping malformed message_create: %v", err)
		return
	}
	if !c.append(raw) {
		return
	}
	if c.WouldPing(raw, true) {
		c.client.ReadStates().IncrementMentions(c.channelID, 1)
	}
}

// append adds one message at the tail, deduplicated by id. Reports whether
// the message was new.
func (c *MessageCache) append(raw models.Message) bool {
	c.mu.Lock()
	if _, dup := c.index[raw.ID]; dup {
		c.mu.Unlock()
		return false
	}
	m := newMessage(raw)
	c.msgs = append(c.msgs, m)
	c.index[raw.ID] = m
	c.touched = time.Now()
	c.mu.Unlock()
	c.publish()
	return true
}

func (c *MessageCache) handleUpdate(data json.RawMessage) {
	var raw models.Message
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	c.mu.Lock()
	m := c.index[raw.ID]
	c.touched = time.Now()
	c.mu.Unlock()
	if m == nil {
		return
	}
	m.applyUpdate(raw)
	c.publish()
}

func (c *MessageCache) handleDelete(data json.RawMessage) {
	var event models.MessageDeleteEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	c.deleteByID(event.ID)
}

func (c *MessageCache) handleDeleteBulk(data json.RawMessage) {
	var event models.MessageDeleteBulkEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	for _, id := range event.IDs {
		c.deleteByID(id)
	}
}

func (c *MessageCache) deleteByID(id string) {
	c.mu.Lock()
	m := c.index[id]
	if m == nil {
		c.mu.Unlock()
		return
	}
	c.touched = time.Now()
	if c.KeepDeleted {
		c.mu.Unlock()
		m.mu.Lock()
		m.deleted = true
		m.mu.Unlock()
	} else {
		delete(c.index, id)
		for i, cur := range c.msgs {
			if cur.ID == id {
				c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
	c.publish()
}

func (c *MessageCache) handleReactionAdd(data json.RawMessage) {
	var event models.MessageReactionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	m, ok := c.Get(event.MessageID)
	if !ok {
		return
	}
	me := event.UserID == c.client.UserID()

	m.mu.Lock()
	identity := event.Emoji.Identity()
	r := m.reactions[identity]
	if r == nil {
		r = &models.Reaction{Emoji: event.Emoji}
		m.reactions[identity] = r
	}
	r.Count++
	if me {
		r.Me = true
	}
	m.mu.Unlock()

	c.touch()
	c.publish()
}

func (c *MessageCache) handleReactionRemove(data json.RawMessage) {
	var event models.MessageReactionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	m, ok := c.Get(event.MessageID)
	if !ok {
		return
	}
	me := event.UserID == c.client.UserID()

	m.mu.Lock()
	identity := event.Emoji.Identity()
	if r := m.reactions[identity]; r != nil {
		r.Count--
		if me {
			r.Me = false
		}
		if r.Count <= 0 {
			delete(m.reactions, identity)
		}
	}
	m.mu.Unlock()

	c.touch()
	c.publish()
}

func (c *MessageCache) handleReactionRemoveAll(data json.RawMessage) {
	var event models.MessageReactionRemoveAllEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	m, ok := c.Get(event.MessageID)
	if !ok {
		return
	}
	m.mu.Lock()
	m.reactions = make(map[string]*models.Reaction)
	m.mu.Unlock()

	c.touch()
	c.publish()
}

func (c *MessageCache) touch() {
	c.mu.Lock()
	c.touched = time.Now()
	c.mu.Unlock()
}

// WouldPing reports whether the message notifies the acting user: broadcast
// mention, explicit mention, or a mentioned role the user holds. Role and
// broadcast pings never apply in direct messages; the channel-mute check
// gates role mentions only for live, just-arrived messages, never
// retroactively.
func (c *MessageCache) WouldPing(raw models.Message, live bool) bool {
	userID := c.client.UserID()
	if raw.Author.ID == userID {
		return false
	}
	for _, u := range raw.Mentions {
		if u.ID == userID {
			return true
		}
	}
	if c.guild == nil {
		return false
	}
	if raw.MentionEveryone {
		return true
	}
	if len(raw.MentionRoles) == 0 {
		return false
	}
	if live && c.channelMuted() {
		return false
	}
	member, ok := c.guild.Members.Get(userID)
	if !ok {
		return false
	}
	for _, roleID := range member.RoleIDs() {
		if containsString(raw.MentionRoles, roleID) {
			return true
		}
	}
	return false
}

func (c *MessageCache) channelMuted() bool {
	if c.guild == nil {
		return false
	}
	if ch := c.guild.Channels.Get(c.channelID); ch != nil {
		return ch.IsMuted()
	}
	return false
}

// LoadBefore fetches one history page strictly before the oldest cached
// message and prepends it, preserving ascending order. Returns the number of
// messages added.
func (c *MessageCache) LoadBefore(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = messagePageLimit
	}
	c.mu.Lock()
	oldest := ""
	if len(c.msgs) > 0 {
		oldest = c.msgs[0].ID
	}
	c.mu.Unlock()

	path := fmt.Sprintf("channels/%s/messages?limit=%d", c.channelID, limit)
	if oldest != "" {
		path = fmt.Sprintf("channels/%s/messages?before=%s&limit=%d", c.channelID, oldest, limit)
	}
	data, err := c.client.Request(ctx, path, rest.Options{Method: "GET"})
	if err != nil {
		return 0, fmt.Errorf("failed to load message history: %w", err)
	}

	var page []models.Message
	if err := json.Unmarshal(data, &page); err != nil {
		return 0, fmt.Errorf("failed to decode message history: %w", err)
	}

	// pages arrive newest-first; reverse before prepending
	added := 0
	c.mu.Lock()
	prefix := make([]*Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		raw := page[i]
		if _, dup := c.index[raw.ID]; dup {
			continue
		}
		m := newMessage(raw)
		prefix = append(prefix, m)
		c.index[raw.ID] = m
		added++
	}
	c.msgs = append(prefix, c.msgs...)
	c.touched = time.Now()
	c.mu.Unlock()

	if added > 0 {
		c.publish()
	}
	return added, nil
}

// maybeRefill runs when observation resumes: a cache untouched past the
// staleness threshold fetches forward from its newest message.
func (c *MessageCache) maybeRefill() {
	c.mu.Lock()
	stale := time.Since(c.touched) > messageStaleThreshold
	newest := ""
	if len(c.msgs) > 0 {
		newest = c.msgs[len(c.msgs)-1].ID
	}
	c.mu.Unlock()

	if !stale || newest == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.refillAfter(ctx, newest); err != nil {
			log.Warn("⚠️ Stale-channel refill failed for %s: %v", c.channelID, err)
		}
	}()
}

func (c *MessageCache) refillAfter(ctx context.Context, newest string) error {
	path := fmt.Sprintf("channels/%s/messages?after=%s&limit=%d", c.channelID, newest, messagePageLimit)
	data, err := c.client.Request(ctx, path, rest.Options{Method: "GET"})
	if err != nil {
		return err
	}
	var page []models.Message
	if err := json.Unmarshal(data, &page); err != nil {
		return err
	}
	for i := len(page) - 1; i >= 0; i-- {
		c.append(page[i])
	}
	return nil
}

// Ack posts a read acknowledgement for the newest cached message.
func (c *MessageCache) Ack(ctx context.Context) error {
	c.mu.Lock()
	newest := ""
	if len(c.msgs) > 0 {
		newest = c.msgs[len(c.msgs)-1].ID
	}
	c.mu.Unlock()
	if newest == "" {
		return nil
	}
	path := fmt.Sprintf("channels/%s/messages/%s/ack", c.channelID, newest)
	_, err := c.client.Request(ctx, path, rest.Options{
		Method: "POST",
		Body:   map[string]any{"token": nil},
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge message %s: %w", newest, err)
	}
	return nil
}

func (c *MessageCache) Eject() {
	c.ejectOnce.Do(func() {
		for _, off := range c.offs {
			off()
		}
	})
}
