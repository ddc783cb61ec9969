package services

import (
	"encoding/json"
	"sync"

	"dgate/core/log"
	"dgate/core/store"
	"dgate/models"
)

// DirectMessages is the DM pseudo-guild: a flat channel cache over the ready
// snapshot's private channels, bound to DM channel create/delete events.
type DirectMessages struct {
	client *Client

	mu       sync.RWMutex
	channels map[string]*DMChannel

	offs      []func()
	ejectOnce sync.Once
}

func newDirectMessages(initial []models.PrivateChannel, client *Client) *DirectMessages {
	d := &DirectMessages{
		client:   client,
		channels: make(map[string]*DMChannel),
	}
	for _, raw := range initial {
		d.put(raw)
	}

	isPrivate := func(t int) bool {
		return t == models.ChannelTypeDM || t == models.ChannelTypeGroupDM
	}

	d.offs = append(d.offs,
		client.On("t:channel_create", func(data json.RawMessage) {
			var raw models.PrivateChannel
			if err := json.Unmarshal(data, &raw); err != nil {
				log.Warn("⚠️ Dropping malformed channel_create: %v", err)
				return
			}
			if isPrivate(raw.Type) {
				d.put(raw)
			}
		}),
		client.On("t:channel_delete", func(data json.RawMessage) {
			var raw models.PrivateChannel
			if err := json.Unmarshal(data, &raw); err != nil {
				return
			}
			if isPrivate(raw.Type) {
				d.remove(raw.ID)
			}
		}),
	)
	return d
}

func (d *DirectMessages) put(raw models.PrivateChannel) {
	for _, u := range raw.Recipients {
		d.client.Users().Put(u)
	}

	d.mu.Lock()
	existing := d.channels[raw.ID]
	d.mu.Unlock()
	if existing != nil {
		existing.applyUpdate(raw)
		return
	}

	ch := newDMChannel(raw, d.client)
	d.mu.Lock()
	d.channels[raw.ID] = ch
	d.mu.Unlock()
}

func (d *DirectMessages) remove(id string) {
	d.mu.Lock()
	ch := d.channels[id]
	delete(d.channels, id)
	d.mu.Unlock()
	if ch != nil {
		ch.eject()
	}
}

func (d *DirectMessages) Get(id string) *DMChannel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channels[id]
}

func (d *DirectMessages) All() []*DMChannel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	all := make([]*DMChannel, 0, len(d.channels))
	for _, ch := range d.channels {
		all = append(all, ch)
	}
	return all
}

func (d *DirectMessages) Eject() {
	d.ejectOnce.Do(func() {
		for _, off := range d.offs {
			off()
		}
		for _, ch := range d.All() {
			ch.eject()
		}
	})
}

// DMChannel is one private channel. Its message cache has no guild, so DM
// messages never role- or broadcast-ping; explicit mentions still count.
type DMChannel struct {
	ID     string
	client *Client

	mu  sync.RWMutex
	raw models.PrivateChannel

	Messages *MessageCache
	props    *store.Store[*models.PrivateChannel]
	unread   *store.Store[bool]

	offs      []func()
	ejectOnce sync.Once
}

func newDMChannel(raw models.PrivateChannel, client *Client) *DMChannel {
	ch := &DMChannel{
		ID:     raw.ID,
		client: client,
		raw:    raw,
	}
	ch.props = store.New(&ch.raw)
	ch.Messages = newMessageCache(raw.ID, nil, client)
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

func (ch *DMChannel) applyUpdate(raw models.PrivateChannel) {
	ch.mu.Lock()
	id := ch.raw.ID
	ch.raw = raw
	ch.raw.ID = id
	ch.mu.Unlock()
	ch.props.Notify()
}

func (ch *DMChannel) Props() *store.Store[*models.PrivateChannel] {
	return ch.props
}

func (ch *DMChannel) Unread() *store.Store[bool] {
	return ch.unread
}

func (ch *DMChannel) LastMessageID() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.raw.LastMessageID
}

func (ch *DMChannel) Recipients() []models.User {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return append([]models.User(nil), ch.raw.Recipients...)
}

func (ch *DMChannel) eject() {
	ch.ejectOnce.Do(func() {
		for _, off := range ch.offs {
			off()
		}
		ch.Messages.Eject()
	})
}
