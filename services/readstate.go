package services

import (
	"encoding/json"
	"sync"

	"dgate/core/log"
	"dgate/core/store"
	"dgate/models"
)

// ReadStates tracks the last-read pointer and mention count per channel.
// Three inputs mutate it: server acknowledgement events replace pointer and
// count outright, server unread-update batches replace the pointer when
// changed, and the message cache optimistically adds to the mention count for
// just-observed pings until the server reconciles.
type ReadStates struct {
	client *Client

	mu        sync.Mutex
	states    map[string]*models.ReadState
	listeners map[string]*store.Store[models.ReadState]

	offs      []func()
	ejectOnce sync.Once
}

func newReadStates(initial []models.ReadState, client *Client) *ReadStates {
	r := &ReadStates{
		client:    client,
		states:    make(map[string]*models.ReadState),
		listeners: make(map[string]*store.Store[models.ReadState]),
	}
	for _, state := range initial {
		s := state
		r.states[s.ID] = &s
	}

	r.offs = append(r.offs,
		client.On("t:message_ack", func(data json.RawMessage) {
			var event models.MessageAckEvent
			if err := json.Unmarshal(data, &event); err != nil {
				log.Warn("⚠️ Dropping malformed message_ack: %v", err)
				return
			}
			r.applyAck(event)
		}),
		client.On("t:channel_unread_update", func(data json.RawMessage) {
			var event models.ChannelUnreadUpdateEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return
			}
			for _, update := range event.ChannelUnreadUpdates {
				r.applyUnreadUpdate(update)
			}
		}),
	)
	return r
}

func (r *ReadStates) applyAck(event models.MessageAckEvent) {
	r.mu.Lock()
	state := r.states[event.ChannelID]
	changed := false
	if state != nil {
		changed = state.LastMessageID != event.MessageID
		state.LastMessageID = event.MessageID
		state.MentionCount = event.MentionCount
	}
	r.mu.Unlock()
	if changed {
		r.notify(event.ChannelID)
	}
}

func (r *ReadStates) applyUnreadUpdate(update models.ReadState) {
	r.mu.Lock()
	state := r.states[update.ID]
	changed := state != nil && state.LastMessageID != update.LastMessageID
	if changed {
		state.LastMessageID = update.LastMessageID
	}
	r.mu.Unlock()
	if changed {
		r.notify(update.ID)
	}
}

// IncrementMentions adds to (never replaces) a channel's mention count.
// Unknown channels degrade to a no-op.
func (r *ReadStates) IncrementMentions(channelID string, n int) {
	r.mu.Lock()
	state := r.states[channelID]
	if state != nil {
		state.MentionCount += n
	}
	r.mu.Unlock()
	if state != nil {
		r.notify(channelID)
	}
}

func (r *ReadStates) notify(channelID string) {
	r.mu.Lock()
	listener := r.listeners[channelID]
	var value models.ReadState
	if listener != nil {
		value = *r.states[channelID]
	}
	r.mu.Unlock()
	if listener != nil {
		listener.Set(value)
	}
}

// Get returns a copy of the channel's read state.
func (r *ReadStates) Get(channelID string) (models.ReadState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.states[channelID]
	if state == nil {
		return models.ReadState{}, false
	}
	return *state, true
}

// Listen returns the cached per-channel observable, or nil when the account
// has no read state for the channel.
func (r *ReadStates) Listen(channelID string) *store.Store[models.ReadState] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if listener := r.listeners[channelID]; listener != nil {
		return listener
	}
	state := r.states[channelID]
	if state == nil {
		return nil
	}
	listener := store.New(*state)
	r.listeners[channelID] = listener
	return listener
}

func (r *ReadStates) Eject() {
	r.ejectOnce.Do(func() {
		for _, off := range r.offs {
			off()
		}
	})
}
