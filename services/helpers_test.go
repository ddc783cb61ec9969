package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"dgate/clients/rest"
	"dgate/core/events"
	"dgate/models"
)

// fakeBackend drives the cache layer without any transport: tests emit
// dispatch events directly and script request responses.
type fakeBackend struct {
	emitter *events.Emitter

	mu           sync.Mutex
	token        string
	sent         []json.RawMessage
	requestPaths []string

	// respond scripts Request; nil means every request fails
	respond func(path string, opts rest.Options) (json.RawMessage, error)

	// readyPayload, when set, is dispatched as t:ready from Init
	readyPayload any
	// closeOnInit simulates a connection dying before the snapshot
	closeOnInit bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{emitter: events.NewEmitter()}
}

func (b *fakeBackend) Login(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
	return nil
}

func (b *fakeBackend) Init() error {
	if b.closeOnInit {
		b.emitter.Emit("close", nil)
		return nil
	}
	if b.readyPayload != nil {
		data, err := json.Marshal(b.readyPayload)
		if err != nil {
			return err
		}
		b.emitter.Emit("t:ready", data)
	}
	return nil
}

func (b *fakeBackend) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, data)
	return nil
}

func (b *fakeBackend) Request(ctx context.Context, path string, opts rest.Options) (json.RawMessage, error) {
	b.mu.Lock()
	b.requestPaths = append(b.requestPaths, path)
	respond := b.respond
	b.mu.Unlock()
	if respond == nil {
		return nil, fmt.Errorf("unexpected request to %s", path)
	}
	return respond(path, opts)
}

func (b *fakeBackend) Subscribe(event string, fn events.Listener) func() {
	return b.emitter.On(event, fn)
}

func (b *fakeBackend) SubscribeAll(fn events.WildcardListener) func() {
	return b.emitter.OnAny(fn)
}

func (b *fakeBackend) Close() error {
	return nil
}

// emit dispatches one event with a JSON-marshaled payload, synchronously.
func (b *fakeBackend) emit(t *testing.T, event string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	b.emitter.Emit(event, data)
}

func (b *fakeBackend) sentPayloads(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.sent))
	for _, data := range b.sent {
		var payload map[string]any
		require.NoError(t, json.Unmarshal(data, &payload))
		out = append(out, payload)
	}
	return out
}

func (b *fakeBackend) requestedPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requestPaths...)
}

// permission masks used by fixtures
const (
	permAdmin   = "8"
	permRead    = "1024"
	permDefault = "101440" // read | write | attach | history | add_reactions
)

func baseSnapshot() models.ReadyEvent {
	return models.ReadyEvent{
		User: models.User{ID: "me", Username: "acting-user"},
		Guilds: []models.Guild{
			{
				ID:      "g1",
				Name:    "test guild",
				OwnerID: "owner",
				Roles: []models.Role{
					{ID: "g1", Name: "@everyone", Position: 0, Permissions: permRead},
				},
				Members: []models.Member{
					{User: models.User{ID: "me", Username: "acting-user"}, Roles: []string{}},
				},
				Channels: []models.Channel{
					{ID: "general", GuildID: "g1", Type: models.ChannelTypeText, Position: 0},
				},
			},
		},
		PrivateChannels: []models.PrivateChannel{
			{ID: "dm1", Type: models.ChannelTypeDM, Recipients: []models.User{{ID: "friend", Username: "friend"}}},
		},
		ReadState: []models.ReadState{
			{ID: "general", LastMessageID: "m1", MentionCount: 0},
			{ID: "dm1", LastMessageID: "m2", MentionCount: 0},
		},
	}
}

func newTestClient(t *testing.T, snapshot models.ReadyEvent) (*Client, *fakeBackend) {
	t.Helper()
	fb := newFakeBackend()
	fb.readyPayload = snapshot
	c := NewWithBackend(fb)
	require.NoError(t, c.Login(context.Background(), "test-token"))
	t.Cleanup(func() { _ = c.Close() })
	return c, fb
}
