package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"dgate/clients/gateway"
	"dgate/clients/rest"
	"dgate/core"
	"dgate/core/events"
	"dgate/core/log"
	"dgate/core/store"
	"dgate/models"
)

// Config selects how the client runs its transport.
type Config struct {
	// WorkerIsolated moves the protocol engine and request helper into a
	// dedicated worker goroutine behind the serialized bridge.
	WorkerIsolated bool

	// GatewayOptions are passed through to the protocol engine.
	GatewayOptions []gateway.Option
}

// Client is the session façade: it owns the login/logout lifecycle, the
// backend, and the cache layer built from the ready snapshot.
type Client struct {
	backend    gateway.Backend
	instanceID string

	users *UserCache
	ready *store.Store[bool]

	mu         sync.RWMutex
	user       models.User
	guilds     *Guilds
	dms        *DirectMessages
	readStates *ReadStates

	offs      []func()
	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config) *Client {
	var backend gateway.Backend
	if cfg.WorkerIsolated {
		backend = gateway.NewWorkerBackend(cfg.GatewayOptions...)
	} else {
		backend = gateway.NewLocalBackend(cfg.GatewayOptions...)
	}
	return NewWithBackend(backend)
}

func NewWithBackend(backend gateway.Backend) *Client {
	c := &Client{
		backend:    backend,
		instanceID: uuid.New().String(),
		users:      NewUserCache(),
		ready:      store.New(false),
	}
	c.offs = append(c.offs, backend.Subscribe(gateway.EventClose, func(json.RawMessage) {
		log.Warn("🔌 Gateway connection closed")
		c.ready.Set(false)
	}))
	return c
}

// Login stores credentials, opens the connection, and blocks until the ready
// snapshot has been applied to the cache layer or ctx expires.
func (c *Client) Login(ctx context.Context, token string) error {
	readyCh := make(chan struct{})
	closedCh := make(chan struct{})
	var once sync.Once
	var closedOnce sync.Once
	var buildErr error

	offReady := c.backend.Subscribe("t:ready", func(data json.RawMessage) {
		once.Do(func() {
			buildErr = c.applyReady(data)
			close(readyCh)
		})
	})
	defer offReady()
	offClose := c.backend.Subscribe(gateway.EventClose, func(json.RawMessage) {
		closedOnce.Do(func() { close(closedCh) })
	})
	defer offClose()

	if err := c.backend.Login(token); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	if err := c.backend.Init(); err != nil {
		return fmt.Errorf("failed to open gateway connection: %w", err)
	}

	select {
	case <-readyCh:
		if buildErr != nil {
			return buildErr
		}
		log.Info("✅ Session ready as %s", c.UserID())
		c.ready.Set(true)
		return nil
	case <-closedCh:
		return &core.SessionError{Message: "connection closed before the ready snapshot arrived"}
	case <-ctx.Done():
		return fmt.Errorf("login aborted: %w", ctx.Err())
	}
}

func (c *Client) applyReady(data json.RawMessage) error {
	var snapshot models.ReadyEvent
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return &core.ProtocolError{Message: "failed to decode ready snapshot", Err: err}
	}

	c.mu.Lock()
	c.user = snapshot.User
	c.mu.Unlock()
	c.users.Put(snapshot.User)

	// read states first: channels attach their unread listeners during
	// construction, and cache constructors read back through the client,
	// so each layer is published before the next one builds
	readStates := newReadStates(snapshot.ReadState, c)
	c.mu.Lock()
	c.readStates = readStates
	c.mu.Unlock()

	guilds := newGuilds(snapshot.Guilds, snapshot.UserGuildSettings, c)
	dms := newDirectMessages(snapshot.PrivateChannels, c)
	c.mu.Lock()
	c.guilds = guilds
	c.dms = dms
	c.mu.Unlock()

	log.Info("📦 Snapshot applied: %d guilds, %d private channels, %d read states",
		len(snapshot.Guilds), len(snapshot.PrivateChannels), len(snapshot.ReadState))
	return nil
}

// Ready is subscribable: true after a successful login, false once the
// connection closes or the client logs out.
func (c *Client) Ready() *store.Store[bool] {
	return c.ready
}

func (c *Client) InstanceID() string {
	return c.instanceID
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.ID
}

func (c *Client) User() models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) Users() *UserCache {
	return c.users
}

func (c *Client) Guilds() *Guilds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guilds
}

func (c *Client) DirectMessages() *DirectMessages {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dms
}

func (c *Client) ReadStates() *ReadStates {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readStates
}

// On subscribes to a backend event ("t:<type>" dispatches or "close").
func (c *Client) On(event string, fn events.Listener) func() {
	return c.backend.Subscribe(event, fn)
}

func (c *Client) OnAny(fn events.WildcardListener) func() {
	return c.backend.SubscribeAll(fn)
}

// Request proxies an authenticated one-shot request through the backend.
func (c *Client) Request(ctx context.Context, path string, opts rest.Options) (json.RawMessage, error) {
	return c.backend.Request(ctx, path, opts)
}

func (c *Client) send(v any) error {
	return c.backend.Send(v)
}

// Logout ejects every cache and closes the backend. Idempotent.
func (c *Client) Logout() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		guilds, dms, readStates := c.guilds, c.dms, c.readStates
		c.mu.Unlock()

		if guilds != nil {
			guilds.Eject()
		}
		if dms != nil {
			dms.Eject()
		}
		if readStates != nil {
			readStates.Eject()
		}
		for _, off := range c.offs {
			off()
		}
		c.ready.Set(false)
		c.closeErr = c.backend.Close()
		log.Info("👋 Session closed")
	})
	return c.closeErr
}

func (c *Client) Close() error {
	return c.Logout()
}
