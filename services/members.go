package services

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"dgate/core/log"
	"dgate/core/store"
	"dgate/models"
)

const (
	// minimum spacing between bulk member requests
	memberRequestSpacing = 3 * time.Second
	// randomized delay before a scheduled flush, to spread request bursts
	memberFlushDelayBase   = time.Second
	memberFlushDelayJitter = time.Second
)

// memberFuture resolves once for all callers waiting on the same user id.
type memberFuture struct {
	done   chan struct{}
	member *Member
}

// Members is one guild's member cache, keyed by user id. Uncached lookups are
// coalesced into batched bulk requests instead of fetching immediately.
type Members struct {
	client *Client
	guild  *Guild

	mu          sync.Mutex
	profiles    map[string]*Member
	waiting     map[string]*memberFuture
	alreadySent map[string]bool
	lastRequest time.Time
	scheduled   bool

	// overridable in tests
	flushDelay func() time.Duration
	spacing    time.Duration

	offs      []func()
	ejectOnce sync.Once
}

func newMembers(initial []models.Member, guild *Guild, client *Client) *Members {
	m := &Members{
		client:      client,
		guild:       guild,
		profiles:    make(map[string]*Member),
		waiting:     make(map[string]*memberFuture),
		alreadySent: make(map[string]bool),
		flushDelay: func() time.Duration {
			return memberFlushDelayBase + time.Duration(rand.Int63n(int64(memberFlushDelayJitter)))
		},
		spacing: memberRequestSpacing,
	}
	for _, profile := range initial {
		m.add(profile)
	}

	m.offs = append(m.offs,
		client.On("t:guild_members_chunk", func(data json.RawMessage) {
			var event models.GuildMembersChunkEvent
			if err := json.Unmarshal(data, &event); err != nil {
				log.Warn("⚠️ Dropping malformed guild_members_chunk: %v", err)
				return
			}
			if event.GuildID != guild.ID {
				return
			}
			for _, profile := range event.Members {
				m.add(profile)
			}
		}),
		client.On("t:guild_member_add", func(data json.RawMessage) {
			var profile models.Member
			if err := json.Unmarshal(data, &profile); err != nil || profile.GuildID != guild.ID {
				return
			}
			m.add(profile)
		}),
		client.On("t:guild_member_update", func(data json.RawMessage) {
			var profile models.Member
			if err := json.Unmarshal(data, &profile); err != nil || profile.GuildID != guild.ID {
				return
			}
			m.update(profile)
		}),
		client.On("t:guild_member_remove", func(data json.RawMessage) {
			var event models.GuildMemberRemoveEvent
			if err := json.Unmarshal(data, &event); err != nil || event.GuildID != guild.ID {
				return
			}
			m.mu.Lock()
			delete(m.profiles, event.User.ID)
			m.mu.Unlock()
		}),
	)
	return m
}

// add inserts or mutates a profile and resolves any future waiting on it.
func (m *Members) add(profile models.Member) {
	userID := profile.User.ID
	if userID == "" {
		return
	}
	m.client.Users().Put(profile.User)

	m.mu.Lock()
	member := m.profiles[userID]
	if member == nil {
		member = newMember(profile, m.guild)
		m.profiles[userID] = member
	}
	future := m.waiting[userID]
	delete(m.waiting, userID)
	delete(m.alreadySent, userID)
	m.mu.Unlock()

	if future != nil {
		future.member = member
		close(future.done)
	} else if member != nil {
		member.applyUpdate(profile)
	}
}

func (m *Members) update(profile models.Member) {
	m.client.Users().Put(profile.User)
	m.mu.Lock()
	member := m.profiles[profile.User.ID]
	m.mu.Unlock()
	if member != nil {
		member.applyUpdate(profile)
	}
}

func (m *Members) Get(id string) (*Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.profiles[id]
	return member, ok
}

// Lazy returns the cached member, or registers a future and schedules a
// batched bulk request for every id waiting when the flush fires. The bound
// on waiting is the caller's context; an id already in flight is never
// re-requested.
func (m *Members) Lazy(ctx context.Context, userID string) (*Member, error) {
	m.mu.Lock()
	if member, ok := m.profiles[userID]; ok {
		m.mu.Unlock()
		return member, nil
	}
	future, pending := m.waiting[userID]
	if !pending {
		future = &memberFuture{done: make(chan struct{})}
		m.waiting[userID] = future
		m.scheduleFlushLocked()
	}
	m.mu.Unlock()

	select {
	case <-future.done:
		return future.member, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// scheduleFlushLocked arms the batch timer unless one is already armed. The
// randomized delay is pushed out to keep at least the minimum spacing from
// the previous bulk request.
func (m *Members) scheduleFlushLocked() {
	if m.scheduled {
		return
	}
	m.scheduled = true

	delay := m.flushDelay()
	if wait := m.spacing - time.Since(m.lastRequest); wait > delay {
		delay = wait
	}
	time.AfterFunc(delay, m.flush)
}

func (m *Members) flush() {
	m.mu.Lock()
	m.scheduled = false
	m.lastRequest = time.Now()
	userIDs := make([]string, 0, len(m.waiting))
	for id := range m.waiting {
		if !m.alreadySent[id] {
			userIDs = append(userIDs, id)
			m.alreadySent[id] = true
		}
	}
	m.mu.Unlock()

	if len(userIDs) == 0 {
		return
	}
	log.Debug("👥 Requesting %d members for guild %s", len(userIDs), m.guild.ID)
	if err := m.client.send(map[string]any{
		"op": 8,
		"d": map[string]any{
			"guild_id":  []string{m.guild.ID},
			"presences": true,
			"user_ids":  userIDs,
		},
	}); err != nil {
		log.Warn("❌ Failed to send member request: %v", err)
	}
}

func (m *Members) Eject() {
	m.ejectOnce.Do(func() {
		for _, off := range m.offs {
			off()
		}
	})
}

// Member is one per-guild server profile.
type Member struct {
	ID    string
	guild *Guild

	mu    sync.RWMutex
	raw   models.Member
	props *store.Store[*models.Member]
}

func newMember(raw models.Member, guild *Guild) *Member {
	m := &Member{
		ID:    raw.User.ID,
		guild: guild,
		raw:   raw,
	}
	m.props = store.New(&m.raw)
	return m
}

func (m *Member) applyUpdate(raw models.Member) {
	m.mu.Lock()
	m.raw.User = raw.User
	m.raw.Nick = raw.Nick
	if raw.Roles != nil {
		m.raw.Roles = raw.Roles
	}
	if raw.JoinedAt != "" {
		m.raw.JoinedAt = raw.JoinedAt
	}
	m.mu.Unlock()
	m.props.Notify()
}

func (m *Member) Props() *store.Store[*models.Member] {
	return m.props
}

func (m *Member) Nick() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.raw.Nick
}

func (m *Member) RoleIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.raw.Roles...)
}

// Color resolves the member's display color from the guild's role list.
func (m *Member) Color() (r, g, b int, ok bool) {
	return m.guild.MemberColor(m.ID)
}
