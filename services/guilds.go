package services

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"dgate/core/log"
	"dgate/core/store"
	"dgate/models"
	"dgate/utils"
)

// RoleAccess is the derived named-permission map for the acting user on one
// channel. Recomputed on demand, never cached: inputs change frequently and
// recomputation is cheap relative to staleness risk.
type RoleAccess map[string]bool

// permissionBits maps each permission bit to its name. Held as a slice so
// resolution walks it in a fixed order.
var permissionBits = []struct {
	bit  uint64
	name string
}{
	{8, "admin"},
	{64, "add_reactions"},
	{1024, "read"},
	{2048, "write"},
	{8192, "manage_messages"},
	{32768, "attach"},
	{65536, "history"},
	{131072, "ping_everyone"},
	{262144, "ext_emojis"},
	{17179869184, "manage_threads"},
	{34359738368, "make_pub_thread"},
	{68719476736, "make_priv_thread"},
	{137438953472, "ext_stickers"},
	{274877906944, "write_thread"},
}

// Guilds is the top-level guild cache, bound to guild create/update/delete
// dispatches for the life of the session.
type Guilds struct {
	client   *Client
	settings []models.UserGuildSetting

	mu     sync.RWMutex
	guilds map[string]*Guild

	offs      []func()
	ejectOnce sync.Once
}

func newGuilds(initial []models.Guild, settings []models.UserGuildSetting, client *Client) *Guilds {
	g := &Guilds{
		client:   client,
		settings: settings,
		guilds:   make(map[string]*Guild),
	}
	for _, raw := range initial {
		g.add(raw)
	}

	g.offs = append(g.offs,
		client.On("t:guild_create", func(data json.RawMessage) {
			var raw models.Guild
			if err := json.Unmarshal(data, &raw); err != nil {
				log.Warn("⚠️ Dropping malformed guild_create: %v", err)
				return
			}
			g.add(raw)
		}),
		client.On("t:guild_update", func(data json.RawMessage) {
			var raw models.Guild
			if err := json.Unmarshal(data, &raw); err != nil {
				log.Warn("⚠️ Dropping malformed guild_update: %v", err)
				return
			}
			if guild := g.Get(raw.ID); guild != nil {
				guild.applyUpdate(raw)
			}
		}),
		client.On("t:guild_delete", func(data json.RawMessage) {
			var raw struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &raw); err != nil {
				return
			}
			g.remove(raw.ID)
		}),
	)
	return g
}

func (g *Guilds) add(raw models.Guild) {
	if existing := g.Get(raw.ID); existing != nil {
		existing.applyUpdate(raw)
		return
	}
	guild := newGuild(raw, g.settings, g.client)
	g.mu.Lock()
	g.guilds[raw.ID] = guild
	g.mu.Unlock()
}

func (g *Guilds) remove(id string) {
	g.mu.Lock()
	guild := g.guilds[id]
	delete(g.guilds, id)
	g.mu.Unlock()
	if guild != nil {
		guild.eject()
	}
}

func (g *Guilds) Get(id string) *Guild {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.guilds[id]
}

func (g *Guilds) All() []*Guild {
	g.mu.RLock()
	defer g.mu.RUnlock()
	all := make([]*Guild, 0, len(g.guilds))
	for _, guild := range g.guilds {
		all = append(all, guild)
	}
	return all
}

// Eject detaches every event subscription, including the per-guild children.
// Safe to call more than once.
func (g *Guilds) Eject() {
	g.ejectOnce.Do(func() {
		for _, off := range g.offs {
			off()
		}
		for _, guild := range g.All() {
			guild.eject()
		}
	})
}

// Guild owns its channel and member caches. Its role list is kept sorted
// ascending by position after every mutation; permission resolution depends
// on that order.
type Guild struct {
	ID     string
	client *Client

	mu       sync.RWMutex
	raw      models.Guild
	settings []models.UserGuildSetting

	Channels *Channels
	Members  *Members

	props     *store.Store[*models.Guild]
	ejectOnce sync.Once
}

func newGuild(raw models.Guild, settings []models.UserGuildSetting, client *Client) *Guild {
	utils.AssertInvariant(raw.ID != "", "guild must have an id")

	g := &Guild{
		ID:       raw.ID,
		client:   client,
		raw:      raw,
		settings: settings,
	}
	g.sortRolesLocked()
	g.props = store.New(&g.raw)

	g.Members = newMembers(raw.Members, g, client)
	g.Channels = newChannels(raw.Channels, settings, g, client)
	return g
}

func (g *Guild) sortRolesLocked() {
	sort.SliceStable(g.raw.Roles, func(i, j int) bool {
		return g.raw.Roles[i].Position < g.raw.Roles[j].Position
	})
}

// applyUpdate mutates the held guild value in place so references observed
// through Props stay valid across updates.
func (g *Guild) applyUpdate(raw models.Guild) {
	g.mu.Lock()
	g.raw.Name = raw.Name
	g.raw.OwnerID = raw.OwnerID
	g.raw.Icon = raw.Icon
	if raw.Roles != nil {
		g.raw.Roles = raw.Roles
		g.sortRolesLocked()
	}
	g.mu.Unlock()
	g.props.Notify()
}

// Props is the subscribable view over the guild's raw value. The pointed-to
// value is mutated in place on updates.
func (g *Guild) Props() *store.Store[*models.Guild] {
	return g.props
}

func (g *Guild) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.raw.Name
}

func (g *Guild) OwnerID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.raw.OwnerID
}

// Roles returns the guild's roles sorted ascending by position.
func (g *Guild) Roles() []models.Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]models.Role(nil), g.raw.Roles...)
}

func (g *Guild) IsMuted() bool {
	for _, s := range g.settings {
		if s.GuildID == g.ID {
			return s.Muted
		}
	}
	return false
}

// Lazy issues the guild-subscription and bulk member-request control payloads
// for the given user ids, priming the member cache and server-side state
// tracking for this guild.
func (g *Guild) Lazy(userIDs []string) error {
	if err := g.client.send(map[string]any{
		"op": 14,
		"d": map[string]any{
			"guild_id":   g.ID,
			"activities": true,
			"threads":    false,
			"typing":     true,
		},
	}); err != nil {
		return err
	}
	return g.client.send(map[string]any{
		"op": 8,
		"d": map[string]any{
			"guild_id":  []string{g.ID},
			"query":     "",
			"limit":     100,
			"presences": false,
			"user_ids":  userIDs,
		},
	})
}

// MemberColor resolves the display color for a member: the first colored role
// they hold, in ascending position order, as RGB.
func (g *Guild) MemberColor(userID string) (r, gr, b int, ok bool) {
	member, found := g.Members.Get(userID)
	if !found {
		return 0, 0, 0, false
	}
	held := member.RoleIDs()

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, role := range g.raw.Roles {
		if role.Color > 0 && containsString(held, role.ID) {
			c := role.Color
			return c / (256 * 256), (c / 256) % 256, c % 256, true
		}
	}
	return 0, 0, 0, false
}

// RoleAccess resolves the acting user's named permissions against this
// guild's roles and the given channel overwrites. Roles apply ascending by
// position, restricted to held roles plus the implicit base role; the admin
// bit or guild ownership short-circuits to all-granted, skipping overwrites.
// Otherwise the base-role overwrite moves to the front of the overwrite list
// and each relevant overwrite clears its deny bits then sets its allow bits,
// last writer per bit winning.
func (g *Guild) RoleAccess(overwrites []models.PermissionOverwrite) RoleAccess {
	access := RoleAccess{}
	userID := g.client.UserID()
	if userID == "" {
		return access
	}

	held := []string{userID}
	if member, ok := g.Members.Get(userID); ok {
		held = append(member.RoleIDs(), userID)
	}

	g.mu.RLock()
	roles := append([]models.Role(nil), g.raw.Roles...)
	ownerID := g.raw.OwnerID
	g.mu.RUnlock()

	var baseRoleID string
	for _, role := range roles {
		isBase := role.Position == 0
		if isBase {
			baseRoleID = role.ID
		}
		if !isBase && !containsString(held, role.ID) {
			continue
		}
		bits := parsePermissions(role.Permissions)
		for _, p := range permissionBits {
			if bits&p.bit == p.bit {
				access[p.name] = true
			}
		}
	}

	if access["admin"] || ownerID == userID {
		for _, p := range permissionBits {
			access[p.name] = true
		}
		return access
	}

	ordered := append([]models.PermissionOverwrite(nil), overwrites...)
	if baseRoleID != "" {
		for i, o := range ordered {
			if o.ID == baseRoleID {
				ordered = append(ordered[:i], ordered[i+1:]...)
				ordered = append([]models.PermissionOverwrite{o}, ordered...)
				held = append([]string{baseRoleID}, held...)
				break
			}
		}
	}

	for _, o := range ordered {
		if !containsString(held, o.ID) {
			continue
		}
		deny := parsePermissions(o.Deny)
		allow := parsePermissions(o.Allow)
		for _, p := range permissionBits {
			if deny&p.bit == p.bit {
				access[p.name] = false
			}
			if allow&p.bit == p.bit {
				access[p.name] = true
			}
		}
	}
	return access
}

func (g *Guild) eject() {
	g.ejectOnce.Do(func() {
		g.Channels.Eject()
		g.Members.Eject()
	})
}

// parsePermissions parses a decimal-string permission bitmask. Malformed or
// absent masks degrade to zero rather than raising.
func parsePermissions(s string) uint64 {
	if s == "" {
		return 0
	}
	bits, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return bits
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
