package models

// Raw wire entities as delivered by the gateway ready snapshot and dispatch
// events. Permission bitmasks travel as decimal strings and are parsed where
// they are consumed.

type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
}

type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist,omitempty"`
	Mentionable bool   `json:"mentionable,omitempty"`
}

type PermissionOverwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"`
	Allow string `json:"allow"`
	Deny  string `json:"deny"`
}

// ChannelTypeCategory channels act as group headers; other types nest under a
// category or under the guild root.
const (
	ChannelTypeText         = 0
	ChannelTypeDM           = 1
	ChannelTypeVoice        = 2
	ChannelTypeGroupDM      = 3
	ChannelTypeCategory     = 4
	ChannelTypeAnnouncement = 5
)

type Channel struct {
	ID                   string                `json:"id"`
	GuildID              string                `json:"guild_id,omitempty"`
	Type                 int                   `json:"type"`
	Name                 string                `json:"name,omitempty"`
	Position             int                   `json:"position"`
	ParentID             string                `json:"parent_id,omitempty"`
	Topic                string                `json:"topic,omitempty"`
	LastMessageID        string                `json:"last_message_id,omitempty"`
	PermissionOverwrites []PermissionOverwrite `json:"permission_overwrites,omitempty"`
}

type PrivateChannel struct {
	ID            string `json:"id"`
	Type          int    `json:"type"`
	Recipients    []User `json:"recipients,omitempty"`
	LastMessageID string `json:"last_message_id,omitempty"`
	OwnerID       string `json:"owner_id,omitempty"`
	Name          string `json:"name,omitempty"`
}

type Member struct {
	User     User     `json:"user"`
	GuildID  string   `json:"guild_id,omitempty"`
	Roles    []string `json:"roles"`
	Nick     string   `json:"nick,omitempty"`
	JoinedAt string   `json:"joined_at,omitempty"`
}

type Guild struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	OwnerID  string    `json:"owner_id"`
	Icon     string    `json:"icon,omitempty"`
	Roles    []Role    `json:"roles"`
	Channels []Channel `json:"channels"`
	Members  []Member  `json:"members"`
}

type Emoji struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Animated bool   `json:"animated,omitempty"`
}

// Identity returns the emoji's reaction key: its id when it is a custom emoji,
// its name otherwise.
func (e Emoji) Identity() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

type Reaction struct {
	Emoji Emoji `json:"emoji"`
	Count int   `json:"count"`
	Me    bool  `json:"me"`
}

type Message struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	GuildID         string     `json:"guild_id,omitempty"`
	Type            int        `json:"type"`
	Content         string     `json:"content"`
	Author          User       `json:"author"`
	Timestamp       string     `json:"timestamp,omitempty"`
	EditedTimestamp string     `json:"edited_timestamp,omitempty"`
	Mentions        []User     `json:"mentions,omitempty"`
	MentionRoles    []string   `json:"mention_roles,omitempty"`
	MentionEveryone bool       `json:"mention_everyone"`
	Pinned          bool       `json:"pinned,omitempty"`
	Flags           int        `json:"flags,omitempty"`
	Reactions       []Reaction `json:"reactions,omitempty"`
}

type ReadState struct {
	ID            string `json:"id"`
	LastMessageID string `json:"last_message_id"`
	MentionCount  int    `json:"mention_count"`
}

type ChannelOverride struct {
	ChannelID string `json:"channel_id"`
	Muted     bool   `json:"muted"`
}

type UserGuildSetting struct {
	GuildID          string            `json:"guild_id"`
	Muted            bool              `json:"muted"`
	ChannelOverrides []ChannelOverride `json:"channel_overrides"`
}

// ReadyEvent is the subset of the initial snapshot the cache layer
// materializes from.
type ReadyEvent struct {
	User              User               `json:"user"`
	Guilds            []Guild            `json:"guilds"`
	PrivateChannels   []PrivateChannel   `json:"private_channels"`
	ReadState         []ReadState        `json:"read_state"`
	UserGuildSettings []UserGuildSetting `json:"user_guild_settings"`
	SessionID         string             `json:"session_id,omitempty"`
}

// Dispatch event shapes that do not mirror a full entity.

type MessageDeleteEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

type MessageDeleteBulkEvent struct {
	IDs       []string `json:"ids"`
	ChannelID string   `json:"channel_id"`
	GuildID   string   `json:"guild_id,omitempty"`
}

type MessageReactionEvent struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Emoji     Emoji  `json:"emoji"`
}

type MessageReactionRemoveAllEvent struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

type MessageAckEvent struct {
	ChannelID    string `json:"channel_id"`
	MessageID    string `json:"message_id"`
	MentionCount int    `json:"mention_count,omitempty"`
}

type ChannelUnreadUpdateEvent struct {
	GuildID              string      `json:"guild_id"`
	ChannelUnreadUpdates []ReadState `json:"channel_unread_updates"`
}

type GuildMembersChunkEvent struct {
	GuildID    string   `json:"guild_id"`
	Members    []Member `json:"members"`
	NotFound   []string `json:"not_found,omitempty"`
	ChunkIndex int      `json:"chunk_index"`
	ChunkCount int      `json:"chunk_count"`
}

type GuildMemberRemoveEvent struct {
	GuildID string `json:"guild_id"`
	User    User   `json:"user"`
}
