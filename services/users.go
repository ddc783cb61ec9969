package services

import (
	"sync"

	"dgate/models"
)

// UserCache dedupes basic user payloads across guilds: member chunks, message
// authors, and DM recipients all funnel through here so every cache shares one
// copy of a user's profile data.
type UserCache struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewUserCache() *UserCache {
	return &UserCache{users: make(map[string]models.User)}
}

func (c *UserCache) Put(user models.User) {
	if user.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[user.ID] = user
}

func (c *UserCache) Get(id string) (models.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	user, ok := c.users[id]
	return user, ok
}

func (c *UserCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}
