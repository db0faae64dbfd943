// Package negcache remembers recent loader failures for a short time so that
// a key whose source keeps failing is not reloaded on every request.
package negcache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache maps keys to the error their last load returned.
type Cache struct {
	lru *expirable.LRU[string, error]
}

// New creates a negative cache holding at most size keys, each for ttl.
// A size of zero means unbounded.
func New(size int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[string, error](size, nil, ttl)}
}

// Remember records that loading key failed with err.
func (c *Cache) Remember(key string, err error) {
	c.lru.Add(key, err)
}

// Lookup returns the remembered error for key, or nil if there is none or
// it has expired.
func (c *Cache) Lookup(key string) error {
	err, _ := c.lru.Get(key)
	return err
}

// Forget drops any remembered failure for key.
func (c *Cache) Forget(key string) {
	c.lru.Remove(key)
}

// Len returns the number of remembered failures, expired ones not yet
// reaped included.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge forgets everything.
func (c *Cache) Purge() {
	c.lru.Purge()
}
