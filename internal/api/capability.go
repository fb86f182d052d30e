package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// CapabilityDefinition returns the schema for (id, version). Definitions are
// cached for the life of the client and never re-fetched. Concurrent callers
// asking for the same uncached key share one fetch. Failures are not cached.
func (c *Client) CapabilityDefinition(ctx context.Context, id string, version int) (*CapabilityDefinition, error) {
	if version <= 0 {
		version = 1
	}
	key := capKey{id: id, version: version}

	c.mu.RLock()
	def, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	v, err, _ := c.group.Do(id+"/"+strconv.Itoa(version), func() (any, error) {
		c.mu.RLock()
		def, ok := c.cache[key]
		c.mu.RUnlock()
		if ok {
			return def, nil
		}

		if c.defs != nil {
			if stored, err := c.defs.GetCapabilityDefinition(id, version); err == nil && stored != nil {
				c.remember(key, stored)
				return stored, nil
			}
		}

		var fetched CapabilityDefinition
		path := "/capabilities/" + url.PathEscape(id) + "/" + strconv.Itoa(version)
		if err := c.do(ctx, http.MethodGet, path, nil, &fetched); err != nil {
			return nil, fmt.Errorf("capability %s/%d: %w", id, version, err)
		}
		if fetched.ID == "" {
			fetched.ID = id
		}
		if fetched.Version == 0 {
			fetched.Version = version
		}
		c.remember(key, &fetched)

		if c.defs != nil {
			if err := c.defs.SaveCapabilityDefinition(&fetched); err != nil {
				c.logger.Warn("persist capability definition", "capability", id, "version", version, "err", err)
			}
		}
		return &fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CapabilityDefinition), nil
}

func (c *Client) remember(key capKey, def *CapabilityDefinition) {
	c.mu.Lock()
	c.cache[key] = def
	c.mu.Unlock()
}
