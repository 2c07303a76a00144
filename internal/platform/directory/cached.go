package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/messaging/internal/platform/cache"
)

const keyPrefix = "directory:user:"

// CachedDirectory is a read-through cache in front of another Directory.
// Cache failures degrade to direct lookups.
type CachedDirectory struct {
	next   Directory
	cache  cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedDirectory(next Directory, c cache.Cache, ttl time.Duration, logger zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, cache: c, ttl: ttl, logger: logger}
}

func (d *CachedDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	key := keyPrefix + id

	raw, err := d.cache.Get(ctx, key)
	switch {
	case err == nil:
		var u User
		if jsonErr := json.Unmarshal([]byte(raw), &u); jsonErr == nil {
			return &u, nil
		}
		d.logger.Warn().Str("user_id", id).Msg("discarding undecodable cached user")
	case !errors.Is(err, cache.ErrMiss):
		d.logger.Warn().Err(err).Str("user_id", id).Msg("directory cache read failed")
	}

	u, err := d.next.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(u); err == nil {
		if err := d.cache.Set(ctx, key, string(data), d.ttl); err != nil {
			d.logger.Warn().Err(err).Str("user_id", id).Msg("directory cache write failed")
		}
	}
	return u, nil
}
