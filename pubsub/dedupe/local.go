package dedupe

import (
	"context"
	"time"

	"github.com/coocood/freecache"
)

// Local keeps claims in an in-process freecache. Claims are lost on restart and
// are not shared between processes.
type Local struct {
	cache *freecache.Cache
	ttl   int
}

// NewLocal claims ids for ttl, rounded down to whole seconds. A ttl under one
// second keeps claims until the cache evicts them.
func NewLocal(cache *freecache.Cache, ttl time.Duration) *Local {
	return &Local{cache: cache, ttl: int(ttl.Seconds())}
}

func (l *Local) Claim(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	// GetOrSet is atomic per segment; a nil result means the key was absent.
	prev, err := l.cache.GetOrSet([]byte(id), []byte(claimValue), l.ttl)
	if err != nil {
		return false, err
	}
	return prev == nil, nil
}

func (l *Local) Release(_ context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	l.cache.Del([]byte(id))
	return nil
}
