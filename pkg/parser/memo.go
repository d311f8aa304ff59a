package parser

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memo caches Parse results per exact input string. Parsing the same release
// name is common both within one request (name vs filename) and across
// requests for popular titles, and Parse is pure, so sharing is safe.
//
// The returned *File is shared between callers and must be treated as
// read-only; copy the struct before modifying it.
type Memo struct {
	cache *gocache.Cache
}

func NewMemo(ttl time.Duration) *Memo {
	return &Memo{
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (m *Memo) Parse(name string) *File {
	if v, found := m.cache.Get(name); found {
		f, _ := v.(*File)
		return f
	}
	f := Parse(name)
	m.cache.Set(name, f, gocache.DefaultExpiration)
	return f
}
