package stringinterner

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// StringInterner hands out one shared copy of each recently seen string. Trace ids arrive in every
// message for the lifetime of a trace, so keeping a single backing array per id keeps long-lived
// maps small.
type StringInterner struct {
	lru *lru.Cache
}

func New(cacheSize int) (*StringInterner, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "error creating interner of size %d", cacheSize)
	}
	return &StringInterner{lru: cache}, nil
}

// Intern returns the cached copy of s, caching s if it was not present.
func (interner *StringInterner) Intern(s string) string {
	if existing, ok, _ := interner.lru.PeekOrAdd(s, s); ok {
		return existing.(string)
	}
	return s
}

func (interner *StringInterner) Len() int {
	return interner.lru.Len()
}
