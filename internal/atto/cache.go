package atto

import (
	"github.com/wallflowercc/wallflower-atto/internal/schema"
)

func tableCacheKey(name string) string {
	return "table:" + name
}

func (s *Store) getCachedTable(name string) (schema.Table, bool) {
	cached := s.cache.Get(tableCacheKey(name))
	if cached == nil {
		return schema.Table{}, false
	}
	return cached.Value().(schema.Table), true
}

// setCachedTable stores t and sweeps expired descriptors. The cache has no
// background janitor, so entries of streams that stopped being read are
// reclaimed here.
func (s *Store) setCachedTable(t schema.Table) {
	s.cache.DeleteExpired()
	s.cache.Set(tableCacheKey(t.Name), t, s.cfg.TableCacheTTL)
}

func (s *Store) invalidateCachedTable(name string) {
	s.cache.Delete(tableCacheKey(name))
}
