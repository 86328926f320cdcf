package cache

import "time"

// GetOrSetTyped is a generic convenience wrapper around Cache.GetOrSet
// for call sites that know their value's concrete type, avoiding a type
// assertion at every call site.
func GetOrSetTyped[T any](c *Cache, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	v, err := c.GetOrSet(key, ttl, func() (any, bool, error) {
		val, err := fn()
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
