// Package cache implements the ConflictCache (spec §4.C, component C): a
// fixed-memory, set-associative map from row fingerprint to the latest
// commit-timestamp that wrote it. It is private to the single-threaded
// CommitDecider (spec §5) and therefore needs no locking.
package cache

// Config configures a Cache's geometry (spec §6: "cache.size",
// "cache.associativity").
type Config struct {
	Sets          int
	Associativity int
}

func (c Config) withDefaults() Config {
	if c.Sets <= 0 {
		c.Sets = 1 << 16
	}
	if c.Associativity <= 0 {
		c.Associativity = 4
	}
	return c
}

// Cache is the set-associative conflict cache, grounded on
// original_source's LongCache.java: a single flat []uint64 of length
// 2*(size+associativity), where a key's associativity-wide probe window
// starts at its hashed index and slides forward through the array without
// wrapping, overlapping the windows of adjacent indices rather than
// partitioning the array into disjoint way-groups (spec §3, §4.C). Word
// layout per slot: [fingerprint, value].
type Cache struct {
	size int
	ways int
	data []uint64
}

// New builds an empty Cache with the given geometry.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		size: cfg.Sets,
		ways: cfg.Associativity,
		data: make([]uint64, 2*(cfg.Sets+cfg.Associativity)),
	}
}

func (c *Cache) index(fingerprint uint64) int {
	return int(fingerprint % uint64(c.size))
}

// Get returns the stored commit-ts for fingerprint, or 0 if absent.
func (c *Cache) Get(fingerprint uint64) uint64 {
	index := c.index(fingerprint)
	for i := 0; i < c.ways; i++ {
		off := 2 * (index + i)
		if c.data[off] == fingerprint {
			return c.data[off+1]
		}
	}
	return 0
}

// Set inserts fingerprint -> commitTs into its probe window, overwriting an
// existing slot for fingerprint in place, or otherwise evicting the slot
// holding the smallest stored value in the window (LRU-by-commit-ts,
// spec §4.C steps 1-2), and returns that slot's previous value (0 if the
// slot held no fingerprint, or if fingerprint was overwritten in place).
func (c *Cache) Set(fingerprint, commitTs uint64) uint64 {
	index := c.index(fingerprint)

	victimOff := 0
	victimValue := ^uint64(0)
	for i := 0; i < c.ways; i++ {
		off := 2 * (index + i)
		if c.data[off] == fingerprint {
			victimValue = 0
			victimOff = off
			break
		}
		if c.data[off+1] <= victimValue {
			victimValue = c.data[off+1]
			victimOff = off
		}
	}

	c.data[victimOff] = fingerprint
	c.data[victimOff+1] = commitTs
	return victimValue
}
