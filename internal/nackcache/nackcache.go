// Package nackcache keeps recently sent RTP packets so NACKed sequence
// numbers can be retransmitted instead of waiting for a keyframe.
package nackcache

// Cache holds a fixed number of protected RTP packets keyed by extended
// sequence number, evicting the oldest entry when full. It is used from a
// single session loop and needs no locking.
type Cache struct {
	packets  map[uint32][]byte
	order    []uint32
	writePos int
	capacity int
}

// New creates a cache that retains the given number of packets.
func New(capacity int) *Cache {
	return &Cache{
		packets:  make(map[uint32][]byte, capacity),
		order:    make([]uint32, capacity),
		capacity: capacity,
	}
}

// Put stores a copy of pkt under the extended sequence number, overwriting
// the oldest cached packet when the cache is full.
func (c *Cache) Put(extSeq uint32, pkt []byte) {
	if old, ok := c.packets[extSeq]; ok {
		// re-send of the same sequence, keep the slot position
		c.packets[extSeq] = append(old[:0], pkt...)
		return
	}
	if len(c.packets) == c.capacity {
		delete(c.packets, c.order[c.writePos])
	}
	c.order[c.writePos] = extSeq
	c.writePos = (c.writePos + 1) % c.capacity
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	c.packets[extSeq] = buf
}

// Get returns the cached packet for an extended sequence number, or nil.
func (c *Cache) Get(extSeq uint32) []byte {
	return c.packets[extSeq]
}

// Len returns the number of cached packets.
func (c *Cache) Len() int {
	return len(c.packets)
}
