// Package allocator provides the bounded identifier pool used to correlate
// RADIUS replies with their requests.
package allocator

import "fmt"

// PoolSize is the number of distinct RADIUS packet identifiers (one octet).
const PoolSize = 256

// IdentifierPool hands out RADIUS packet identifiers.
//
// Each bit of the bitmap represents one identifier. Allocation continues from
// a rotating cursor rather than the lowest free value, so a released
// identifier is the last one to be handed out again.
//
// IdentifierPool is not safe for concurrent use; it is owned by the engine
// loop.
type IdentifierPool struct {
	bitmap    [PoolSize / 64]uint64
	next      int
	allocated int
}

// NewIdentifierPool creates an empty pool whose first allocation is start.
func NewIdentifierPool(start uint8) *IdentifierPool {
	return &IdentifierPool{next: int(start)}
}

// Allocate reserves the next free identifier.
func (p *IdentifierPool) Allocate() (uint8, error) {
	if p.allocated == PoolSize {
		return 0, ErrExhausted
	}

	for n := 0; n < PoolSize; n++ {
		id := (p.next + n) % PoolSize
		if !p.isSet(id) {
			p.set(id)
			p.allocated++
			p.next = (id + 1) % PoolSize
			return uint8(id), nil
		}
	}

	return 0, ErrExhausted
}

// Release returns an identifier to the pool. Releasing an identifier twice
// is an error so that unpaired allocate/release cycles surface immediately.
func (p *IdentifierPool) Release(id uint8) error {
	if !p.isSet(int(id)) {
		return fmt.Errorf("release %d: %w", id, ErrNotAllocated)
	}

	p.bitmap[id/64] &^= 1 << (id % 64)
	p.allocated--
	return nil
}

// IsAllocated reports whether id is currently held.
func (p *IdentifierPool) IsAllocated(id uint8) bool {
	return p.isSet(int(id))
}

// Stats returns pool usage.
func (p *IdentifierPool) Stats() PoolStats {
	return PoolStats{
		Total:     PoolSize,
		Allocated: p.allocated,
		Available: PoolSize - p.allocated,
	}
}

// PoolStats contains identifier pool statistics.
type PoolStats struct {
	Total     int
	Allocated int
	Available int
}

func (p *IdentifierPool) isSet(id int) bool {
	return p.bitmap[id/64]&(1<<(id%64)) != 0
}

func (p *IdentifierPool) set(id int) {
	p.bitmap[id/64] |= 1 << (id % 64)
}
