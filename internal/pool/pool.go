// Package pool implements the fixed-capacity memory-region pool that
// backs every RDMA post: a pre-registered, pre-sized vector of regions
// handed out by work-request id and returned to vacancy on completion.
package pool

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/srpcnet/srpc/internal/constants"
)

// ErrExhausted is returned by Acquire when no region is vacant.
type ErrExhausted struct{}

func (ErrExhausted) Error() string { return "pool: exhausted" }

// RegionPool hands out regions from a fixed-size, pre-registered set
// of memory regions, keyed by work-request id (wrid), and releases them
// back to vacancy on completion. It never grows past its initial
// capacity: a pool under pressure returns ErrExhausted rather than
// allocating more regions.
//
// wridToIndex and indexToWrid are mutual inverses: release is O(1) by
// wrid, and acquisition is a linear vacancy scan by index.
type RegionPool struct {
	mu          sync.Mutex
	mrSize      int
	regions     [][]byte
	wridToIndex map[uint64]int
	indexToWrid map[int]uint64
}

// New creates a RegionPool of the given capacity, each region mrSize
// bytes, all initially vacant.
func New(capacity int, mrSize int) *RegionPool {
	if capacity <= 0 {
		capacity = constants.DefaultPoolSize
	}
	if mrSize <= 0 {
		mrSize = constants.DefaultMRSize
	}
	return &RegionPool{
		mrSize:      mrSize,
		regions:     regionBacking(capacity, mrSize),
		wridToIndex: make(map[uint64]int),
		indexToWrid: make(map[int]uint64),
	}
}

// regionBacking carves the pool's regions out of one contiguous anonymous
// mmap, page-locked so the kernel will not page out memory the device may
// DMA into. Hosts that refuse the mmap fall back to ordinary heap slices,
// and an mlock failure (RLIMIT_MEMLOCK is tiny in most containers) is
// tolerated; the simulated device accepts either. The mapping lives for
// the pool's lifetime, which is the engine's, which is the process's.
func regionBacking(capacity, mrSize int) [][]byte {
	regions := make([][]byte, capacity)
	backing, err := unix.Mmap(-1, 0, capacity*mrSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		for i := range regions {
			regions[i] = make([]byte, mrSize)
		}
		return regions
	}
	_ = unix.Mlock(backing)
	for i := range regions {
		regions[i] = backing[i*mrSize : (i+1)*mrSize : (i+1)*mrSize]
	}
	return regions
}

// Acquire reserves the first vacant region for wrid and returns it. It
// returns ErrExhausted if every region is currently occupied; callers must
// propagate this rather than block or panic, per the pool-exhaustion
// contract.
func (p *RegionPool) Acquire(wrid uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.wridToIndex[wrid]; ok {
		return p.regions[idx], nil
	}

	for i := range p.regions {
		if _, occupied := p.indexToWrid[i]; !occupied {
			p.wridToIndex[wrid] = i
			p.indexToWrid[i] = wrid
			return p.regions[i], nil
		}
	}
	return nil, ErrExhausted{}
}

// Release returns the region associated with wrid to vacancy.
// Releasing an unknown wrid is a no-op.
func (p *RegionPool) Release(wrid uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.wridToIndex[wrid]
	if !ok {
		return
	}
	delete(p.wridToIndex, wrid)
	delete(p.indexToWrid, idx)
}

// RegionOf returns the region currently reserved for wrid, if any.
func (p *RegionPool) RegionOf(wrid uint64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.wridToIndex[wrid]
	if !ok {
		return nil, false
	}
	return p.regions[idx], true
}

// Occupied reports how many regions are currently reserved, for tests and
// metrics.
func (p *RegionPool) Occupied() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wridToIndex)
}

// Capacity returns the fixed number of regions in the pool.
func (p *RegionPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regions)
}

// MRSize returns the fixed size of each region in the pool.
func (p *RegionPool) MRSize() int {
	return p.mrSize
}
