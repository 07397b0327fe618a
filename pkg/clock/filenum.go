package clock

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	nodeBits    = 10
	counterBits = 12
	nodeMask    = (1 << nodeBits) - 1
	counterMask = (1 << counterBits) - 1
)

// FileNumGen allocates unique file numbers for sorted tables and WAL
// segments using a time+node+counter layout: 41 bits of millisecond time,
// 10 bits of node identity and a 12 bit per-millisecond counter. Numbers
// stay unique across restarts without a durable allocation record.
type FileNumGen struct {
	mu      sync.Mutex
	node    uint64
	lastMs  int64
	counter uint64
}

// NewFileNumGen derives the node bits from a random UUID so two processes
// sharing a directory over a network filesystem do not collide.
func NewFileNumGen() *FileNumGen {
	id := uuid.New()
	return &FileNumGen{node: xxhash.Sum64(id[:]) & nodeMask}
}

// Next returns the next unique file number.
func (g *FileNumGen) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms == g.lastMs {
		g.counter = (g.counter + 1) & counterMask
		if g.counter == 0 {
			// counter wrapped inside one millisecond, spin to the next
			for ms <= g.lastMs {
				ms = time.Now().UnixMilli()
			}
		}
	} else {
		g.counter = 0
	}
	g.lastMs = ms

	return uint64(ms)<<(nodeBits+counterBits) | g.node<<counterBits | g.counter
}
