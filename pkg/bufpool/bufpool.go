// Package bufpool provides a tiered byte-slice pool for the data
// transfer path. A busy listener reads and emits thousands of DTF
// frames per second; recycling their buffers keeps that traffic off
// the garbage collector.
//
// Three size tiers cover the traffic profile: small for control
// frames, medium for full-size FPDUs (the length field is 16 bits, so
// no frame exceeds 64KB), large for disk read-ahead. Requests past the
// large tier are allocated directly and never pooled.
package bufpool

import (
	"sync"
)

// Default tier sizes.
const (
	// DefaultSmallSize covers control FPDUs (4KB).
	DefaultSmallSize = 4 << 10

	// DefaultMediumSize covers the largest possible frame (64KB).
	DefaultMediumSize = 64 << 10

	// DefaultLargeSize covers bulk file reads (1MB).
	DefaultLargeSize = 1 << 20
)

// Pool is a set of sync.Pools organized by size class. Get picks the
// smallest tier that fits.
type Pool struct {
	small      sync.Pool
	medium     sync.Pool
	large      sync.Pool
	smallSize  int
	mediumSize int
	largeSize  int
}

// Config overrides the tier sizes. Zero values keep the defaults.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

// NewPool creates a buffer pool. A nil config uses the defaults.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = &Config{}
	}
	p := &Pool{
		smallSize:  cfg.SmallSize,
		mediumSize: cfg.MediumSize,
		largeSize:  cfg.LargeSize,
	}
	if p.smallSize <= 0 {
		p.smallSize = DefaultSmallSize
	}
	if p.mediumSize <= 0 {
		p.mediumSize = DefaultMediumSize
	}
	if p.largeSize <= 0 {
		p.largeSize = DefaultLargeSize
	}

	p.small.New = func() any {
		buf := make([]byte, p.smallSize)
		return &buf
	}
	p.medium.New = func() any {
		buf := make([]byte, p.mediumSize)
		return &buf
	}
	p.large.New = func() any {
		buf := make([]byte, p.largeSize)
		return &buf
	}
	return p
}

// Get returns a slice of exactly the requested length, backed by a
// pooled buffer whose capacity may be larger. Pair every Get with a
// Put. Requests past the large tier are plain allocations and are not
// pooled on return.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte
	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. Oversized or foreign buffers
// are dropped for the garbage collector; the tiers only ever hold
// slices of their exact class size.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	switch cap(buf) {
	case p.smallSize:
		p.small.Put(&full)
	case p.mediumSize:
		p.medium.Put(&full)
	case p.largeSize:
		p.large.Put(&full)
	}
}

// globalPool backs the package-level Get and Put.
var globalPool = NewPool(nil)

// Get returns a slice of at least the requested size from the shared
// pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the shared pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
