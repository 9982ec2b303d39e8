package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Epoch is 2025-01-01 00:00:00 UTC in milliseconds.
	Epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	maxNode      = -1 ^ (-1 << nodeBits)
	sequenceMask = -1 ^ (-1 << sequenceBits)

	nodeShift = sequenceBits
	timeShift = sequenceBits + nodeBits
)

var ErrInvalidNode = errors.New("node ID must be between 0 and 1023")

// Generator produces strictly increasing 63-bit IDs: 41 bits of milliseconds
// since Epoch, 10 bits of node, 12 bits of sequence. Audit entries use them as
// primary keys so that ID order matches append order within a process.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64
	now      func() time.Time
}

func NewGenerator(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, ErrInvalidNode
	}
	return &Generator{node: node, now: time.Now}, nil
}

// NextID returns the next ID. If the wall clock steps backwards the generator
// keeps counting from the last issued millisecond rather than failing, so IDs
// never repeat and never go down.
func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// sequence exhausted: borrow the next millisecond
			ms++
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return (ms-Epoch)<<timeShift | g.node<<nodeShift | g.sequence
}

// Time returns the millisecond timestamp embedded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch)
}

// Node returns the node component of id.
func Node(id int64) int64 {
	return (id >> nodeShift) & maxNode
}
