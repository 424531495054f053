package l2sync

import "sync"

// Cursor tracks the progress of the pipeline: the next block to commit and
// whether the upstream head has been reached. Only the commit stage advances
// it.
type Cursor struct {
	mtx           sync.RWMutex
	next          uint64
	lastCommitted uint64
	committed     bool

	// first block reported missing upstream
	head      uint64
	headKnown bool

	caughtUpOnce sync.Once
	caughtUp     chan struct{}
}

func newCursor(first uint64) *Cursor {
	return &Cursor{
		next:     first,
		caughtUp: make(chan struct{}),
	}
}

// Next returns the number of the next block to commit.
func (c *Cursor) Next() uint64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.next
}

// LastCommitted returns the last block committed since startup.
func (c *Cursor) LastCommitted() (uint64, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lastCommitted, c.committed
}

// CaughtUp is closed once every block below the upstream head is committed.
func (c *Cursor) CaughtUp() <-chan struct{} { return c.caughtUp }

func (c *Cursor) advance(blockN uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lastCommitted, c.committed = blockN, true
	c.next = blockN + 1
	c.checkCaughtUp()
}

// reachedHead records that blockN is not available upstream yet.
func (c *Cursor) reachedHead(blockN uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.headKnown {
		c.head, c.headKnown = blockN, true
	}
	c.checkCaughtUp()
}

func (c *Cursor) checkCaughtUp() {
	if c.headKnown && c.next >= c.head {
		c.caughtUpOnce.Do(func() { close(c.caughtUp) })
	}
}
