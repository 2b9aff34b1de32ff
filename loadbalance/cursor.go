package loadbalance

// Cursor is a rotation position over a list whose length may change between
// calls. It is not safe for concurrent use; the binder only touches it from
// its loop goroutine.
type Cursor struct {
	pos int
}

// Next returns the current position and advances it modulo n. n must be
// positive.
func (c *Cursor) Next(n int) int {
	if c.pos >= n {
		c.pos = 0
	}
	i := c.pos
	c.pos = (c.pos + 1) % n
	return i
}

// Renormalize keeps the position inside a list that now has n entries.
// removedBefore is the number of removed entries that preceded the cursor,
// so the rotation resumes at the same surviving location.
func (c *Cursor) Renormalize(n, removedBefore int) {
	c.pos -= removedBefore
	if c.pos < 0 || n == 0 {
		c.pos = 0
		return
	}
	if c.pos >= n {
		c.pos = 0
	}
}

// Pos is the index the next call to Next will return.
func (c *Cursor) Pos() int { return c.pos }
