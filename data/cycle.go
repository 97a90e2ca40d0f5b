package data

// Cycler turns a finite Source into an unbounded stream of batches.
// When the underlying pass is exhausted the source is Reset and drawing
// continues from its first batch; element order within a pass is whatever
// the source produces for that pass.
type Cycler struct {
	src    Source
	passes int
	drawn  int
	primed bool
}

// NewCycler wraps src. The first call to Next resets src.
func NewCycler(src Source) *Cycler {
	return &Cycler{src: src}
}

// Next returns the next batch, restarting the source on exhaustion
func (c *Cycler) Next() (*Batch, error) {
	if !c.primed {
		c.src.Reset()
		c.primed = true
	}

	b, err := c.src.Next()
	if err != nil {
		return nil, err
	}
	if b != nil {
		c.drawn++
		return b, nil
	}

	// End of pass: rebuild the iterator and draw again
	c.src.Reset()
	c.passes++
	b, err = c.src.Next()
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrEmptySource
	}
	c.drawn++
	return b, nil
}

// Passes returns how many times the source has been restarted
func (c *Cycler) Passes() int {
	return c.passes
}

// Drawn returns the total number of batches handed out
func (c *Cycler) Drawn() int {
	return c.drawn
}

// Len returns the underlying source's batches per pass
func (c *Cycler) Len() int {
	return c.src.Len()
}
