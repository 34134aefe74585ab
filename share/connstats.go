package wrshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps open and lifetime-total counts for an entity (tunnel
// connections, proxied requests), for use in log lines
type ConnStats struct {
	count int32
	open  int32
}

// Open adds one to both the open and total counts, returning the new total.
// The returned total doubles as a cheap serial number for log correlation.
func (c *ConnStats) Open() int32 {
	atomic.AddInt32(&c.open, 1)
	return atomic.AddInt32(&c.count, 1)
}

// Close subtracts one from the open count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
