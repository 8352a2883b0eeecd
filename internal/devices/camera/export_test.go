package camera

import "time"

// SetClock replaces the clock used for acquisition rates.
func SetClock(c *Camera, now func() time.Time) { c.now = now }
