package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("fires due timers in deadline order", func(t *testing.T) {
		c := NewMockClock(start)
		var fired []string

		c.AfterFunc(3*time.Second, func() { fired = append(fired, "late") })
		c.AfterFunc(1*time.Second, func() { fired = append(fired, "early") })
		c.AfterFunc(10*time.Second, func() { fired = append(fired, "never") })

		c.Advance(5 * time.Second)

		assert.Equal(t, []string{"early", "late"}, fired)
		assert.Equal(t, start.Add(5*time.Second), c.Now())
		assert.Equal(t, 1, c.Pending())
	})

	t.Run("callback sees its own deadline", func(t *testing.T) {
		c := NewMockClock(start)
		var seen time.Time
		c.AfterFunc(2*time.Second, func() { seen = c.Now() })

		c.Advance(time.Minute)

		assert.Equal(t, start.Add(2*time.Second), seen)
	})

	t.Run("rescheduled timers inside the window fire", func(t *testing.T) {
		c := NewMockClock(start)
		count := 0
		var tick func()
		tick = func() {
			count++
			c.AfterFunc(time.Second, tick)
		}
		c.AfterFunc(time.Second, tick)

		c.Advance(3500 * time.Millisecond)

		assert.Equal(t, 3, count)
	})

	t.Run("stopped timers do not fire", func(t *testing.T) {
		c := NewMockClock(start)
		fired := false
		timer := c.AfterFunc(time.Second, func() { fired = true })

		assert.True(t, timer.Stop())
		assert.False(t, timer.Stop())
		c.Advance(2 * time.Second)

		assert.False(t, fired)
		assert.Equal(t, 0, c.Pending())
	})
}

func TestMockClock_SetBackwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Set(start.Add(-time.Hour))

	assert.Equal(t, start.Add(-time.Hour), c.Now())
	assert.Equal(t, time.Hour, c.Since(start.Add(-2*time.Hour)))
}
