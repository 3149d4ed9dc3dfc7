package metrics

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Timer struct {
	client Client
	clock  clock.Clock
	start  time.Time
	name   string
	tags   Tags
}

func NewTimer(client Client, clk clock.Clock, name string, tags Tags) *Timer {
	return &Timer{
		client: client,
		clock:  clk,
		start:  clk.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop the timer and report the elapsed time
func (t *Timer) Stop() {
	t.client.Timing(t.name, t.tags, t.clock.Since(t.start))
}
