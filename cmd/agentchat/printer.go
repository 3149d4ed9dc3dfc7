package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/cschleiden/agentsession/core"
)

// printer writes session changes to the terminal. Only transitions are printed: new
// snapshots, status changes, and action status changes.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	lastSeq int64
	status  core.Status
	actions map[string]core.ActionStatus
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		status:  core.StatusIdle,
		actions: map[string]core.ActionStatus{},
	}
}

func (p *printer) update(state core.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state.Status != p.status {
		switch state.Status {
		case core.StatusDegraded:
			fmt.Fprintf(p.out, "\n[connection lost: %s, retrying in %s]\n", state.LastError, state.RetryIn)
		case core.StatusLive:
			if p.status == core.StatusDegraded {
				fmt.Fprintln(p.out, "\n[reconnected]")
			}
		}

		p.status = state.Status
	}

	if s := state.LatestSnapshot; s != nil && s.SequenceNumber > p.lastSeq {
		fmt.Fprintf(p.out, "\n[#%d] %s\n", s.SequenceNumber, s.Data)
		p.lastSeq = s.SequenceNumber
	}

	for _, a := range state.History {
		prev, seen := p.actions[a.IdempotencyToken]
		if seen && prev == a.Status {
			continue
		}

		p.actions[a.IdempotencyToken] = a.Status

		switch a.Status {
		case core.ActionStatusPending:
			if seen {
				fmt.Fprintf(p.out, "[%s retrying]\n", short(a.IdempotencyToken))
			}
		case core.ActionStatusConfirmed:
			fmt.Fprintf(p.out, "[%s confirmed]\n", short(a.IdempotencyToken))
		case core.ActionStatusRejected:
			fmt.Fprintf(p.out, "[%s rejected: %s]\n", short(a.IdempotencyToken), a.Reason)
		case core.ActionStatusIndeterminate:
			fmt.Fprintf(p.out, "[%s unknown, retry later]\n", short(a.IdempotencyToken))
		}
	}
}

func (p *printer) println(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out, msg)
}

func (p *printer) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, "Enter your message: ")
}

func short(token string) string {
	if len(token) > 8 {
		return token[:8]
	}

	return token
}
