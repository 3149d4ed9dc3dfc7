package diag

import (
	"fmt"

	"github.com/cschleiden/agentsession/core"
)

var statusByName = map[string]core.ActionStatus{
	core.ActionStatusPending.String():       core.ActionStatusPending,
	core.ActionStatusConfirmed.String():     core.ActionStatusConfirmed,
	core.ActionStatusRejected.String():      core.ActionStatusRejected,
	core.ActionStatusIndeterminate.String(): core.ActionStatusIndeterminate,
}

// listActions returns up to count actions in submission order, starting after the action
// with the given token. An empty status matches every action.
func listActions(state core.SessionState, status, afterToken string, count int) ([]*Action, error) {
	var filter *core.ActionStatus
	if status != "" {
		s, ok := statusByName[status]
		if !ok {
			return nil, fmt.Errorf("unknown action status %q", status)
		}

		filter = &s
	}

	start := 0
	if afterToken != "" {
		i := state.IndexOf(afterToken)
		if i < 0 {
			return nil, fmt.Errorf("unknown action %q", afterToken)
		}

		start = i + 1
	}

	actions := make([]*Action, 0)
	for _, r := range state.History[start:] {
		if len(actions) == count {
			break
		}

		if filter != nil && r.Status != *filter {
			continue
		}

		actions = append(actions, newAction(r))
	}

	return actions, nil
}
