package margin

import (
	"time"

	"lv-margin/internal/model"
	"lv-margin/internal/types"
)

// Transition is the result of applying one monitor observation to the account's margin call.
type Transition struct {
	Event    model.MarginCallEvent
	Previous types.Severity
	Current  types.Severity
	// Entered lists every severity crossed upward in this pass, lowest first.
	// Each one gets its own notification.
	Entered  []types.Severity
	Created  bool
	Resolved bool
	// Changed is false when nothing needs to be written.
	Changed bool
}

// Apply advances the margin call state machine. active is the unresolved event or nil.
// Worsening creates or escalates the event, recovery to SAFE resolves it, a partial
// improvement records when the higher levels were left, and an unchanged severity is a no-op.
func Apply(active *model.MarginCallEvent, accountID string, sev types.Severity, level types.MarginLevel, now time.Time, newID func() string) Transition {
	if active == nil {
		if sev == types.SeveritySafe {
			return Transition{Previous: types.SeveritySafe, Current: types.SeveritySafe}
		}
		ev := model.MarginCallEvent{
			ID:          newID(),
			AccountID:   accountID,
			Severity:    sev,
			Status:      types.MarginCallStatusNotified,
			MarginLevel: level,
			EnteredAt:   map[types.Severity]time.Time{},
			LeftAt:      map[types.Severity]time.Time{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		entered := crossed(types.SeveritySafe, sev)
		for _, s := range entered {
			ev.EnteredAt[s] = now
		}
		return Transition{Event: ev, Previous: types.SeveritySafe, Current: sev, Entered: entered, Created: true, Changed: true}
	}

	ev := *active
	ev.EnteredAt = copyTimes(active.EnteredAt)
	ev.LeftAt = copyTimes(active.LeftAt)
	prev := ev.Severity
	tr := Transition{Previous: prev, Current: sev}

	switch {
	case sev.Rank() > prev.Rank():
		tr.Entered = crossed(prev, sev)
		for _, s := range tr.Entered {
			ev.EnteredAt[s] = now
			delete(ev.LeftAt, s)
		}
		ev.Severity = sev
		ev.Status = types.MarginCallStatusEscalated
		tr.Changed = true
	case sev == types.SeveritySafe:
		for r := prev.Rank(); r > 0; r-- {
			ev.LeftAt[types.SeverityByRank(r)] = now
		}
		ev.Severity = sev
		ev.Status = types.MarginCallStatusResolved
		ev.ResolvedAt = &now
		if ev.Resolution == "" {
			ev.Resolution = "recovered"
			if ev.LiquidationEventID != "" {
				ev.Resolution = "liquidated"
			}
		}
		tr.Resolved = true
		tr.Changed = true
	case sev.Rank() < prev.Rank():
		for r := prev.Rank(); r > sev.Rank(); r-- {
			ev.LeftAt[types.SeverityByRank(r)] = now
		}
		ev.Severity = sev
		tr.Changed = true
	default:
		tr.Event = ev
		return tr
	}
	ev.MarginLevel = level
	ev.UpdatedAt = now
	tr.Event = ev
	return tr
}

// crossed returns the severities strictly above from up to and including to.
func crossed(from, to types.Severity) []types.Severity {
	var out []types.Severity
	for r := from.Rank() + 1; r <= to.Rank(); r++ {
		out = append(out, types.SeverityByRank(r))
	}
	return out
}

func copyTimes(in map[types.Severity]time.Time) map[types.Severity]time.Time {
	out := make(map[types.Severity]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// TimeInCall is a read-only projection; it never drives a transition.
func TimeInCall(ev model.MarginCallEvent, now time.Time) time.Duration {
	if !ev.Active() || ev.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(ev.CreatedAt)
}
