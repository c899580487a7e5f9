package session

import (
	"github.com/jw6ventures/orca/internal/protocol"
	"github.com/jw6ventures/orca/internal/week"
)

// Recipients picks who receives resp. Failures and reads go back to the
// requester alone. Successful mutations go to every session on the
// requester's schedule viewing the mutated week, the requester included
// only when its own viewport matches.
func Recipients(sessions []*Session, requester *Session, resp protocol.Response) []*Session {
	if resp.Status != protocol.StatusSuccess || !resp.Action.Mutating() {
		return []*Session{requester}
	}
	var out []*Session
	for _, s := range sessions {
		if s.scheduleID != requester.scheduleID {
			continue
		}
		if week.Same(s.TargetWeek(), resp.TargetWeek) {
			out = append(out, s)
		}
	}
	return out
}
