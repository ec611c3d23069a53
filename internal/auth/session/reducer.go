package session

import "advisor/internal/auth/models"

// Action is an input to Reduce.
type Action interface {
	isAction()
}

type (
	// Started marks the beginning of a sign-in or session restore.
	Started struct{}
	// Succeeded carries the profile fetched with the new session.
	Succeeded struct{ User models.User }
	// Failed carries the message surfaced to the caller.
	Failed struct{ Message string }
	// SignedOut follows logout, an absent session or a failed refresh.
	SignedOut struct{}
	// ProfileReplaced swaps the user snapshot of an authenticated session.
	ProfileReplaced struct{ User models.User }
)

func (Started) isAction()         {}
func (Succeeded) isAction()       {}
func (Failed) isAction()          {}
func (SignedOut) isAction()       {}
func (ProfileReplaced) isAction() {}

// Reduce is the pure transition function. changed is false when the action
// leaves the state as it was; no notification is sent in that case.
func Reduce(state models.AuthState, action Action) (next models.AuthState, changed bool) {
	switch a := action.(type) {
	case Started:
		next = models.StateAuthenticating()
	case Succeeded:
		next = models.StateAuthenticated(a.User)
	case Failed:
		next = models.StateFailed(a.Message)
	case SignedOut:
		next = models.StateUnauthenticated()
	case ProfileReplaced:
		if !state.IsAuthenticated() {
			return state, false
		}
		next = models.StateAuthenticated(a.User)
	default:
		return state, false
	}
	return next, next != state
}
