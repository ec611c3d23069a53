package models

import "fmt"

// AuthKind tags the AuthState variant.
type AuthKind int

const (
	AuthUnknown AuthKind = iota
	AuthAuthenticating
	AuthAuthenticated
	AuthUnauthenticated
	AuthFailed
)

func (k AuthKind) String() string {
	switch k {
	case AuthUnknown:
		return "unknown"
	case AuthAuthenticating:
		return "authenticating"
	case AuthAuthenticated:
		return "authenticated"
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthFailed:
		return "failed"
	default:
		return fmt.Sprintf("auth_kind(%d)", int(k))
	}
}

// AuthState is a tagged variant. The user is only reachable when the kind
// is AuthAuthenticated and the message only when it is AuthFailed; the zero
// value is Unknown. AuthState is comparable with ==.
type AuthState struct {
	kind    AuthKind
	user    User
	message string
}

func StateUnknown() AuthState         { return AuthState{kind: AuthUnknown} }
func StateAuthenticating() AuthState  { return AuthState{kind: AuthAuthenticating} }
func StateUnauthenticated() AuthState { return AuthState{kind: AuthUnauthenticated} }

func StateAuthenticated(u User) AuthState {
	return AuthState{kind: AuthAuthenticated, user: u}
}

func StateFailed(message string) AuthState {
	return AuthState{kind: AuthFailed, message: message}
}

func (s AuthState) Kind() AuthKind { return s.kind }

func (s AuthState) User() (User, bool) {
	if s.kind != AuthAuthenticated {
		return User{}, false
	}
	return s.user, true
}

func (s AuthState) Message() (string, bool) {
	if s.kind != AuthFailed {
		return "", false
	}
	return s.message, true
}

func (s AuthState) IsAuthenticated() bool { return s.kind == AuthAuthenticated }

func (s AuthState) String() string {
	switch s.kind {
	case AuthAuthenticated:
		return fmt.Sprintf("authenticated(%s)", s.user.Email)
	case AuthFailed:
		return fmt.Sprintf("failed(%q)", s.message)
	default:
		return s.kind.String()
	}
}
