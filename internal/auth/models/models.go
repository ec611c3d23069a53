package models

import "strings"

// Session is the persisted token pair. A Session is either complete or
// absent; a half-populated value is never written.
type Session struct {
	AccessToken  string
	RefreshToken string
}

func (s Session) Valid() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

// TokenPair is the wire form returned by login, verify and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

func (p TokenPair) Session() Session {
	return Session{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken}
}

// User is the profile returned by GET /auth/users/me. It is an immutable
// snapshot: a profile reload replaces it wholesale.
type User struct {
	ID            int64  `json:"id,omitempty"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	WNumber       string `json:"w_number,omitempty"`
	Role          string `json:"role,omitempty"`
	PreferredName string `json:"preferredName,omitempty"`
}

// DisplayName prefers the preferred name, then the first name, then the email.
func (u User) DisplayName() string {
	switch {
	case strings.TrimSpace(u.PreferredName) != "":
		return u.PreferredName
	case strings.TrimSpace(u.FirstName) != "":
		return u.FirstName
	default:
		return u.Email
	}
}

// LoginRequest is the argument to session.Manager.Login. Issued carries
// tokens a verify endpoint already returned; when nil the manager exchanges
// Email and Code at /auth/login.
type LoginRequest struct {
	Email          string
	Code           string
	RememberDevice bool
	Issued         *TokenPair
}

// VerificationContext exists while a code is outstanding.
type VerificationContext struct {
	Email                 string
	RememberDevice        bool
	ResendCooldownSeconds int
}

// Registration is the /auth/register request body.
type Registration struct {
	Email         string     `json:"email"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	WNumber       string     `json:"wNumber,omitempty"`
	PreferredName string     `json:"preferredName,omitempty"`
	Academic      Academic   `json:"academic"`
	Agreements    Agreements `json:"agreements"`
}

type Academic struct {
	Status             string `json:"status,omitempty"`
	ExpectedGraduation string `json:"expectedGraduation,omitempty"`
	ClassStanding      string `json:"classStanding,omitempty"`
	Major              string `json:"major"`
}

type Agreements struct {
	TermsOfService bool `json:"termsOfService"`
	CodeOfConduct  bool `json:"codeOfConduct"`
	FerpaConsent   bool `json:"ferpaConsent"`
}

// DefaultMajor is sent when the caller leaves Academic.Major empty.
const DefaultMajor = "Computer Science"

// Normalize trims input and fills the defaults the portal expects.
func (r *Registration) Normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.WNumber = strings.ToUpper(strings.TrimSpace(r.WNumber))
	r.PreferredName = strings.TrimSpace(r.PreferredName)
	if strings.TrimSpace(r.Academic.Major) == "" {
		r.Academic.Major = DefaultMajor
	}
	r.Agreements.FerpaConsent = true
}
