// Package fakeapi is an in-memory advising API for tests. It keeps just
// enough state (codes, tokens, users, processing jobs) to drive the client
// end to end, and lets tests override any route.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"advisor/internal/auth/models"
	"advisor/pkg/testutil"
)

// DefaultCode is the code every send/resend "emails".
const DefaultCode = "123456"

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	code      string
	users     map[string]models.User // by email
	verified  map[string]bool
	codes     map[string]string // email -> outstanding code
	access    map[string]string // access token -> email
	refresh   map[string]string // refresh token -> email
	rotate    bool
	seq       int
	calls     map[string]int
	overrides map[string]http.HandlerFunc
	jobs      map[string]*job
	uploads   []string
	history   map[string]json.RawMessage // email -> saved courses
}

type job struct {
	pending int
	result  map[string]any
	failure string
}

type Option func(*Server)

// WithCode changes the code the fake issues.
func WithCode(code string) Option {
	return func(s *Server) { s.code = code }
}

// WithoutRefreshRotation makes /auth/refresh omit refresh_token.
func WithoutRefreshRotation() Option {
	return func(s *Server) { s.rotate = false }
}

func New(opts ...Option) *Server {
	s := &Server{
		code:      DefaultCode,
		users:     make(map[string]models.User),
		verified:  make(map[string]bool),
		codes:     make(map[string]string),
		access:    make(map[string]string),
		refresh:   make(map[string]string),
		rotate:    true,
		calls:     make(map[string]int),
		overrides: make(map[string]http.HandlerFunc),
		jobs:      make(map[string]*job),
		history:   make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)
	r.Post("/auth/send-otp", s.handleSendCode)
	r.Post("/auth/resend-otp", s.handleSendCode)
	r.Post("/auth/verify-otp", s.handleVerifyOTP)
	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/verify-registration", s.handleVerifyRegistration)
	r.Post("/auth/resend-registration-otp", s.handleSendCode)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/auth/users/me", s.handleMe)
	r.Post("/onboarding/transcript-upload", s.handleTranscriptUpload)
	r.Get("/onboarding/transcript-processing/{id}", s.handleTranscriptStatus)
	r.Post("/onboarding/course-history", s.handleCourseHistory)
	return r
}

// count records the call and dispatches to an override if one is set.
func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.calls[key]++
		override := s.overrides[key]
		s.mu.Unlock()
		if override != nil {
			override(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handle overrides one route, e.g. to script a failure.
func (s *Server) Handle(method, path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[method+" "+path] = h
}

// Calls returns how many times method+path was hit, overrides included.
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

// AddUser registers an active account.
func (s *Server) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(u.Email)] = u
}

// MarkVerified makes verify-otp answer "User already verified".
func (s *Server) MarkVerified(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[strings.ToLower(email)] = true
}

// IssueSession mints a token pair for an existing user.
func (s *Server) IssueSession(email string) models.TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(strings.ToLower(email), true)
}

// ExpireAccessTokens makes every outstanding access token answer 401.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefreshTokens makes every outstanding refresh token invalid.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// RefreshTokenActive reports whether token is still accepted.
func (s *Server) RefreshTokenActive(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refresh[token]
	return ok
}

// AddJob scripts a processing job: pending polls answer "processing",
// then the job completes with result, or fails when failure is non-empty.
func (s *Server) AddJob(id string, pending int, result map[string]any, failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &job{pending: pending, result: result, failure: failure}
}

// Uploads lists the transcript filenames received.
func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// CourseHistory returns the courses last saved for email.
func (s *Server) CourseHistory(email string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[strings.ToLower(email)]
}

func (s *Server) issueLocked(email string, withRefresh bool) models.TokenPair {
	s.seq++
	pair := models.TokenPair{
		AccessToken: fmt.Sprintf("access-%d", s.seq),
		TokenType:   "bearer",
	}
	s.access[pair.AccessToken] = email
	if withRefresh {
		pair.RefreshToken = fmt.Sprintf("refresh-%d", s.seq)
		s.refresh[pair.RefreshToken] = email
	}
	return pair
}

type codeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		testutil.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "invalid JSON body"}},
		})
		return false
	}
	return true
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	s.codes[strings.ToLower(req.Email)] = s.code
	s.mu.Unlock()
	testutil.WriteJSON(w, http.StatusOK, map[string]string{"detail": "OTP sent"})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	email := strings.ToLower(req.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verified[email] {
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"detail": "User already verified", "login": true})
		return
	}
	if want, ok := s.codes[email]; !ok || want != req.Code {
		testutil.WriteDetail(w, http.StatusBadRequest, "Invalid verification code")
		return
	}
	if _, ok := s.users[email]; !ok {
		s.users[email] = models.User{Email: email}
	}
	testutil.WriteJSON(w, http.StatusOK, s.issueLocked(email, true))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg models.Registration
	if !decode(w, r, &reg) {
		return
	}
	email := strings.ToLower(reg.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[email]; exists {
		testutil.WriteDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	s.users[email] = models.User{
		ID:            int64(len(s.users) + 1),
		Email:         email,
		FirstName:     reg.FirstName,
		LastName:      reg.LastName,
		WNumber:       reg.WNumber,
		PreferredName: reg.PreferredName,
		Role:          "student",
	}
	s.codes[email] = s.code
	testutil.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Registration started"})
}

func (s *Server) handleVerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	email := strings.ToLower(req.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.codes[email]; !ok || want != req.Code {
		testutil.WriteDetail(w, http.StatusBadRequest, "Invalid verification code")
		return
	}
	s.verified[email] = true
	testutil.WriteJSON(w, http.StatusOK, s.issueLocked(email, true))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	email := strings.ToLower(req.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.codes[email]; !ok || want != req.Code {
		testutil.WriteDetail(w, http.StatusUnauthorized, "Incorrect email or code")
		return
	}
	if _, ok := s.users[email]; !ok {
		s.users[email] = models.User{Email: email}
	}
	testutil.WriteJSON(w, http.StatusOK, s.issueLocked(email, true))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.refresh[req.RefreshToken]
	if !ok {
		testutil.WriteDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	if s.rotate {
		delete(s.refresh, req.RefreshToken)
	}
	testutil.WriteJSON(w, http.StatusOK, s.issueLocked(email, s.rotate))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	delete(s.refresh, req.RefreshToken)
	s.mu.Unlock()
	testutil.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.bearerLocked(r)
	if !ok {
		testutil.WriteDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	testutil.WriteJSON(w, http.StatusOK, s.users[email])
}

func (s *Server) handleTranscriptUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.bearerLocked(r)
	s.mu.Unlock()
	if !ok {
		testutil.WriteDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	file, header, err := r.FormFile("transcript")
	if err != nil {
		testutil.WriteDetail(w, http.StatusBadRequest, "transcript file is required")
		return
	}
	_ = file.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, header.Filename)
	id := fmt.Sprintf("proc-%d", len(s.uploads))
	if _, scripted := s.jobs[id]; !scripted {
		s.jobs[id] = &job{result: map[string]any{"courses": []any{}}}
	}
	testutil.WriteJSON(w, http.StatusOK, map[string]string{"processing_id": id})
}

func (s *Server) handleTranscriptStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bearerLocked(r); !ok {
		testutil.WriteDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		testutil.WriteDetail(w, http.StatusNotFound, "Processing job not found")
		return
	}
	switch {
	case j.pending > 0:
		j.pending--
		testutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "processing"})
	case j.failure != "":
		testutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "failed", "error": j.failure})
	default:
		body := map[string]any{"status": "completed"}
		for k, v := range j.result {
			body[k] = v
		}
		testutil.WriteJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleCourseHistory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	email, ok := s.bearerLocked(r)
	s.mu.Unlock()
	if !ok {
		testutil.WriteDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	var req struct {
		Courses json.RawMessage `json:"courses"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	s.history[email] = req.Courses
	s.mu.Unlock()
	testutil.WriteJSON(w, http.StatusOK, map[string]string{"detail": "Course history saved"})
}

func (s *Server) bearerLocked(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", false
	}
	email, ok := s.access[token]
	return email, ok
}
