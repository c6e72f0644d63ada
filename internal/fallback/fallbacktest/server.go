// Package fallbacktest serves the fallback auth API from memory over
// httptest. Tests and the load tool point the engine's fallback at it.
package fallbacktest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/session"
)

type account struct {
	user      session.UserRef
	password  string
	confirmed bool
}

type otp struct {
	email   string
	otpType string
}

// Server is safe for concurrent use.
type Server struct {
	srv *httptest.Server

	mu                  sync.Mutex
	ttl                 time.Duration
	requireConfirmation bool
	secret              []byte
	down                bool
	accounts            map[string]*account
	access              map[string]string
	refresh             map[string]string
	otps                map[string]otp
	calls               map[string]int
}

// Option customizes the server.
type Option func(*Server)

// WithSessionTTL sets the access token lifetime. Default one hour.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Server) { s.ttl = d }
}

// WithEmailConfirmation makes register withhold tokens until verify-email.
func WithEmailConfirmation() Option {
	return func(s *Server) { s.requireConfirmation = true }
}

// New starts a server. Close it when done.
func New(opts ...Option) *Server {
	s := &Server{
		ttl:      time.Hour,
		secret:   []byte("fallbacktest-secret"),
		accounts: make(map[string]*account),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		otps:     make(map[string]otp),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+fallback.PathLogin, s.login)
	mux.HandleFunc("POST "+fallback.PathRegister, s.register)
	mux.HandleFunc("POST "+fallback.PathLogout, s.logout)
	mux.HandleFunc("GET "+fallback.PathProfile, s.profile)
	mux.HandleFunc("PATCH "+fallback.PathProfile, s.updateProfile)
	mux.HandleFunc("POST "+fallback.PathRefresh, s.refreshTokens)
	mux.HandleFunc("POST "+fallback.PathForgotPassword, s.forgotPassword)
	mux.HandleFunc("POST "+fallback.PathResetPassword, s.resetPassword)
	mux.HandleFunc("POST "+fallback.PathChangePassword, s.changePassword)
	mux.HandleFunc("POST "+fallback.PathVerifyEmail, s.verifyEmail)
	mux.HandleFunc("POST "+fallback.PathResendVerification, s.resend)
	mux.HandleFunc("GET "+fallback.DefaultHealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.srv = httptest.NewServer(s.gate(mux))
	return s
}

// URL is the base URL to configure as Fallback.BaseURL.
func (s *Server) URL() string { return s.srv.URL }

// Close stops the server.
func (s *Server) Close() { s.srv.Close() }

// SetDown makes every endpoint answer 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Calls returns how many requests hit path, failed ones included.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// AddUser seeds a confirmed account.
func (s *Server) AddUser(email, password, name string) session.UserRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.createLocked(email, password, name)
	a.confirmed = true
	return a.user
}

// OTP returns a pending one-time token issued to email for otpType.
func (s *Server) OTP(email, otpType string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = normalizeEmail(email)
	for tok, o := range s.otps {
		if o.email == email && o.otpType == otpType {
			return tok, true
		}
	}
	return "", false
}

// Password returns the stored password of email.
func (s *Server) Password(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[normalizeEmail(email)]
	if !ok {
		return "", false
	}
	return a.password, true
}

func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		down := s.down
		s.mu.Unlock()
		if down {
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", "fallback is down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	a, ok := s.accounts[normalizeEmail(in.Email)]
	if !ok || a.password != in.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "", "Invalid email or password")
		return
	}
	if !a.confirmed {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "email_not_confirmed", "Email not confirmed")
		return
	}
	resp := s.issueLocked(a)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	if _, exists := s.accounts[normalizeEmail(in.Email)]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "user_already_exists", "User already registered")
		return
	}
	a := s.createLocked(in.Email, in.Password, in.Name)
	if s.requireConfirmation {
		s.otps[uuid.NewString()] = otp{email: a.user.Email, otpType: "signup"}
		u := a.user
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, fallback.AuthResponse{User: &u})
		return
	}
	a.confirmed = true
	resp := s.issueLocked(a)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.access, bearer(r))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	a, ok := s.authenticatedLocked(r)
	var u session.UserRef
	if ok {
		u = a.user
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid token")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in fallback.ProfileUpdate
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	a, ok := s.authenticatedLocked(r)
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid token")
		return
	}
	if in.Email != nil {
		next := normalizeEmail(*in.Email)
		if other, taken := s.accounts[next]; taken && other != a {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "email_exists", "email already in use")
			return
		}
		s.rekeyLocked(a, next)
	}
	if in.Name != nil {
		a.user.Name = *in.Name
	}
	a.user.UpdatedAt = time.Now().UTC()
	u := a.user
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	email, ok := s.refresh[in.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "", "refresh token invalid")
		return
	}
	delete(s.refresh, in.RefreshToken)
	resp := s.issueLocked(s.accounts[email])
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	email := normalizeEmail(in.Email)
	if _, ok := s.accounts[email]; ok {
		s.otps[uuid.NewString()] = otp{email: email, otpType: "recovery"}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	o, ok := s.otps[in.Token]
	if !ok || o.otpType != "recovery" {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "otp_expired", "Token has expired or is invalid")
		return
	}
	delete(s.otps, in.Token)
	s.accounts[o.email].password = in.Password
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authenticatedLocked(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid token")
		return
	}
	if a.password != in.CurrentPassword {
		writeError(w, http.StatusBadRequest, "invalid_credentials", "current password is wrong")
		return
	}
	a.password = in.NewPassword
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
		Type  string `json:"type"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	o, ok := s.otps[in.Token]
	if !ok || o.otpType != in.Type {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "otp_expired", "Token has expired or is invalid")
		return
	}
	delete(s.otps, in.Token)
	a := s.accounts[o.email]
	a.confirmed = true
	resp := s.issueLocked(a)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resend(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
		Type  string `json:"type"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	if a, ok := s.accounts[normalizeEmail(in.Email)]; ok && !(in.Type == "signup" && a.confirmed) {
		s.otps[uuid.NewString()] = otp{email: a.user.Email, otpType: in.Type}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) createLocked(email, password, name string) *account {
	now := time.Now().UTC()
	a := &account{
		user: session.UserRef{
			ID:        uuid.NewString(),
			Email:     normalizeEmail(email),
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		},
		password: password,
	}
	s.accounts[a.user.Email] = a
	return a
}

func (s *Server) rekeyLocked(a *account, email string) {
	old := a.user.Email
	delete(s.accounts, old)
	a.user.Email = email
	s.accounts[email] = a
	for tok, e := range s.access {
		if e == old {
			s.access[tok] = email
		}
	}
	for tok, e := range s.refresh {
		if e == old {
			s.refresh[tok] = email
		}
	}
}

func (s *Server) authenticatedLocked(r *http.Request) (*account, bool) {
	email, ok := s.access[bearer(r)]
	if !ok {
		return nil, false
	}
	a, ok := s.accounts[email]
	return a, ok
}

func (s *Server) issueLocked(a *account) fallback.AuthResponse {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   a.user.ID,
		Issuer:    "fallbacktest",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic("fallbacktest: sign token: " + err.Error())
	}
	refresh := uuid.NewString()
	s.access[access] = a.user.Email
	s.refresh[refresh] = a.user.Email

	u := a.user
	return fallback.AuthResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.ttl / time.Second),
		User:         &u,
	}
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
