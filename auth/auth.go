// Package auth manages user identity: buyer registration and login
// against the platform's auth endpoints, advisor login against the
// advisor table, and a replay-latest current-user stream.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/movillink/sync_layer/internal/backend"
	"github.com/movillink/sync_layer/internal/outcome"
	"github.com/movillink/sync_layer/internal/rpcexec"
	"github.com/movillink/sync_layer/supabase"
)

// Role is a user role.
type Role string

const (
	// RoleBuyer is a registered end user.
	RoleBuyer Role = "usuario_registrado"
	// RoleAdvisor is a commercial advisor.
	RoleAdvisor Role = "asesor_comercial"
)

const (
	rpcCreateProfile = "crear_perfil_usuario"
	tableProfiles    = "perfiles"
	tableAdvisors    = "asesores"
)

// User is the authenticated identity.
type User struct {
	ID        string
	Email     string
	FullName  string
	Phone     string
	Role      Role
	AvatarURL string
}

// IsAdvisor reports whether the user holds the advisor role.
func (u *User) IsAdvisor() bool {
	return u != nil && u.Role == RoleAdvisor
}

// Credentials pairs an authenticated user with their session tokens.
// Advisor logins carry no platform session, so their tokens are empty
// and the caller decides what to issue instead.
type Credentials struct {
	User         User   `json:"user"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// SessionAPI is the slice of the platform auth surface the service
// needs. *supabase.AuthClient implements it.
type SessionAPI interface {
	SignUp(ctx context.Context, email, password string) (*supabase.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

var _ SessionAPI = (*supabase.AuthClient)(nil)

// UserObserver receives the current user, nil when signed out.
type UserObserver func(u *User)

// Service coordinates authentication flows.
type Service struct {
	sessions SessionAPI
	store    backend.Store
	caller   backend.Caller
	exec     *rpcexec.Executor
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	current   *User
	session   *supabase.Session
	observers map[int]UserObserver
	nextObs   int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithExecutor replaces the executor used for profile creation.
func WithExecutor(e *rpcexec.Executor) Option {
	return func(s *Service) { s.exec = e }
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// New creates a Service.
func New(sessions SessionAPI, store backend.Store, caller backend.Caller, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		store:     store,
		caller:    caller,
		exec:      rpcexec.New(),
		log:       zap.NewNop(),
		now:       time.Now,
		observers: make(map[int]UserObserver),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register signs the user up and creates their profile row. Profile
// creation goes through the retrying executor: the freshly created auth
// user may not yet be visible to the profile table's foreign key.
func (s *Service) Register(ctx context.Context, email, password, fullName, phone string) outcome.Outcome[Credentials] {
	if email == "" || password == "" {
		return outcome.Fail[Credentials](outcome.KindValidation, "email and password are required")
	}
	if fullName == "" {
		return outcome.Fail[Credentials](outcome.KindValidation, "full name is required")
	}

	sess, err := s.sessions.SignUp(ctx, email, password)
	if err != nil {
		return outcome.Failf[Credentials](outcome.KindBackend, "sign up: %v", err)
	}
	if sess.User == nil || sess.User.ID == "" {
		return outcome.Fail[Credentials](outcome.KindBackend, "sign up returned no user")
	}

	params := map[string]any{
		"p_user_id":   sess.User.ID,
		"p_full_name": fullName,
		"p_phone":     orNil(phone),
		"p_rol":       string(RoleBuyer),
	}
	res := s.exec.Execute(ctx, rpcCreateProfile, func(ctx context.Context) ([]byte, error) {
		return s.caller.CallRPC(ctx, rpcCreateProfile, params)
	})
	if res.Failed() && !strings.Contains(res.Detail(), "ya existe") {
		return outcome.FailFrom[Credentials](res)
	}

	user := User{
		ID:       sess.User.ID,
		Email:    sess.User.Email,
		FullName: fullName,
		Phone:    phone,
		Role:     RoleBuyer,
	}
	if user.Email == "" {
		user.Email = email
	}
	s.setCurrent(&user, sess)
	return outcome.Success(Credentials{
		User:         user,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
	})
}

// Login authenticates a buyer with the password grant and enriches the
// identity from their profile row. A missing profile does not fail the
// login; the basic identity from the session is used instead.
func (s *Service) Login(ctx context.Context, email, password string) outcome.Outcome[Credentials] {
	if email == "" || password == "" {
		return outcome.Fail[Credentials](outcome.KindValidation, "email and password are required")
	}

	sess, err := s.sessions.SignInWithPassword(ctx, email, password)
	if err != nil {
		return outcome.Failf[Credentials](outcome.KindBackend, "sign in: %v", err)
	}
	if sess.User == nil || sess.User.ID == "" {
		return outcome.Fail[Credentials](outcome.KindBackend, "sign in returned no user")
	}

	user := User{ID: sess.User.ID, Email: sess.User.Email, Role: RoleBuyer}
	if user.Email == "" {
		user.Email = email
	}
	if profile, err := s.loadProfile(ctx, sess.User.ID); err != nil {
		s.log.Warn("profile load failed after login",
			zap.String("user_id", sess.User.ID), zap.Error(err))
	} else {
		user.FullName = profile.FullName
		user.Phone = profile.Phone
		user.AvatarURL = profile.AvatarURL
		if profile.Role != "" {
			user.Role = profile.Role
		}
	}

	s.setCurrent(&user, sess)
	return outcome.Success(Credentials{
		User:         user,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
	})
}

// LoginAdvisor authenticates against the advisor table. Stored
// credentials are bcrypt hashes; a value without the bcrypt prefix is
// compared directly, which covers seeded test rows.
func (s *Service) LoginAdvisor(ctx context.Context, email, password string) outcome.Outcome[Credentials] {
	if email == "" || password == "" {
		return outcome.Fail[Credentials](outcome.KindValidation, "email and password are required")
	}

	// Any active session would conflict with the advisor identity.
	s.signOutCurrent(ctx)

	raw, err := s.store.Select(ctx, backend.Query{
		Table:   tableAdvisors,
		Filters: []backend.Filter{backend.Eq("email", email)},
		Single:  true,
	})
	if err != nil {
		return outcome.Fail[Credentials](outcome.KindNotFound, "invalid advisor credentials")
	}

	var advisor advisorRow
	if err := json.Unmarshal(raw, &advisor); err != nil {
		return outcome.Failf[Credentials](outcome.KindParse, "decode advisor: %v", err)
	}

	secret := advisor.Password
	if secret == "" {
		secret = advisor.PasswordHash
	}
	if secret == "" {
		return outcome.Fail[Credentials](outcome.KindBackend, "advisor record has no credential")
	}

	if strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") {
		if bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) != nil {
			return outcome.Fail[Credentials](outcome.KindValidation, "incorrect password")
		}
	} else if password != secret {
		return outcome.Fail[Credentials](outcome.KindValidation, "incorrect password")
	}

	if advisor.Active != nil && !*advisor.Active {
		return outcome.Fail[Credentials](outcome.KindValidation, "advisor is inactive")
	}

	name := advisor.Name
	if name == "" {
		name = advisor.FullName
	}
	user := User{
		ID:        advisor.ID,
		Email:     advisor.Email,
		FullName:  name,
		Phone:     advisor.Phone,
		Role:      RoleAdvisor,
		AvatarURL: advisor.AvatarURL,
	}
	s.setCurrent(&user, nil)
	return outcome.Success(Credentials{User: user})
}

// Logout signs out and clears the current user.
func (s *Service) Logout(ctx context.Context) {
	s.signOutCurrent(ctx)
	s.setCurrent(nil, nil)
}

// RestoreSession rebuilds the current user from a stored access token.
// The token is parsed for identity and expiry; signature verification is
// the backend's job, every subsequent call carries the token anyway.
func (s *Service) RestoreSession(ctx context.Context, accessToken string) outcome.Outcome[User] {
	claims := &tokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return outcome.Failf[User](outcome.KindValidation, "parse token: %v", err)
	}
	if claims.Subject == "" {
		return outcome.Fail[User](outcome.KindValidation, "token has no subject")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(s.now()) {
		return outcome.Fail[User](outcome.KindValidation, "token expired")
	}

	user := User{ID: claims.Subject, Email: claims.Email, Role: RoleBuyer}
	if profile, err := s.loadProfile(ctx, claims.Subject); err == nil {
		user.FullName = profile.FullName
		user.Phone = profile.Phone
		user.AvatarURL = profile.AvatarURL
		if profile.Role != "" {
			user.Role = profile.Role
		}
	}

	s.setCurrent(&user, &supabase.Session{AccessToken: accessToken})
	return outcome.Success(user)
}

// CurrentUser returns the current user, nil when signed out.
func (s *Service) CurrentUser() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// AccessToken returns the current session's access token, empty when
// there is none.
func (s *Service) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

// Subscribe registers an observer for the current-user stream. It is
// called immediately with the current value and on every change. The
// returned function removes the registration.
func (s *Service) Subscribe(obs UserObserver) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	current := s.current
	s.mu.Unlock()

	obs(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Service) setCurrent(u *User, sess *supabase.Session) {
	s.mu.Lock()
	s.current = u
	s.session = sess
	observers := make([]UserObserver, 0, len(s.observers))
	for _, obs := range s.observers {
		observers = append(observers, obs)
	}
	s.mu.Unlock()

	for _, obs := range observers {
		obs(u)
	}
}

func (s *Service) signOutCurrent(ctx context.Context) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil || sess.AccessToken == "" {
		return
	}
	if err := s.sessions.SignOut(ctx, sess.AccessToken); err != nil {
		s.log.Warn("sign out failed", zap.Error(err))
	}
}

type profileRow struct {
	UserID    string `json:"user_id"`
	FullName  string `json:"full_name"`
	Phone     string `json:"phone"`
	Role      Role   `json:"rol"`
	AvatarURL string `json:"avatar_url"`
}

func (s *Service) loadProfile(ctx context.Context, userID string) (*profileRow, error) {
	raw, err := s.store.Select(ctx, backend.Query{
		Table:   tableProfiles,
		Filters: []backend.Filter{backend.Eq("user_id", userID)},
		Single:  true,
	})
	if err != nil {
		return nil, err
	}
	var profile profileRow
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

type advisorRow struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"nombre"`
	FullName     string `json:"full_name"`
	Phone        string `json:"telefono"`
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
	Active       *bool  `json:"activo"`
	AvatarURL    string `json:"foto_perfil"`
}

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
