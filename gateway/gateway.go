// Package gateway exposes the sync layer's operations over HTTP. Every
// request under /api carries a platform bearer token; the raw token is
// stashed in the request context so row reads and writes run under the
// caller's row-level security.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/movillink/sync_layer/auth"
	"github.com/movillink/sync_layer/catalog"
	"github.com/movillink/sync_layer/chat"
	"github.com/movillink/sync_layer/contracts"
	"github.com/movillink/sync_layer/internal/outcome"
	"github.com/movillink/sync_layer/storage"
	"github.com/movillink/sync_layer/supabase"
)

// advisorIssuer marks tokens minted by the gateway itself. Advisors
// authenticate against the asesores table and hold no platform session,
// so the gateway signs their bearer tokens with its own secret and
// their backend calls run under the anon key.
const advisorIssuer = "sync-gateway"

const advisorTokenTTL = 12 * time.Hour

// Identity is the caller extracted from the bearer token.
type Identity struct {
	UserID  string
	Email   string
	Advisor bool
}

type identityKey struct{}

// IdentityFromContext returns the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Server is the HTTP surface.
type Server struct {
	contracts *contracts.Coordinator
	chat      *chat.Channel
	catalog   *catalog.Cache
	auth      *auth.Service
	storage   *storage.Service
	log       *zap.Logger

	advisorSecret []byte

	// viewers counts open message streams per contract; the channel is
	// activated on the first viewer and deactivated on the last.
	viewersMu sync.Mutex
	viewers   map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithAuth enables the /api/auth routes.
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithStorage enables the plan image upload route.
func WithStorage(svc *storage.Service) Option {
	return func(s *Server) { s.storage = svc }
}

// WithAdvisorSecret sets the signing secret for gateway-issued advisor
// tokens. Without it a random secret is generated at startup, which
// invalidates advisor sessions across restarts.
func WithAdvisorSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.advisorSecret = []byte(secret)
		}
	}
}

// New creates a Server.
func New(coord *contracts.Coordinator, channel *chat.Channel, cache *catalog.Cache, opts ...Option) *Server {
	s := &Server{
		contracts: coord,
		chat:      channel,
		catalog:   cache,
		log:       zap.NewNop(),
		viewers:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.advisorSecret) == 0 {
		s.advisorSecret = make([]byte, 32)
		_, _ = rand.Read(s.advisorSecret)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.auth != nil {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/register", s.handleRegister)
				r.Post("/login", s.handleLogin)
				r.Post("/login/advisor", s.handleLoginAdvisor)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(s.withAuth)

			r.Route("/contracts", func(r chi.Router) {
				r.Post("/", s.handleCreateContract)
				r.Get("/", s.handleListContracts)
				r.Get("/{id}", s.handleGetContract)
				r.Post("/{id}/transition", s.handleTransition)
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", s.handleListConversations)
				r.Get("/{id}/messages", s.handleListMessages)
				r.Post("/{id}/messages", s.handleSendMessage)
				r.Get("/{id}/stream", s.handleStreamMessages)
			})

			r.Route("/plans", func(r chi.Router) {
				r.Get("/", s.handleListPlans)
				r.Post("/", s.handleCreatePlan)
				r.Get("/{id}", s.handleGetPlan)
				r.Patch("/{id}", s.handleUpdatePlan)
				r.Delete("/{id}", s.handleDeletePlan)
				r.Post("/{id}/deactivate", s.handleDeactivatePlan)
				if s.storage != nil {
					r.Post("/{id}/image", s.handleUploadPlanImage)
				}
			})
		})
	})

	return r
}

// withAuth extracts the bearer token and parses the caller identity
// from its claims. Platform tokens are stashed in the request context
// so backend calls run under the caller's row-level security; their
// signature is verified by the backend on every call they accompany.
// Gateway-issued advisor tokens are verified here with the gateway
// secret and are never forwarded, so advisor calls run under the anon
// key.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		claims := &gatewayClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			writeError(w, http.StatusUnauthorized, "malformed token")
			return
		}
		if claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, "token has no subject")
			return
		}

		ctx := r.Context()
		if claims.Issuer == advisorIssuer {
			if _, err := jwt.ParseWithClaims(token, &gatewayClaims{}, func(*jwt.Token) (any, error) {
				return s.advisorSecret, nil
			}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid advisor token")
				return
			}
		} else {
			ctx = supabase.WithAccessToken(ctx, token)
		}

		identity := Identity{
			UserID:  claims.Subject,
			Email:   claims.Email,
			Advisor: claims.Role == "asesor_comercial",
		}
		ctx = context.WithValue(ctx, identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) mintAdvisorToken(user auth.User) (string, error) {
	now := time.Now()
	claims := gatewayClaims{
		Email: user.Email,
		Role:  "asesor_comercial",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    advisorIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(advisorTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.advisorSecret)
}

type gatewayClaims struct {
	Email string `json:"email"`
	Role  string `json:"rol"`
	jwt.RegisteredClaims
}

// =============================================================================
// Auth
// =============================================================================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"nombre_completo"`
		Phone    string `json:"telefono"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out := s.auth.Register(r.Context(), req.Email, req.Password, req.FullName, req.Phone)
	writeOutcome(w, http.StatusCreated, out)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out := s.auth.Login(r.Context(), req.Email, req.Password)
	writeOutcome(w, http.StatusOK, out)
}

// handleLoginAdvisor checks the advisor's credentials and answers with
// a gateway-issued bearer token, since advisor accounts carry no
// platform session.
func (s *Server) handleLoginAdvisor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out := s.auth.LoginAdvisor(r.Context(), req.Email, req.Password)
	if out.State() != outcome.StateSuccess {
		writeOutcome(w, http.StatusOK, out)
		return
	}

	creds := out.Value()
	token, err := s.mintAdvisorToken(creds.User)
	if err != nil {
		s.log.Error("advisor token signing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not issue advisor token")
		return
	}
	creds.AccessToken = token
	writeJSON(w, http.StatusOK, map[string]any{"data": creds})
}

// =============================================================================
// Contracts
// =============================================================================

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req struct {
		PlanID       string  `json:"plan_id"`
		MonthlyPrice float64 `json:"precio_mensual"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out := s.contracts.Create(r.Context(), identity.UserID, req.PlanID, req.MonthlyPrice)
	writeOutcome(w, http.StatusCreated, out)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	scope := r.URL.Query().Get("scope")

	var out outcome.Outcome[[]contracts.Detail]
	switch {
	case scope == "pending" && identity.Advisor:
		out = s.contracts.ListPending(r.Context())
	case scope == "all" && identity.Advisor:
		out = s.contracts.ListAll(r.Context())
	default:
		out = s.contracts.ListByBuyer(r.Context(), identity.UserID)
	}
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	out := s.contracts.GetByID(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"estado"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out := s.contracts.Transition(r.Context(), chi.URLParam(r, "id"), contracts.Status(req.Status))
	writeOutcome(w, http.StatusOK, out)
}

// =============================================================================
// Conversations
// =============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	out := s.chat.ListConversations(r.Context(), identity.UserID, identity.Advisor)
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	out := s.chat.History(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req struct {
		Body string `json:"mensaje"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	out := s.chat.Send(r.Context(), chi.URLParam(r, "id"), identity.UserID, identity.Advisor, req.Body)
	writeOutcome(w, http.StatusCreated, out)
}

// handleStreamMessages streams a conversation's message list as
// server-sent events. The first event is the current snapshot; every
// applied reload after that emits a fresh one. When a snapshot arrives
// while the previous one is still unsent, only the newest is kept.
func (s *Server) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates := make(chan []chat.Message, 1)
	unsubscribe := s.chat.Subscribe(contractID, func(messages []chat.Message) {
		for {
			select {
			case updates <- messages:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	if err := s.acquireConversation(r.Context(), contractID); err != nil {
		s.log.Warn("conversation activation failed",
			zap.String("contract_id", contractID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "conversation activation failed")
		return
	}
	defer s.releaseConversation(contractID)

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case messages := <-updates:
			payload, err := json.Marshal(messages)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// acquireConversation activates the conversation for its first viewer.
// Subsequent viewers only bump the count; Activate is a no-op on an
// already-active conversation, so a lost race costs nothing.
func (s *Server) acquireConversation(ctx context.Context, contractID string) error {
	s.viewersMu.Lock()
	s.viewers[contractID]++
	s.viewersMu.Unlock()

	if err := s.chat.Activate(ctx, contractID); err != nil {
		s.releaseConversation(contractID)
		return err
	}
	return nil
}

func (s *Server) releaseConversation(contractID string) {
	s.viewersMu.Lock()
	s.viewers[contractID]--
	last := s.viewers[contractID] <= 0
	if last {
		delete(s.viewers, contractID)
	}
	s.viewersMu.Unlock()

	if last {
		s.chat.Deactivate(context.Background(), contractID)
	}
}

// =============================================================================
// Plans
// =============================================================================

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if segment := r.URL.Query().Get("segmento"); segment != "" {
		writeJSON(w, http.StatusOK, s.catalog.BySegment(segment))
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Plans())
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	out := s.catalog.GetByID(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if !identity.Advisor {
		writeError(w, http.StatusForbidden, "advisor role required")
		return
	}
	var plan catalog.Plan
	if !decodeBody(w, r, &plan) {
		return
	}
	out := s.catalog.CreatePlan(r.Context(), identity.UserID, plan)
	writeOutcome(w, http.StatusCreated, out)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if !identity.Advisor {
		writeError(w, http.StatusForbidden, "advisor role required")
		return
	}
	var fields map[string]any
	if !decodeBody(w, r, &fields) {
		return
	}
	out := s.catalog.UpdatePlan(r.Context(), chi.URLParam(r, "id"), fields)
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if !identity.Advisor {
		writeError(w, http.StatusForbidden, "advisor role required")
		return
	}
	out := s.catalog.DeletePlan(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleDeactivatePlan(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if !identity.Advisor {
		writeError(w, http.StatusForbidden, "advisor role required")
		return
	}
	out := s.catalog.DeactivatePlan(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out)
}

// handleUploadPlanImage stores the request body as the plan's image and
// writes the resulting public URL into the plan row.
func (s *Server) handleUploadPlanImage(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if !identity.Advisor {
		writeError(w, http.StatusForbidden, "advisor role required")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, storage.MaxFileSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds the size limit")
		return
	}

	url := s.storage.UploadPlanImage(r.Context(), data, r.Header.Get("Content-Type"), chi.URLParam(r, "id"))
	if url == "" {
		writeError(w, http.StatusBadRequest, "image rejected")
		return
	}

	out := s.catalog.UpdatePlan(r.Context(), chi.URLParam(r, "id"), map[string]any{"imagen_url": url})
	writeOutcome(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// Rendering
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeOutcome maps an Outcome to an HTTP response. Unknown-shape
// results answer 202: the operation most likely took effect but the
// backend's word for it was unintelligible.
func writeOutcome[T any](w http.ResponseWriter, okStatus int, out outcome.Outcome[T]) {
	switch out.State() {
	case outcome.StateSuccess:
		writeJSON(w, okStatus, map[string]any{"data": out.Value()})
	case outcome.StateUnknown:
		writeJSON(w, http.StatusAccepted, map[string]any{"raw": json.RawMessage(out.Raw())})
	default:
		writeJSON(w, statusFor(out.Kind()), map[string]any{
			"error": out.Detail(),
			"kind":  out.Kind().String(),
		})
	}
}

func statusFor(kind outcome.Kind) int {
	switch kind {
	case outcome.KindValidation:
		return http.StatusBadRequest
	case outcome.KindNotFound:
		return http.StatusNotFound
	case outcome.KindTransientReferential:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
