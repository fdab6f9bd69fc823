package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/movillink/sync_layer/auth"
	"github.com/movillink/sync_layer/catalog"
	"github.com/movillink/sync_layer/chat"
	"github.com/movillink/sync_layer/contracts"
	"github.com/movillink/sync_layer/internal/backend"
	"github.com/movillink/sync_layer/internal/rpcexec"
	"github.com/movillink/sync_layer/storage"
	"github.com/movillink/sync_layer/supabase"
)

const testAdvisorSecret = "gateway-test-secret"

type stubSessions struct {
	user  *supabase.AccountInfo
	token string
}

func (s *stubSessions) SignUp(ctx context.Context, email, password string) (*supabase.Session, error) {
	return &supabase.Session{AccessToken: s.token, User: s.user}, nil
}

func (s *stubSessions) SignInWithPassword(ctx context.Context, email, password string) (*supabase.Session, error) {
	return &supabase.Session{AccessToken: s.token, User: s.user}, nil
}

func (s *stubSessions) SignOut(ctx context.Context, accessToken string) error { return nil }

type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memoryBucket) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = data
	return nil
}

func (b *memoryBucket) Remove(ctx context.Context, paths []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		delete(b.objects, p)
	}
	return nil
}

func (b *memoryBucket) PublicURL(path string) string {
	return "https://cdn.example.com/" + path
}

func (b *memoryBucket) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type fixture struct {
	m        *backend.Memory
	router   http.Handler
	server   *Server
	cache    *catalog.Cache
	sessions *stubSessions
	bucket   *memoryBucket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := backend.NewMemory()
	exec := rpcexec.New(rpcexec.WithBaseDelay(time.Millisecond))

	coord := contracts.New(m, m, contracts.WithExecutor(exec))
	channel := chat.New(m, m, m, chat.WithExecutor(exec), chat.WithPollInterval(time.Hour))
	cache := catalog.New(m, m, m,
		catalog.WithExecutor(exec),
		catalog.WithSettleDelay(time.Millisecond))

	if err := cache.Start(context.Background()); err != nil {
		t.Fatalf("cache start: %v", err)
	}
	t.Cleanup(func() { cache.Stop(context.Background()) })

	sessions := &stubSessions{}
	accounts := auth.New(sessions, m, m, auth.WithExecutor(exec))
	bucket := &memoryBucket{objects: make(map[string][]byte)}
	images := storage.New(bucket)

	server := New(coord, channel, cache,
		WithAuth(accounts),
		WithStorage(images),
		WithAdvisorSecret(testAdvisorSecret))
	return &fixture{
		m: m, router: server.Router(), server: server,
		cache: cache, sessions: sessions, bucket: bucket,
	}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	claims := gatewayClaims{
		Email: userID + "@example.com",
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
	return envelope.Data
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAPIRejectsMissingOrMalformedToken(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/api/plans", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/plans", "garbage", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestCreateContract_UsesTokenSubject(t *testing.T) {
	f := newFixture(t)
	f.m.Handle("crear_contratacion", func(params map[string]any) ([]byte, error) {
		return []byte(`{"id":"c1","estado":"pendiente"}`), nil
	})

	rec := f.do(t, http.MethodPost, "/api/contracts", token(t, "u1", ""),
		`{"plan_id":"p1","precio_mensual":29.9}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	contract := decodeData[contracts.Contract](t, rec)
	if contract.ID != "c1" {
		t.Errorf("contract = %+v", contract)
	}

	calls := f.m.RPCCalls("crear_contratacion")
	if len(calls) != 1 || calls[0]["p_usuario_id"] != "u1" {
		t.Errorf("calls = %v, want buyer id from token", calls)
	}
}

func TestTransitionContract(t *testing.T) {
	f := newFixture(t)
	f.m.Handle("actualizar_estado_contratacion", func(params map[string]any) ([]byte, error) {
		return []byte(`{"success":true,"rows_affected":1}`), nil
	})

	rec := f.do(t, http.MethodPost, "/api/contracts/c1/transition", token(t, "u1", ""),
		`{"estado":"activa"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !decodeData[bool](t, rec) {
		t.Error("data = false, want true")
	}

	rec = f.do(t, http.MethodPost, "/api/contracts/c1/transition", token(t, "u1", ""),
		`{"estado":"pendiente"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid target: status = %d, want 400", rec.Code)
	}
}

func TestGetContract_NotFound(t *testing.T) {
	f := newFixture(t)
	f.m.Handle("obtener_contratacion_por_id", func(params map[string]any) ([]byte, error) {
		return []byte(`null`), nil
	})

	rec := f.do(t, http.MethodGet, "/api/contracts/missing", token(t, "u1", ""), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSendMessage_SenderColumnFollowsRole(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/conversations/c1/messages", token(t, "u1", ""),
		`{"mensaje":"hola"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("buyer send: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/conversations/c1/messages", token(t, "a1", "asesor_comercial"),
		`{"mensaje":"buenas"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("advisor send: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rows := f.m.Rows("mensajes_chat")
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["usuario_id"] != "u1" {
		t.Errorf("buyer row = %v", rows[0])
	}
	if rows[1]["asesor_id"] != "a1" {
		t.Errorf("advisor row = %v", rows[1])
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	f.m.Seed("mensajes_chat",
		map[string]any{"id": "m1", "contratacion_id": "c1", "mensaje": "hola", "leido": false, "created_at": "2026-01-01T10:00:00Z"},
	)

	rec := f.do(t, http.MethodGet, "/api/conversations/c1/messages", token(t, "u1", ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	msgs := decodeData[[]chat.Message](t, rec)
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestListConversations_BuyerScope(t *testing.T) {
	f := newFixture(t)
	f.m.Seed("vw_conversaciones_chat",
		map[string]any{"contratacion_id": "c1", "usuario_id": "u1", "timestamp_ultimo": "2026-01-01T10:00:00Z", "no_leidos": 1},
		map[string]any{"contratacion_id": "c2", "usuario_id": "u2", "timestamp_ultimo": "2026-01-02T10:00:00Z", "no_leidos": 0},
	)

	rec := f.do(t, http.MethodGet, "/api/conversations", token(t, "u1", ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rows := decodeData[[]chat.ConversationSummary](t, rec)
	if len(rows) != 1 || rows[0].ContractID != "c1" {
		t.Errorf("rows = %+v, want only u1's conversation", rows)
	}
}

func TestPlans_ServedFromCache(t *testing.T) {
	f := newFixture(t)
	f.m.Seed("planes_moviles", map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"})
	if err := f.cache.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/plans", token(t, "u1", ""), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var plans []catalog.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &plans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(plans) != 1 || plans[0].ID != "p1" {
		t.Errorf("plans = %+v", plans)
	}
}

func TestPlanMutations_RequireAdvisorRole(t *testing.T) {
	f := newFixture(t)
	f.m.Handle("crear_plan_asesor", func(params map[string]any) ([]byte, error) {
		return []byte(`{"success":true,"plan_id":"p9"}`), nil
	})

	body := `{"nombre":"Pro","precio":30,"segmento":"empresas"}`

	rec := f.do(t, http.MethodPost, "/api/plans", token(t, "u1", ""), body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("buyer create plan: status = %d, want 403", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/plans", token(t, "a1", "asesor_comercial"), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("advisor create plan: status = %d, body %s", rec.Code, rec.Body.String())
	}
	plan := decodeData[catalog.Plan](t, rec)
	if plan.ID != "p9" {
		t.Errorf("plan = %+v", plan)
	}
}

func TestRegisterRoute_NeedsNoBearerAndReturnsCredentials(t *testing.T) {
	f := newFixture(t)
	f.m.Handle("crear_perfil_usuario", func(params map[string]any) ([]byte, error) {
		return []byte(`{"success":true}`), nil
	})
	f.sessions.user = &supabase.AccountInfo{ID: "u1", Email: "ana@example.com"}
	f.sessions.token = "platform-token"

	rec := f.do(t, http.MethodPost, "/api/auth/register", "",
		`{"email":"ana@example.com","password":"secret","nombre_completo":"Ana Perez"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	creds := decodeData[auth.Credentials](t, rec)
	if creds.User.ID != "u1" || creds.AccessToken != "platform-token" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestLoginRoute_ReturnsCredentials(t *testing.T) {
	f := newFixture(t)
	f.m.Seed("perfiles", map[string]any{
		"user_id": "u1", "full_name": "Ana Perez", "rol": "usuario_registrado",
	})
	f.sessions.user = &supabase.AccountInfo{ID: "u1", Email: "ana@example.com"}
	f.sessions.token = "platform-token"

	rec := f.do(t, http.MethodPost, "/api/auth/login", "",
		`{"email":"ana@example.com","password":"secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	creds := decodeData[auth.Credentials](t, rec)
	if creds.User.FullName != "Ana Perez" || creds.AccessToken != "platform-token" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestAdvisorLogin_MintedTokenOpensAdvisorRoutes(t *testing.T) {
	f := newFixture(t)
	f.m.Seed("asesores", map[string]any{
		"id": "a1", "email": "luis@example.com", "nombre": "Luis Gomez",
		"activo": true, "password": "advisorpass",
	})
	f.m.Handle("crear_plan_asesor", func(params map[string]any) ([]byte, error) {
		return []byte(`{"success":true,"plan_id":"p9"}`), nil
	})

	rec := f.do(t, http.MethodPost, "/api/auth/login/advisor", "",
		`{"email":"luis@example.com","password":"advisorpass"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	creds := decodeData[auth.Credentials](t, rec)
	if creds.User.ID != "a1" || creds.AccessToken == "" {
		t.Fatalf("credentials = %+v, want gateway-issued token", creds)
	}

	rec = f.do(t, http.MethodPost, "/api/plans", creds.AccessToken,
		`{"nombre":"Pro","precio":30,"segmento":"empresas"}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("advisor create plan: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAdvisorToken_ForgedSignatureRejected(t *testing.T) {
	f := newFixture(t)

	claims := gatewayClaims{
		Role: "asesor_comercial",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a1",
			Issuer:    advisorIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-the-gateway-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/plans", forged, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestUploadPlanImage_StoresObjectAndPatchesPlan(t *testing.T) {
	f := newFixture(t)
	f.m.Seed("planes_moviles", map[string]any{
		"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas",
		"activo": true, "created_at": "2026-01-01T00:00:00Z",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/plans/p1/image", strings.NewReader("fake-png-bytes"))
	req.Header.Set("Authorization", "Bearer "+token(t, "a1", "asesor_comercial"))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	plan := decodeData[catalog.Plan](t, rec)
	if !strings.Contains(plan.ImageURL, "planes/plan-p1-") {
		t.Errorf("image url = %q", plan.ImageURL)
	}
	if f.bucket.count() != 1 {
		t.Errorf("stored objects = %d, want 1", f.bucket.count())
	}

	rows := f.m.Rows("planes_moviles")
	if len(rows) != 1 || rows[0]["imagen_url"] != plan.ImageURL {
		t.Errorf("rows = %v, want imagen_url written through", rows)
	}
}

func TestUploadPlanImage_BuyerForbidden(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/plans/p1/image", strings.NewReader("bytes"))
	req.Header.Set("Authorization", "Bearer "+token(t, "u1", ""))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestStreamMessages_DeliversSnapshotAndLiveUpdates(t *testing.T) {
	f := newFixture(t)
	f.m.Seed("mensajes_chat", map[string]any{
		"id": "m1", "contratacion_id": "c1", "mensaje": "hola", "leido": true,
		"created_at": "2026-01-01T10:00:00Z",
	})

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/conversations/c1/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, "u1", ""))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	waitEvent := func(wantID string) {
		t.Helper()
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, wantID) {
				return
			}
		}
		t.Fatalf("stream ended before an event mentioning %s: %v", wantID, scanner.Err())
	}

	waitEvent("m1")

	f.m.Seed("mensajes_chat", map[string]any{
		"id": "m2", "contratacion_id": "c1", "mensaje": "buenas", "leido": true,
		"created_at": "2026-01-01T10:01:00Z",
	})
	f.m.EmitChange("mensajes_chat", "contratacion_id=eq.c1", []byte(`{"id":"m2"}`))

	waitEvent("m2")
}

func TestConversationViewerRefcount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.server.acquireConversation(ctx, "c1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := f.server.acquireConversation(ctx, "c1"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	f.server.releaseConversation("c1")
	f.server.viewersMu.Lock()
	remaining := f.server.viewers["c1"]
	f.server.viewersMu.Unlock()
	if remaining != 1 {
		t.Errorf("viewers after one release = %d, want 1", remaining)
	}

	f.server.releaseConversation("c1")
	f.server.viewersMu.Lock()
	_, still := f.server.viewers["c1"]
	f.server.viewersMu.Unlock()
	if still {
		t.Error("viewer entry should be dropped after the last release")
	}
}
