package api

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"portalchat/pkg/api/auth"
	"portalchat/pkg/config"
	"portalchat/pkg/realtime"
	"portalchat/pkg/router"
	"portalchat/pkg/store"
)

const (
	testBackendKey  = "backend-secret"
	testFrontendKey = "frontend-public"
	testAdminKey    = "admin-secret"
)

type testServer struct {
	client *fasthttp.Client
	engine *realtime.Engine
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	config.SetRuntime(&config.RuntimeConfig{
		BackendKeys: map[string]struct{}{testBackendKey: {}},
		SigningKeys: map[string]struct{}{testBackendKey: {}},
	})

	db, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	eng := realtime.New(db)

	a := New(Deps{Engine: eng, DB: db, Version: "test"})
	r := router.New()
	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) { router.WriteJSONOk(ctx, map[string]interface{}{"status": "ok"}) })
	a.RegisterRoutes(r)

	gw := auth.NewGateway(auth.SecConfig{
		RPS:          1000,
		Burst:        1000,
		BackendKeys:  map[string]struct{}{testBackendKey: {}},
		FrontendKeys: map[string]struct{}{testFrontendKey: {}},
		AdminKeys:    map[string]struct{}{testAdminKey: {}},
	})

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: gw.Wrap(r.Handler)}
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
		gw.Close()
		eng.Close()
		_ = db.Close()
	})
	return &testServer{
		engine: eng,
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
	}
}

type call struct {
	method  string
	path    string
	key     string
	userID  string
	body    any
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://portalchat" + c.path)
	req.Header.SetMethod(c.method)
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
		req.Header.Set("X-User-Signature", auth.CreateHMACSignature(c.userID, testBackendKey))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		req.Header.SetContentType("application/json")
		req.SetBody(raw)
	}
	require.NoError(t, s.client.Do(req, resp))

	var out map[string]any
	if len(resp.Body()) > 0 {
		_ = json.Unmarshal(resp.Body(), &out)
	}
	return resp.StatusCode(), out
}

func conversationUpdates(cid string, members ...string) map[string]any {
	ms := make([]any, 0, len(members))
	for _, m := range members {
		ms = append(ms, m)
	}
	updates := map[string]any{
		"conversations/" + cid: map[string]any{
			"id": cid, "type": "group", "title": "Planning", "members": ms,
			"createdAt": 1, "updatedAt": 1,
		},
	}
	for _, m := range members {
		updates["userConversations/"+m+"/"+cid] = map[string]any{
			"id": cid, "type": "group", "title": "Planning", "members": ms,
			"createdAt": 1, "updatedAt": 1,
		}
	}
	return updates
}

func TestHealthzIsPublic(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "GET", path: "/healthz"})
	assert.Equal(t, 200, code)
}

func TestSignRequiresBackendKey(t *testing.T) {
	s := startTestServer(t)

	code, body := s.do(t, call{method: "POST", path: "/v1/_sign", key: testBackendKey, body: map[string]string{"userId": "42"}})
	require.Equal(t, 200, code)
	assert.Equal(t, "42", body["userId"])
	assert.True(t, auth.VerifyHMACSignature("42", body["signature"].(string)))

	code, _ = s.do(t, call{method: "POST", path: "/v1/_sign", key: testFrontendKey, body: map[string]string{"userId": "42"}})
	assert.Equal(t, 403, code)

	code, _ = s.do(t, call{method: "POST", path: "/v1/_sign", body: map[string]string{"userId": "42"}})
	assert.Equal(t, 401, code)
}

func TestFrontendNeedsValidSignature(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "GET", path: "/v1/tree/profiles/1", key: testFrontendKey})
	assert.Equal(t, 401, code)

	code, _ = s.do(t, call{method: "GET", path: "/v1/tree/profiles/1", key: testFrontendKey, headers: map[string]string{
		"X-User-ID": "1", "X-User-Signature": "bogus",
	}})
	assert.Equal(t, 401, code)
}

func TestMemberCanCreateAndRead(t *testing.T) {
	s := startTestServer(t)

	code, body := s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "1",
		body: PatchRequest{Updates: conversationUpdates("c1", "1", "2")}})
	require.Equal(t, 200, code, body)

	code, body = s.do(t, call{method: "GET", path: "/v1/tree/conversations/c1/title", key: testFrontendKey, userID: "2"})
	require.Equal(t, 200, code)
	assert.Equal(t, true, body["exists"])
	assert.Equal(t, "Planning", body["value"])

	code, _ = s.do(t, call{method: "GET", path: "/v1/tree/conversations/c1", key: testFrontendKey, userID: "3"})
	assert.Equal(t, 403, code)

	code, _ = s.do(t, call{method: "GET", path: "/v1/tree/userConversations/2", key: testFrontendKey, userID: "1"})
	assert.Equal(t, 403, code)
}

func TestNonMemberCannotCreateForOthers(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "9",
		body: PatchRequest{Updates: conversationUpdates("c1", "1", "2")}})
	assert.Equal(t, 403, code)
}

func TestDirectoryEntryOnlyForMembers(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "PATCH", path: "/v1/tree", key: testBackendKey,
		body: PatchRequest{Updates: conversationUpdates("c1", "1", "2")}})
	require.Equal(t, 200, code)

	entry := map[string]any{"id": "c1", "type": "group", "title": "Planning", "updatedAt": 2}
	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "1",
		body: PatchRequest{Updates: map[string]any{"userConversations/3/c1": entry}}})
	assert.Equal(t, 403, code, "owner is not a member")

	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "1",
		body: PatchRequest{Updates: map[string]any{"userConversations/2/c1/updatedAt": 2}}})
	assert.Equal(t, 200, code)

	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "3",
		body: PatchRequest{Updates: conversationUpdates("c2", "3", "4")}})
	assert.Equal(t, 200, code, "new conversation writes every member's entry")
}

func TestMessageRules(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "PATCH", path: "/v1/tree", key: testBackendKey,
		body: PatchRequest{Updates: conversationUpdates("c1", "1", "2")}})
	require.Equal(t, 200, code)

	msg := map[string]any{"text": "hi", "senderId": "1", "senderName": "Ana", "sentAt": 1, "seenBy": map[string]any{"1": 1}}
	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "2",
		body: PatchRequest{Updates: map[string]any{"messages/c1/m1": msg}}})
	assert.Equal(t, 403, code, "sender must be the caller")

	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "1",
		body: PatchRequest{Updates: map[string]any{"messages/c1/m1": msg}}})
	require.Equal(t, 200, code)

	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "1",
		body: PatchRequest{Updates: map[string]any{"messages/c1/m1/text": "edited"}}})
	assert.Equal(t, 403, code, "messages are append-only")

	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "2",
		body: PatchRequest{Updates: map[string]any{"messages/c1/m1/seenBy/1": 5}}})
	assert.Equal(t, 403, code, "seenBy entry must be the caller's")

	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "2",
		body: PatchRequest{Updates: map[string]any{"messages/c1/m1/seenBy/2": 5}}})
	assert.Equal(t, 200, code)
}

func TestPreconditionConflict(t *testing.T) {
	s := startTestServer(t)
	req := PatchRequest{
		Updates:       map[string]any{"privatePairs/1_2": map[string]any{"id": "c1"}},
		Preconditions: []realtime.Precondition{{Path: "privatePairs/1_2", Absent: true}},
	}
	code, _ := s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "1", body: req})
	require.Equal(t, 200, code)
	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testFrontendKey, userID: "2", body: req})
	assert.Equal(t, 409, code)
}

func TestInvalidPathAndPause(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "PATCH", path: "/v1/tree", key: testBackendKey,
		body: PatchRequest{Updates: map[string]any{"a/b.c": 1}}})
	assert.Equal(t, 400, code)

	s.engine.SetPaused(true)
	code, _ = s.do(t, call{method: "PATCH", path: "/v1/tree", key: testBackendKey,
		body: PatchRequest{Updates: map[string]any{"a/b": 1}}})
	assert.Equal(t, 503, code)
}

func TestAdminRoutesRequireAdminKey(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "GET", path: "/admin/stats", key: testBackendKey})
	assert.Equal(t, 403, code)

	code, body := s.do(t, call{method: "GET", path: "/admin/stats", key: testAdminKey})
	require.Equal(t, 200, code)
	assert.Contains(t, body, "conversations")

	code, _ = s.do(t, call{method: "GET", path: "/v1/tree/profiles/1", key: testAdminKey})
	assert.Equal(t, 403, code)
}

func TestProfileOwnerOnly(t *testing.T) {
	s := startTestServer(t)
	code, _ := s.do(t, call{method: "PUT", path: "/v1/profiles/1", key: testFrontendKey, userID: "2",
		body: map[string]string{"name": "Mallory"}})
	assert.Equal(t, 403, code)

	code, _ = s.do(t, call{method: "PUT", path: "/v1/profiles/1", key: testFrontendKey, userID: "1",
		body: map[string]string{"name": "Ana"}})
	require.Equal(t, 200, code)

	code, body := s.do(t, call{method: "GET", path: "/v1/tree/profiles/1/name", key: testFrontendKey, userID: "2"})
	require.Equal(t, 200, code)
	assert.Equal(t, "Ana", body["value"])
}

func TestGenerateKey(t *testing.T) {
	s := startTestServer(t)
	code, body := s.do(t, call{method: "POST", path: "/v1/keys", key: testFrontendKey, userID: "1"})
	require.Equal(t, 200, code)
	assert.Len(t, body["key"], store.PushIDLen)
}
