package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
)

// fakeSender records file messages instead of fanning them out.
type fakeSender struct {
	calls []string
}

func (f *fakeSender) SendFileMessage(ctx context.Context, roomID, senderID, filename, fileURL, msgType string) (*models.Message, error) {
	f.calls = append(f.calls, roomID)
	return &models.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   filename,
		Type:      msgType,
		FileURL:   fileURL,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type testServer struct {
	*httptest.Server
	db     *database.DB
	sender *fakeSender
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		HTTPPort:       3000,
		JWTSecret:      "test-secret",
		JWTExpiresIn:   "1h",
		UploadsDir:     t.TempDir(),
		MaxUploadBytes: 1 << 20,
		CORSOrigins:    "*",
		LogLevel:       "info",
		LogFormat:      "text",
	}

	sender := &fakeSender{}
	srv := NewServer(cfg, db, sender, nil, nil)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, db: db, sender: sender}
}

// postJSON sends a JSON body and decodes the response envelope.
func (ts *testServer) postJSON(t *testing.T, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return ts.do(t, req)
}

func (ts *testServer) get(t *testing.T, path, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return ts.do(t, req)
}

func (ts *testServer) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.StatusCode, env
}

// register creates an account and returns the response envelope data.
func (ts *testServer) register(t *testing.T, username string) map[string]any {
	t.Helper()
	status, env := ts.postJSON(t, "/api/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "secret123",
	})
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d, env %v", username, status, env)
	}
	data, _ := env["data"].(map[string]any)
	return data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	status, env := ts.get(t, "/api/health", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	data, _ := env["data"].(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("health data = %v", data)
	}
}

func TestRegisterFirstUserIsActiveAdmin(t *testing.T) {
	ts := newTestServer(t)

	data := ts.register(t, "alice")
	user, _ := data["user"].(map[string]any)
	if user["role"] != models.RoleAdmin || user["status"] != models.UserStatusActive {
		t.Errorf("first user = %v, want active admin", user)
	}
	if tok, _ := data["token"].(string); tok == "" {
		t.Error("first user got no token")
	}

	// Second user is pending and gets no token until approved.
	data = ts.register(t, "bob")
	user, _ = data["user"].(map[string]any)
	if user["role"] != models.RoleUser || user["status"] != models.UserStatusPending {
		t.Errorf("second user = %v, want pending user", user)
	}
	if tok, _ := data["token"].(string); tok != "" {
		t.Error("pending user received a token")
	}
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []map[string]string{
		{"username": "x", "email": "x@example.com", "password": "secret123"},
		{"username": "valid", "email": "not-an-email", "password": "secret123"},
		{"username": "valid", "email": "v@example.com", "password": "short"},
	}
	for i, body := range cases {
		status, _ := ts.postJSON(t, "/api/auth/register", "", body)
		if status != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, status)
		}
	}

	ts.register(t, "alice")
	status, _ := ts.postJSON(t, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "secret123",
	})
	if status != http.StatusConflict {
		t.Errorf("duplicate username: status = %d, want 409", status)
	}
}

func TestLoginLifecycle(t *testing.T) {
	ts := newTestServer(t)

	adminData := ts.register(t, "alice")
	adminToken, _ := adminData["token"].(string)
	bobData := ts.register(t, "bob")
	bobUser, _ := bobData["user"].(map[string]any)
	bobID, _ := bobUser["id"].(string)

	// Pending account cannot log in even with correct credentials.
	status, _ := ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"username": "bob", "password": "secret123",
	})
	if status != http.StatusForbidden {
		t.Fatalf("pending login: status = %d, want 403", status)
	}

	// Admin approves; login now succeeds.
	status, _ = ts.postJSON(t, fmt.Sprintf("/api/admin/users/%s/approve", bobID), adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("approve: status = %d", status)
	}
	status, env := ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"username": "bob", "password": "secret123",
	})
	if status != http.StatusOK {
		t.Fatalf("login after approve: status = %d, env %v", status, env)
	}
	data, _ := env["data"].(map[string]any)
	if tok, _ := data["token"].(string); tok == "" {
		t.Error("login returned no token")
	}

	// Wrong password and unknown user both map to 401.
	status, _ = ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"username": "bob", "password": "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", status)
	}
	status, _ = ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"username": "nobody", "password": "secret123",
	})
	if status != http.StatusUnauthorized {
		t.Errorf("unknown user: status = %d, want 401", status)
	}

	// Rejected account is refused with 403.
	status, _ = ts.postJSON(t, fmt.Sprintf("/api/admin/users/%s/reject", bobID), adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("reject: status = %d", status)
	}
	status, _ = ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"username": "bob", "password": "secret123",
	})
	if status != http.StatusForbidden {
		t.Errorf("rejected login: status = %d, want 403", status)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	ts := newTestServer(t)

	adminData := ts.register(t, "alice")
	adminToken, _ := adminData["token"].(string)
	bobData := ts.register(t, "bob")
	bobUser, _ := bobData["user"].(map[string]any)
	bobID, _ := bobUser["id"].(string)

	ts.postJSON(t, fmt.Sprintf("/api/admin/users/%s/approve", bobID), adminToken, nil)
	status, env := ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"username": "bob", "password": "secret123",
	})
	if status != http.StatusOK {
		t.Fatalf("bob login: status = %d", status)
	}
	data, _ := env["data"].(map[string]any)
	bobToken, _ := data["token"].(string)

	// No token.
	if status, _ := ts.get(t, "/api/admin/users", ""); status != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", status)
	}
	// Non-admin token.
	if status, _ := ts.get(t, "/api/admin/users", bobToken); status != http.StatusForbidden {
		t.Errorf("user token: status = %d, want 403", status)
	}
	// Admin token.
	status, env = ts.get(t, "/api/admin/users", adminToken)
	if status != http.StatusOK {
		t.Fatalf("admin list: status = %d", status)
	}
	if list, _ := env["data"].([]any); len(list) != 2 {
		t.Errorf("listed %d users, want 2", len(env["data"].([]any)))
	}

	if status, _ := ts.postJSON(t, "/api/admin/users/missing/approve", adminToken, nil); status != http.StatusNotFound {
		t.Errorf("approve missing user: status = %d, want 404", status)
	}
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t)

	adminData := ts.register(t, "alice")
	token, _ := adminData["token"].(string)
	user, _ := adminData["user"].(map[string]any)
	aliceID, _ := user["id"].(string)

	bobData := ts.register(t, "bob")
	bobUser, _ := bobData["user"].(map[string]any)
	bobID, _ := bobUser["id"].(string)

	rooms := database.NewRoomRepository(ts.db)
	room, _, err := rooms.EnsurePrivateRoom(context.Background(), aliceID, bobID)
	if err != nil {
		t.Fatalf("creating room: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("roomId", room.ID); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("not really a png"))
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/upload", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	status, env := ts.do(t, req)
	if status != http.StatusCreated {
		t.Fatalf("upload: status = %d, env %v", status, env)
	}
	data, _ := env["data"].(map[string]any)
	if data["type"] != models.MessageImage {
		t.Errorf("message type = %v, want image", data["type"])
	}
	fileURL, _ := data["fileUrl"].(string)
	if !strings.HasPrefix(fileURL, "/uploads/") || !strings.HasSuffix(fileURL, ".png") {
		t.Errorf("fileUrl = %q", fileURL)
	}
	if len(ts.sender.calls) != 1 || ts.sender.calls[0] != room.ID {
		t.Errorf("sender calls = %v", ts.sender.calls)
	}

	// The stored file is served back via /uploads.
	resp, err := http.Get(ts.URL + fileURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("static fetch: status = %d", resp.StatusCode)
	}

	// Non-participants cannot post into the room.
	carolData := ts.register(t, "carol")
	carolUser, _ := carolData["user"].(map[string]any)
	carolID, _ := carolUser["id"].(string)
	ts.postJSON(t, fmt.Sprintf("/api/admin/users/%s/approve", carolID), token, nil)
	status, env = ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"username": "carol", "password": "secret123",
	})
	if status != http.StatusOK {
		t.Fatalf("carol login: status = %d", status)
	}
	carolToken, _ := env["data"].(map[string]any)["token"].(string)

	var buf2 bytes.Buffer
	mw2 := multipart.NewWriter(&buf2)
	mw2.WriteField("roomId", room.ID)
	fw2, _ := mw2.CreateFormFile("file", "doc.pdf")
	fw2.Write([]byte("pdf"))
	mw2.Close()

	req2, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/upload", &buf2)
	req2.Header.Set("Content-Type", mw2.FormDataContentType())
	req2.Header.Set("Authorization", "Bearer "+carolToken)
	status, _ = ts.do(t, req2)
	if status != http.StatusForbidden {
		t.Errorf("outsider upload: status = %d, want 403", status)
	}
}

func TestStoredFileName(t *testing.T) {
	name, err := storedFileName("../../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	if strings.ContainsAny(name, "/\\") {
		t.Errorf("stored name contains path separators: %q", name)
	}

	name, err = storedFileName("photo.PNG")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(name) != ".png" {
		t.Errorf("extension = %q, want .png", filepath.Ext(name))
	}
	if _, err := os.Stat(name); err == nil {
		t.Error("storedFileName should not create files")
	}
}
