package app

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"thesis/api/internal/auth"
)

func tokenFor(t *testing.T, sub, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testConfig().JWTSecret), auth.Claims{
		Sub:  sub,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func newTestServer(t *testing.T) (*HTTPServer, *Service) {
	t.Helper()
	svc, _ := newTestService(t, nil)
	return NewHTTPServer(svc, "*"), svc
}

func do(t *testing.T, server *HTTPServer, method, path, token, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, server, method, path, token, "application/json", bytes.NewBufferString(body))
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = part.Write([]byte(content))
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestHealthIsPublic(t *testing.T) {
	server, _ := newTestServer(t)
	rr := do(t, server, http.MethodGet, "/api/health", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}

	rr = do(t, server, http.MethodGet, "/api/ready", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: func() string {
			token, _ := auth.IssueToken([]byte("other"), auth.Claims{Sub: "u", Role: "admin", Exp: time.Now().Add(time.Hour).Unix()})
			return token
		}()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, server, http.MethodGet, "/api/research/res-1", tc.token, "", nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if decode(t, rr)["code"] != CodeUnauthorized {
				t.Fatalf("expected UNAUTHORIZED body=%s", rr.Body.String())
			}
		})
	}
}

func TestRoleMatrixOnWriteRoutes(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	sub := submit(t, svc, research.ID, "chapter1", "", "draft")

	tests := []struct {
		name   string
		role   string
		method string
		path   string
		body   string
	}{
		{name: "student cannot review", role: "student", method: http.MethodPost, path: "/api/submissions/" + sub.ID + "/review", body: `{"decision":"approve"}`},
		{name: "student cannot bulk", role: "student", method: http.MethodPost, path: "/api/bulk", body: `{"entity":"submission","action":"approve","ids":["x"]}`},
		{name: "student cannot create research", role: "student", method: http.MethodPost, path: "/api/research", body: `{"title":"T"}`},
		{name: "panel cannot submit", role: "panel", method: http.MethodPost, path: "/api/research/" + research.ID + "/submissions", body: `{}`},
		{name: "panel cannot delete", role: "panel", method: http.MethodDelete, path: "/api/submissions/" + sub.ID},
		{name: "unknown role cannot review", role: "guest", method: http.MethodPost, path: "/api/submissions/" + sub.ID + "/review", body: `{"decision":"approve"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, server, tc.method, tc.path, tokenFor(t, "u-1", tc.role), tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			if decode(t, rr)["code"] != CodeForbidden {
				t.Fatalf("expected FORBIDDEN, got %s", rr.Body.String())
			}
		})
	}
}

func TestSubmitReviewAndHistoryOverHTTP(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	studentToken := tokenFor(t, student.UserID, "student")
	adviserToken := tokenFor(t, adviser.UserID, "adviser")

	body, contentType := multipartUpload(t, map[string]string{"unitType": "chapter1", "partName": "  Scope   and Limits "}, "scope.pdf", "scope draft")
	rr := do(t, server, http.MethodPost, "/api/research/"+research.ID+"/submissions", studentToken, contentType, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	created := decode(t, rr)["submission"].(map[string]any)
	if created["version"] != float64(1) || created["status"] != "pending" || created["partName"] != "Scope and Limits" {
		t.Fatalf("unexpected submission %v", created)
	}
	id := created["id"].(string)

	rr = do(t, server, http.MethodGet, "/api/submissions/"+id+"/file", studentToken, "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "scope draft" {
		t.Fatalf("unexpected download %d %q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "scope.pdf") {
		t.Fatalf("unexpected disposition %q", rr.Header().Get("Content-Disposition"))
	}

	rr = doJSON(t, server, http.MethodPost, "/api/submissions/"+id+"/review", adviserToken, `{"decision":"reject"}`)
	if rr.Code != http.StatusUnprocessableEntity || decode(t, rr)["code"] != CodeValidation {
		t.Fatalf("expected validation error, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/submissions/"+id+"/review", adviserToken, `{"decision":"approve","comment":"Clear scope."}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	reviewed := decode(t, rr)["submission"].(map[string]any)
	if reviewed["status"] != "approved" || reviewed["reviewedBy"] != adviser.UserID {
		t.Fatalf("unexpected review %v", reviewed)
	}

	rr = do(t, server, http.MethodDelete, "/api/submissions/"+id, studentToken, "", nil)
	if rr.Code != http.StatusConflict || decode(t, rr)["code"] != CodeConflict {
		t.Fatalf("expected CONFLICT, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, server, http.MethodGet, "/api/research/"+research.ID+"/submissions?unitType=chapter1", studentToken, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	units := decode(t, rr)["units"].([]any)
	if len(units) != 4 {
		t.Fatalf("expected every unit type listed, got %d", len(units))
	}
	chapter1 := units[0].(map[string]any)
	current := chapter1["current"].(map[string]any)
	if _, ok := current["Scope and Limits"]; !ok {
		t.Fatalf("expected normalized part key, got %v", current)
	}
}

func TestSubmitWithoutFileIsValidationError(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	body, contentType := multipartUpload(t, map[string]string{"unitType": "chapter1"}, "", "")
	rr := do(t, server, http.MethodPost, "/api/research/"+research.ID+"/submissions", tokenFor(t, student.UserID, "student"), contentType, body)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestReviewWithAttachmentsOverHTTP(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	sub := submit(t, svc, research.ID, "chapter2", "", "rrl")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("decision", "requestRevision")
	_ = writer.WriteField("comment", "See the marked-up copy.")
	part, err := writer.CreateFormFile("attachments", "markup.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("markup"))
	_ = writer.Close()

	rr := do(t, server, http.MethodPost, "/api/submissions/"+sub.ID+"/review", tokenFor(t, adviser.UserID, "adviser"), writer.FormDataContentType(), &body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	reviewed := decode(t, rr)["submission"].(map[string]any)
	attachments := reviewed["reviewAttachments"].([]any)
	if reviewed["status"] != "revision" || len(attachments) != 1 {
		t.Fatalf("unexpected review %v", reviewed)
	}
}

func TestBulkOverHTTP(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	first := submit(t, svc, research.ID, "chapter1", "", "a")
	second := submit(t, svc, research.ID, "chapter2", "", "b")

	payload := `{"entity":"submission","action":"approve","ids":["` + first.ID + `","` + second.ID + `","missing"]}`
	rr := doJSON(t, server, http.MethodPost, "/api/bulk", tokenFor(t, adviser.UserID, "adviser"), payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	result := decode(t, rr)
	if len(result["succeeded"].([]any)) != 2 {
		t.Fatalf("expected two successes, got %v", result)
	}
	failed := result["failed"].([]any)
	if len(failed) != 1 || failed[0].(map[string]any)["reason"] != "not-found" {
		t.Fatalf("expected not-found failure, got %v", failed)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/bulk", tokenFor(t, "panel-1", "panel"), payload)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for panel bulk, got %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/bulk", tokenFor(t, adviser.UserID, "adviser"), `{"entity":"submission","action":"approve","ids":[]}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty ids, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestProgressAndMilestonesOverHTTP(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	adviserToken := tokenFor(t, adviser.UserID, "adviser")

	rr := doJSON(t, server, http.MethodPut, "/api/research/"+research.ID+"/milestones/chapter1", adviserToken, `{"dueDate":"2026-03-12"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodPost, "/api/research/"+research.ID+"/milestones/proposal-defense/events", adviserToken, `{"event":"completed"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, server, http.MethodGet, "/api/research/"+research.ID+"/progress", tokenFor(t, student.UserID, "student"), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	snapshot := decode(t, rr)
	if snapshot["completedCount"] != float64(1) || snapshot["percentage"] != float64(16) {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
	deadlines := snapshot["upcomingDeadlines"].([]any)
	if len(deadlines) != 1 || deadlines[0].(map[string]any)["daysUntilDue"] != float64(2) {
		t.Fatalf("unexpected deadlines %v", deadlines)
	}

	rr = do(t, server, http.MethodGet, "/api/research/missing/progress", adviserToken, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestExportReportOverHTTP(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	token := tokenFor(t, adviser.UserID, "adviser")

	rr := do(t, server, http.MethodGet, "/api/research/"+research.ID+"/progress/report?format=html", token, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), research.Title) {
		t.Fatal("expected report to include the research title")
	}

	rr = do(t, server, http.MethodGet, "/api/research/"+research.ID+"/progress/report?format=xlsx", token, "", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	rr := do(t, server, http.MethodGet, "/api/nothing-here", tokenFor(t, "u", "admin"), "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestResearchRoutesRequireMembershipOrShare(t *testing.T) {
	server, svc := newTestServer(t)
	research := createResearch(t, svc)
	sub := submit(t, svc, research.ID, "chapter1", "", "draft")
	panelToken := tokenFor(t, "panel-1", "panel")

	for _, path := range []string{"/api/research/" + research.ID, "/api/research/" + research.ID + "/progress", "/api/submissions/" + sub.ID} {
		rr := doJSON(t, server, http.MethodGet, path, panelToken, "")
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 before share, got %d body=%s", path, rr.Code, rr.Body.String())
		}
	}

	payload := `{"entity":"research","action":"share","ids":["` + research.ID + `"],"shareWith":["panel-1"]}`
	rr := doJSON(t, server, http.MethodPost, "/api/bulk", tokenFor(t, adviser.UserID, "adviser"), payload)
	if rr.Code != http.StatusOK {
		t.Fatalf("share: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	for _, path := range []string{"/api/research/" + research.ID, "/api/research/" + research.ID + "/progress", "/api/submissions/" + sub.ID} {
		rr := doJSON(t, server, http.MethodGet, path, panelToken, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 after share, got %d body=%s", path, rr.Code, rr.Body.String())
		}
	}

	rr = doJSON(t, server, http.MethodGet, "/api/research/"+research.ID, tokenFor(t, "dean-1", "dean"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("dean should read any project, got %d", rr.Code)
	}
}
