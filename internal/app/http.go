package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"thesis/api/internal/auth"
	"thesis/api/internal/domain"
	"thesis/api/internal/export"
	"thesis/api/internal/logger"
	"thesis/api/internal/rbac"
)

const multipartMemory = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"search":   map[string]any{"primary": s.service.SearchHealthy()},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "bulk" {
		s.handleBulk(w, r, identity)
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "research" && r.Method == http.MethodPost {
		if !s.service.Can(identity.Role, rbac.ActionManage) {
			s.forbid(w, r, identity, rbac.ActionManage)
			return
		}
		var body CreateResearchInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		research, err := s.service.CreateResearch(r.Context(), identity, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"research": research})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "research" {
		s.handleResearch(w, r, identity, parts[2], parts[3:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "submissions" {
		s.handleSubmission(w, r, identity, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleResearch(w http.ResponseWriter, r *http.Request, identity domain.Identity, researchID string, rest []string) {
	if err := s.service.AuthorizeResearch(r.Context(), identity, researchID); err != nil {
		s.fail(w, r, err)
		return
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		research, err := s.service.GetResearch(r.Context(), researchID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"research": research})

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if !s.service.Can(identity.Role, rbac.ActionManage) {
			s.forbid(w, r, identity, rbac.ActionManage)
			return
		}
		research, err := s.service.TrashResearch(r.Context(), researchID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"research": research})

	case len(rest) == 1 && rest[0] == "submissions" && r.Method == http.MethodPost:
		if !s.service.Can(identity.Role, rbac.ActionSubmit) {
			s.forbid(w, r, identity, rbac.ActionSubmit)
			return
		}
		s.handleSubmit(w, r, identity, researchID)

	case len(rest) == 1 && rest[0] == "submissions" && r.Method == http.MethodGet:
		query := r.URL.Query()
		history, err := s.service.ListHistory(r.Context(), researchID, HistoryQuery{
			UnitType: query.Get("unitType"),
			Part:     query.Get("part"),
			Status:   query.Get("status"),
			From:     query.Get("from"),
			To:       query.Get("to"),
			Query:    query.Get("q"),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"researchId": researchID, "units": historyView(history)})

	case len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		response, err := s.service.SearchSubmissions(r.Context(), researchID, query.Get("q"), limit, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response)

	case len(rest) == 1 && rest[0] == "progress" && r.Method == http.MethodGet:
		snapshot, err := s.service.GetProgress(r.Context(), researchID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)

	case len(rest) == 2 && rest[0] == "progress" && rest[1] == "report" && r.Method == http.MethodGet:
		s.handleExport(w, r, researchID)

	case len(rest) == 2 && rest[0] == "milestones" && r.Method == http.MethodPut:
		if !s.service.Can(identity.Role, rbac.ActionManage) {
			s.forbid(w, r, identity, rbac.ActionManage)
			return
		}
		var body struct {
			DueDate string `json:"dueDate"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		milestone, err := s.service.SetMilestoneDueDate(r.Context(), researchID, rest[1], body.DueDate)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"milestone": milestone})

	case len(rest) == 3 && rest[0] == "milestones" && rest[2] == "events" && r.Method == http.MethodPost:
		if !s.service.Can(identity.Role, rbac.ActionManage) {
			s.forbid(w, r, identity, rbac.ActionManage)
			return
		}
		var body struct {
			Event string     `json:"event"`
			At    *time.Time `json:"at"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		milestone, err := s.service.RecordStageEvent(r.Context(), researchID, rest[1], body.Event, body.At)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"milestone": milestone})

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, identity domain.Identity, researchID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.failMultipart(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	in := SubmitInput{
		ResearchID: researchID,
		UnitType:   r.FormValue("unitType"),
		PartName:   r.FormValue("partName"),
		Title:      r.FormValue("title"),
	}
	file, header, err := r.FormFile("file")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "invalid file field", nil)
		return
	}
	if file != nil {
		defer file.Close()
		in.File = file
		in.Filename = header.Filename
		in.ContentType = header.Header.Get("Content-Type")
		in.Size = header.Size
	}

	sub, err := s.service.Submit(r.Context(), identity, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"submission": submissionView(sub)})
}

func (s *HTTPServer) handleSubmission(w http.ResponseWriter, r *http.Request, identity domain.Identity, submissionID string, rest []string) {
	if err := s.service.AuthorizeSubmission(r.Context(), identity, submissionID); err != nil {
		s.fail(w, r, err)
		return
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		sub, err := s.service.GetSubmission(r.Context(), submissionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submission": submissionView(sub)})

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if !s.service.Can(identity.Role, rbac.ActionDelete) {
			s.forbid(w, r, identity, rbac.ActionDelete)
			return
		}
		if err := s.service.DeleteSubmission(r.Context(), identity, submissionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "file" && r.Method == http.MethodGet:
		sub, reader, err := s.service.DownloadSubmission(r.Context(), submissionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		defer reader.Close()
		contentType := sub.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": sub.Filename}))
		if sub.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(sub.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, reader); err != nil {
			log := logger.Get()
			log.Warn().Err(err).Str("submission_id", submissionID).Msg("download interrupted")
		}

	case len(rest) == 1 && rest[0] == "review" && r.Method == http.MethodPost:
		if !s.service.Can(identity.Role, rbac.ActionReview) {
			s.forbid(w, r, identity, rbac.ActionReview)
			return
		}
		s.handleReview(w, r, identity, submissionID)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

// handleReview accepts JSON, or multipart when the reviewer attaches files.
func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request, identity domain.Identity, submissionID string) {
	in := ReviewInput{SubmissionID: submissionID}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadBytes()+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			s.failMultipart(w, err)
			return
		}
		defer r.MultipartForm.RemoveAll()
		in.Decision = r.FormValue("decision")
		in.Comment = r.FormValue("comment")
		for _, header := range r.MultipartForm.File["attachments"] {
			file, err := header.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, CodeInvalidBody, "invalid attachment", nil)
				return
			}
			defer file.Close()
			in.Attachments = append(in.Attachments, Upload{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Reader:      file,
			})
		}
	} else {
		var body struct {
			Decision string `json:"decision"`
			Comment  string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
			return
		}
		in.Decision = body.Decision
		in.Comment = body.Comment
	}

	updated, err := s.service.Review(r.Context(), identity, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submission": submissionView(updated)})
}

func (s *HTTPServer) handleBulk(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if !s.service.Can(identity.Role, rbac.ActionBulk) {
		s.forbid(w, r, identity, rbac.ActionBulk)
		return
	}
	var body BulkInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if action, err := domain.ParseBulkAction(body.Action); err == nil && action == domain.ActionApprove && !s.service.Can(identity.Role, rbac.ActionReview) {
		s.forbid(w, r, identity, rbac.ActionReview)
		return
	}
	result, err := s.service.BulkApply(r.Context(), identity, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, researchID string) {
	result, err := s.service.ExportProgressReport(r.Context(), researchID, r.URL.Query().Get("format"))
	if err != nil && !(errors.Is(err, export.ErrPDFDependencyMissing) && result != nil) {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		w.Header().Set("X-Export-Fallback", "html")
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return domain.Identity{}, false
	}
	identity, err := s.service.IdentityFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return domain.Identity{}, false
	}
	return identity, true
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, identity domain.Identity, action rbac.Action) {
	log := logger.Get()
	log.Warn().
		Str("request_id", requestID(r.Context())).
		Str("user_id", identity.UserID).
		Str("role", identity.Role).
		Str("action", string(action)).
		Msg("forbidden")
	writeError(w, http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

// fail writes err as a JSON error. Caller-correctable failures log at warn,
// everything else at error.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	log := logger.Get()
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("request_id", requestID(r.Context())).
		Str("code", code).
		Msg("request failed")
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) failMultipart(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, CodeValidation, fmt.Sprintf("upload exceeds %d bytes", s.service.MaxUploadBytes()), nil)
		return
	}
	writeError(w, http.StatusBadRequest, CodeInvalidBody, "invalid multipart body", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		log := logger.Get()
		log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Export-Fallback, Content-Disposition")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(translate(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
