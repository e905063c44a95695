package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chalkboard/content/internal/config"
	"chalkboard/content/internal/content"
	"chalkboard/content/internal/db"
)

type Server struct {
	cfg *config.Config
	svc *content.Service
	log *zap.Logger
}

func NewServer(cfg *config.Config, svc *content.Service, log *zap.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogMiddleware)
		r.Get("/tenants/{tenantID}/users/{userID}/lessons/{lessonID}", s.handleGetLessonContent)
		r.Put("/tenants/{tenantID}/users/{userID}/lessons/{lessonID}/progress", s.handleUpsertProgress)
	})

	return r
}

// Middleware

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		observeRequest(r.Method, route, ww.Status(), elapsed)
		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", elapsed),
		)
	})
}

// Models

type lessonPayload struct {
	ID    int64  `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

type variantPayload struct {
	ID       int64           `json:"id"`
	TenantID *int64          `json:"tenant_id"`
	Data     json.RawMessage `json:"data"`
}

type blockPayload struct {
	ID           int64              `json:"id"`
	Type         string             `json:"type"`
	Position     int32              `json:"position"`
	Variant      variantPayload     `json:"variant"`
	UserProgress *db.ProgressStatus `json:"user_progress"`
}

type progressSummaryPayload struct {
	TotalBlocks     int32  `json:"total_blocks"`
	SeenBlocks      int32  `json:"seen_blocks"`
	CompletedBlocks int32  `json:"completed_blocks"`
	LastSeenBlockID *int64 `json:"last_seen_block_id"`
	Completed       bool   `json:"completed"`
}

type lessonContentResponse struct {
	Lesson          lessonPayload          `json:"lesson"`
	Blocks          []blockPayload         `json:"blocks"`
	ProgressSummary progressSummaryPayload `json:"progress_summary"`
}

type upsertProgressRequest struct {
	BlockID int64  `json:"block_id"`
	Status  string `json:"status"`
}

type upsertProgressResponse struct {
	StoredStatus    db.ProgressStatus      `json:"stored_status"`
	ProgressSummary progressSummaryPayload `json:"progress_summary"`
}

// Handlers

func (s *Server) handleGetLessonContent(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, lessonID, err := pathIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.svc.ValidateAccess(r.Context(), tenantID, userID, lessonID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	assembled, err := s.svc.AssembleLesson(r.Context(), tenantID, userID, lessonID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	blocks := make([]blockPayload, 0, len(assembled.Blocks))
	for _, block := range assembled.Blocks {
		blocks = append(blocks, blockPayload{
			ID:       block.ID,
			Type:     block.Type,
			Position: block.Position,
			Variant: variantPayload{
				ID:       block.Variant.ID,
				TenantID: block.Variant.TenantID,
				Data:     block.Variant.Data,
			},
			UserProgress: block.UserProgress,
		})
	}

	writeJSON(w, http.StatusOK, lessonContentResponse{
		Lesson: lessonPayload{
			ID:    assembled.Lesson.ID,
			Slug:  assembled.Lesson.Slug,
			Title: assembled.Lesson.Title,
		},
		Blocks:          blocks,
		ProgressSummary: summaryPayload(assembled.Summary),
	})
}

func (s *Server) handleUpsertProgress(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, lessonID, err := pathIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req upsertProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	if err := s.svc.ValidateAccess(r.Context(), tenantID, userID, lessonID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	stored, summary, err := s.svc.UpsertProgress(r.Context(), userID, lessonID, req.BlockID, db.ProgressStatus(req.Status))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, upsertProgressResponse{
		StoredStatus:    stored,
		ProgressSummary: summaryPayload(summary),
	})
}

// Helpers

func summaryPayload(summary content.ProgressSummary) progressSummaryPayload {
	return progressSummaryPayload{
		TotalBlocks:     summary.TotalBlocks,
		SeenBlocks:      summary.SeenBlocks,
		CompletedBlocks: summary.CompletedBlocks,
		LastSeenBlockID: summary.LastSeenBlockID,
		Completed:       summary.Completed,
	}
}

func pathIDs(r *http.Request) (tenantID, userID, lessonID int64, err error) {
	if tenantID, err = pathID(r, "tenantID"); err != nil {
		return 0, 0, 0, err
	}
	if userID, err = pathID(r, "userID"); err != nil {
		return 0, 0, 0, err
	}
	if lessonID, err = pathID(r, "lessonID"); err != nil {
		return 0, 0, 0, err
	}
	return tenantID, userID, lessonID, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return id, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var denied *content.DeniedError
	switch {
	case errors.As(err, &denied):
		writeError(w, http.StatusNotFound, "not_found", denied.Reason)
	case errors.Is(err, content.ErrLessonNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Lesson not found or does not belong to tenant")
	case errors.Is(err, content.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", content.ErrInvalidStatus.Error())
	case errors.Is(err, content.ErrInvalidBlock):
		writeError(w, http.StatusBadRequest, "invalid_block", content.ErrInvalidBlock.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal server error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}
