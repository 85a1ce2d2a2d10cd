package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/securescan/internal/scan"
)

const (
	maxListLimit   = 1000
	maxRequestBody = 64 << 10
)

type submitRequest struct {
	TargetURL string `json:"target_url"`
}

type submitResponse struct {
	ScanID    string `json:"scan_id"`
	Status    string `json:"status"`
	TargetURL string `json:"target_url"`
}

// submitScan handles POST /api/scans. It returns 202 with the queued record,
// 400 for malformed bodies or targets, 503 with Retry-After when the queue is
// full, or 500 otherwise.
func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	rec, err := s.svc.Submit(r.Context(), req.TargetURL)
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrInvalidTarget):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, scan.ErrQueueFull), errors.Is(err, scan.ErrQueueClosed):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "scan queue is full, retry later")
		default:
			s.logger.Error("submit scan failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to submit scan")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		ScanID:    string(rec.ID),
		Status:    string(rec.Status),
		TargetURL: rec.TargetURL,
	})
}

// listScans handles GET /api/scans?status=&limit=&offset=. Records come
// newest first; without a limit every matching record is returned.
func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.svc.List(r.Context())
	if err != nil {
		s.logger.Error("list scans failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	filtered := records[:0:0]
	for _, rec := range records {
		if status == "" || rec.Status == status {
			filtered = append(filtered, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scans": toScanDTOs(page(filtered, limit, offset)),
	})
}

// getScan handles GET /api/scans/{scan_id}. It returns the record, or 404 when
// the id is unknown.
func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "scan_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "scan_id is required")
		return
	}
	rec, err := s.svc.Get(r.Context(), scan.ID(id))
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("get scan failed", zap.String("scan_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	writeJSON(w, http.StatusOK, toScanDTO(rec))
}

func parseStatus(input string) (scan.Status, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return "", nil
	}
	status := scan.Status(input)
	if !status.Valid() {
		return "", errors.New("invalid status")
	}
	return status, nil
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := 0
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxListLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func page(records []scan.Record, limit, offset int) []scan.Record {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

type findingDTO struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type scanDTO struct {
	ScanID     string       `json:"scan_id"`
	TargetURL  string       `json:"target_url"`
	Status     string       `json:"status"`
	Findings   []findingDTO `json:"findings"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

func toScanDTOs(in []scan.Record) []scanDTO {
	out := make([]scanDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toScanDTO(rec))
	}
	return out
}

func toScanDTO(rec scan.Record) scanDTO {
	findings := make([]findingDTO, 0, len(rec.Findings))
	for _, f := range rec.Findings {
		findings = append(findings, findingDTO{
			Type:        string(f.Kind),
			Severity:    string(f.Severity),
			Title:       f.Title,
			Description: f.Description,
			Location:    f.Location,
		})
	}
	return scanDTO{
		ScanID:     string(rec.ID),
		TargetURL:  rec.TargetURL,
		Status:     string(rec.Status),
		Findings:   findings,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
	}
}
