package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/go-chi/chi/v5"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxBodyBytes bounds request bodies; a 128-d descriptor is a few kilobytes.
const maxBodyBytes = 1 << 20

type descriptorRequest struct {
	Descriptor types.Descriptor `json:"descriptor"`
}

type compareRequest struct {
	A types.Descriptor `json:"a"`
	B types.Descriptor `json:"b"`
}

type matchResponse struct {
	Result     types.MatchResult   `json:"result"`
	Percent    float64             `json:"percent"`
	Candidates []matcher.Candidate `json:"candidates,omitempty"`
}

type attendanceLogResponse struct {
	Course  string                   `json:"course"`
	Date    string                   `json:"date"`
	Records []store.AttendanceRecord `json:"records"`
}

type attendanceResponse struct {
	Result types.MatchResult       `json:"result"`
	Record attendance.Record       `json:"record"`
	Window attendance.WindowStatus `json:"window"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, types.ErrorResult{Error: message})
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	return true
}

// matchStatus maps matcher errors to HTTP status codes.
func matchStatus(err error) int {
	if errors.Is(err, matcher.ErrDimensionMismatch) || errors.Is(err, matcher.ErrEmptyQuery) || errors.Is(err, matcher.ErrNonFinite) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// loadMatcher builds a matcher from a fresh snapshot of the reference store.
func (s *Server) loadMatcher(r *http.Request, threshold float64) (*matcher.FaceMatcher, error) {
	sets, err := s.store.LoadLabeledDescriptors(r.Context())
	if err != nil {
		return nil, err
	}
	return matcher.New(sets, threshold)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req descriptorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := s.loadMatcher(r, s.thresholds.Live)
	if err != nil {
		s.log.Error("Failed to load reference descriptors", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load reference descriptors")
		return
	}

	res, err := m.FindBestMatch(req.Descriptor)
	if err != nil {
		respondError(w, matchStatus(err), err.Error())
		return
	}
	resp := matchResponse{Result: res, Percent: res.Percent()}
	if r.URL.Query().Get("all") == "true" {
		if resp.Candidates, err = m.Distances(req.Descriptor); err != nil {
			respondError(w, matchStatus(err), err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := matcher.New(nil, s.thresholds.Compare)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := m.CompareSingle(req.A, req.B)
	if err != nil {
		respondError(w, matchStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, matchResponse{Result: res, Percent: res.Percent()})
}

// lookupCourse resolves the {course} URL parameter, writing the error response itself.
func (s *Server) lookupCourse(w http.ResponseWriter, r *http.Request) (store.Course, bool) {
	code := chi.URLParam(r, "course")
	course, err := s.store.GetCourse(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "course not found")
		return course, false
	}
	if err != nil {
		s.log.Error("Failed to load course", "course", sanitizeForLog(code), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load course")
		return course, false
	}
	return course, true
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	course, ok := s.lookupCourse(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, course.ForAttendance().Window.Status(s.recorder.Now()))
}

func (s *Server) handleAttendanceLog(w http.ResponseWriter, r *http.Request) {
	day, err := attendance.ParseDay(r.URL.Query().Get("date"), s.recorder.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	course, ok := s.lookupCourse(w, r)
	if !ok {
		return
	}

	records, err := s.store.ListAttendance(r.Context(), course.ID, day)
	if err != nil {
		s.log.Error("Failed to list attendance", "course", course.Code, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if records == nil {
		records = []store.AttendanceRecord{}
	}
	respondJSON(w, http.StatusOK, attendanceLogResponse{
		Course:  course.Code,
		Date:    day.Format(attendance.DayLayout),
		Records: records,
	})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	course, ok := s.lookupCourse(w, r)
	if !ok {
		return
	}

	var req descriptorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := s.loadMatcher(r, s.thresholds.Live)
	if err != nil {
		s.log.Error("Failed to load reference descriptors", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load reference descriptors")
		return
	}
	res, err := m.FindBestMatch(req.Descriptor)
	if err != nil {
		respondError(w, matchStatus(err), err.Error())
		return
	}

	ac := course.ForAttendance()
	rec, err := s.recorder.Record(r.Context(), ac, res)
	switch {
	case errors.Is(err, attendance.ErrWindowClosed):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.Error("Failed to record attendance", "course", course.Code, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to record attendance")
		return
	}

	respondJSON(w, http.StatusOK, attendanceResponse{
		Result: res,
		Record: rec,
		Window: ac.Window.Status(rec.At),
	})
}
