package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
)

// DefaultDedupeWindow suppresses repeated marks of one student from a live feed.
const DefaultDedupeWindow = 30 * time.Second

var (
	// ErrWindowClosed is returned when a match arrives outside the course's marking window.
	ErrWindowClosed = errors.New("attendance marking is not active for this course")
	// ErrInvalidLabel is returned when a matched label is not a student ID.
	ErrInvalidLabel = errors.New("match label is not a student id")
)

// Marker persists attendance. It reports false when the student was already marked that day.
type Marker interface {
	MarkAttendance(ctx context.Context, studentID, courseID int, day time.Time) (bool, error)
}

// Course identifies the course being marked and its current window.
type Course struct {
	ID     int
	Code   string
	Window Window
}

// Outcome says what the recorder did with a match.
type Outcome int

const (
	// Ignored means the result was not a match.
	Ignored Outcome = iota
	// Duplicate means the same student was seen within the dedupe window.
	Duplicate
	// AlreadyMarked means the student already had a row for the day.
	AlreadyMarked
	// Marked means a new attendance row was written.
	Marked
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Duplicate:
		return "duplicate"
	case AlreadyMarked:
		return "already_marked"
	case Marked:
		return "marked"
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// Record is the result of feeding one match to the recorder.
type Record struct {
	SessionID  string    `json:"session_id"`
	CourseID   int       `json:"course_id"`
	StudentID  int       `json:"student_id,omitempty"`
	Label      string    `json:"label"`
	Distance   float64   `json:"distance"`
	Similarity float64   `json:"similarity"`
	At         time.Time `json:"at"`
	Outcome    Outcome   `json:"-"`
	Status     string    `json:"status"`
}

// Recorder decides which matches become attendance rows.
// It is safe for concurrent use by the live loop and HTTP handlers.
type Recorder struct {
	// DedupeWindow is how long repeats of one student in one course are ignored. Zero disables it.
	DedupeWindow time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time

	sessionID string
	marker    Marker
	log       *slog.Logger

	mu        sync.Mutex
	lastSeen  map[dedupeKey]time.Time
	observers []func(Record)
}

type dedupeKey struct {
	course int
	label  string
}

// NewRecorder returns a recorder writing through marker. A nil logger uses slog.Default.
func NewRecorder(marker Marker, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Recorder{
		DedupeWindow: DefaultDedupeWindow,
		Now:          time.Now,
		sessionID:    id,
		marker:       marker,
		log:          logger.With("session", id),
		lastSeen:     make(map[dedupeKey]time.Time),
	}
}

// SessionID identifies this recorder in logs and records.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// OnMarked registers fn to be called after every newly written attendance row.
func (r *Recorder) OnMarked(fn func(Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Record feeds one match result for course to the recorder.
//
// Non-matches and the unknown label are Ignored without error. A match outside the
// marking window fails with ErrWindowClosed.
func (r *Recorder) Record(ctx context.Context, course Course, res types.MatchResult) (Record, error) {
	now := r.Now()
	rec := Record{
		SessionID:  r.sessionID,
		CourseID:   course.ID,
		Label:      res.Label,
		Distance:   res.Distance,
		Similarity: res.Similarity,
		At:         now,
	}

	if !res.IsMatch || res.Label == types.UnknownLabel {
		return rec.with(Ignored), nil
	}
	if !course.Window.Status(now).Active {
		return rec.with(Ignored), fmt.Errorf("course %s: %w", course.Code, ErrWindowClosed)
	}

	studentID, err := strconv.Atoi(res.Label)
	if err != nil {
		return rec.with(Ignored), fmt.Errorf("%w: %q", ErrInvalidLabel, res.Label)
	}
	rec.StudentID = studentID

	key := dedupeKey{course: course.ID, label: res.Label}
	if !r.reserve(key, now) {
		return rec.with(Duplicate), nil
	}

	created, err := r.marker.MarkAttendance(ctx, studentID, course.ID, now)
	if err != nil {
		r.release(key, now)
		return rec.with(Ignored), fmt.Errorf("failed to mark student %d: %w", studentID, err)
	}
	if !created {
		r.log.Debug("Student already marked today", "student", studentID, "course", course.Code)
		return rec.with(AlreadyMarked), nil
	}

	rec = rec.with(Marked)
	r.log.Info("Attendance marked", "student", studentID, "course", course.Code, "distance", res.Distance)
	r.notify(rec)
	return rec, nil
}

// reserve claims key at now unless it was claimed within the dedupe window.
func (r *Recorder) reserve(key dedupeKey, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastSeen[key]; ok && r.DedupeWindow > 0 && now.Sub(last) < r.DedupeWindow {
		return false
	}
	r.lastSeen[key] = now
	return true
}

// release undoes a reservation made at now, so a failed write can be retried immediately.
func (r *Recorder) release(key dedupeKey, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeen[key].Equal(now) {
		delete(r.lastSeen, key)
	}
}

func (r *Recorder) notify(rec Record) {
	r.mu.Lock()
	observers := append([]func(Record){}, r.observers...)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(rec)
	}
}

func (rec Record) with(o Outcome) Record {
	rec.Outcome = o
	rec.Status = o.String()
	return rec
}
