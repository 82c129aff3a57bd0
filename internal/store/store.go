package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultDim is the descriptor length stored when none is configured.
const DefaultDim = 128

// Store manages the PostgreSQL connection pool and pgvector operations.
// It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// Student is a registered person together with how many face samples are on file.
type Student struct {
	ID              int
	MatricNo        string
	Name            string
	DescriptorCount int
	CreatedAt       time.Time
}

// Course holds a course and its attendance marking window.
type Course struct {
	ID           int
	Code         string
	Name         string
	Marking      bool
	MarkDuration time.Duration
	StartMark    *time.Time
}

// ForAttendance returns the course as seen by the attendance recorder.
func (c Course) ForAttendance() attendance.Course {
	w := attendance.Window{Marking: c.Marking, Duration: c.MarkDuration}
	if c.StartMark != nil {
		w.Start = *c.StartMark
	}
	return attendance.Course{ID: c.ID, Code: c.Code, Window: w}
}

// AttendanceRecord is one student's presence for a course on a day.
type AttendanceRecord struct {
	StudentID int       `json:"student_id"`
	MatricNo  string    `json:"matric_no"`
	Name      string    `json:"name"`
	Date      time.Time `json:"date"`
	Status    string    `json:"status"`
	MarkedAt  time.Time `json:"marked_at"`
}

// New establishes a connection to the database and ensures the schema is initialized.
// dim fixes the length of stored descriptors; 0 selects DefaultDim.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	if dim <= 0 {
		dim = DefaultDim
	}

	// Initialize schema (Auto-Migration) on a single connection first:
	// the vector type can only be registered once the extension exists.
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	err = initSchema(ctx, conn, dim)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &Store{pool: pool, dim: dim}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn, dim int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS students (
			id SERIAL PRIMARY KEY,
			matric_no TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_descriptors (
			id BIGSERIAL PRIMARY KEY,
			student_id INT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS courses (
			id SERIAL PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			marking BOOLEAN NOT NULL DEFAULT FALSE,
			mark_duration INT NOT NULL DEFAULT 15,
			start_mark TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS attendance (
			id BIGSERIAL PRIMARY KEY,
			student_id INT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			course_id INT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
			date DATE NOT NULL,
			status TEXT NOT NULL DEFAULT 'present',
			marked_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (student_id, course_id, date)
		);
		CREATE INDEX IF NOT EXISTS face_descriptors_student_id_idx ON face_descriptors (student_id);
	`, dim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Dim returns the configured descriptor length.
func (s *Store) Dim() int {
	return s.dim
}

// RegisterStudent creates a student, or renames an existing one with the same matric number, and returns its ID.
func (s *Store) RegisterStudent(ctx context.Context, matricNo, name string) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO students (matric_no, name) VALUES ($1, $2)
		ON CONFLICT (matric_no) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, matricNo, name).Scan(&id)
	return id, err
}

// AddDescriptor stores one more face sample for a student.
func (s *Store) AddDescriptor(ctx context.Context, studentID int, d types.Descriptor) (int64, error) {
	if len(d) != s.dim {
		return 0, fmt.Errorf("descriptor has %d dimensions, store expects %d", len(d), s.dim)
	}

	vec := make([]float32, len(d))
	for i, v := range d {
		vec[i] = float32(v)
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO face_descriptors (student_id, embedding) VALUES ($1, $2) RETURNING id
	`, studentID, pgvector.NewVector(vec)).Scan(&id)
	return id, err
}

// LoadLabeledDescriptors returns every student's samples, labeled by student ID.
// Rows come back ordered by student ID so matcher tie-breaks are stable between sessions.
func (s *Store) LoadLabeledDescriptors(ctx context.Context) ([]types.LabeledDescriptors, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT student_id, embedding FROM face_descriptors ORDER BY student_id, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LabeledDescriptors
	lastID := -1
	for rows.Next() {
		var studentID int
		var vec pgvector.Vector
		if err := rows.Scan(&studentID, &vec); err != nil {
			return nil, err
		}

		raw := vec.Slice()
		d := make(types.Descriptor, len(raw))
		for i, v := range raw {
			d[i] = float64(v)
		}

		if studentID != lastID {
			out = append(out, types.LabeledDescriptors{Label: strconv.Itoa(studentID)})
			lastID = studentID
		}
		last := &out[len(out)-1]
		last.Descriptors = append(last.Descriptors, d)
	}
	return out, rows.Err()
}

// ListStudents returns all students with their sample counts, ordered by name.
func (s *Store) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.matric_no, s.name, COUNT(d.id), s.created_at
		FROM students s
		LEFT JOIN face_descriptors d ON d.student_id = s.id
		GROUP BY s.id
		ORDER BY s.name, s.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.MatricNo, &st.Name, &st.DescriptorCount, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// GetStudent looks a student up by ID.
func (s *Store) GetStudent(ctx context.Context, id int) (Student, error) {
	var st Student
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.matric_no, s.name, COUNT(d.id), s.created_at
		FROM students s
		LEFT JOIN face_descriptors d ON d.student_id = s.id
		WHERE s.id = $1
		GROUP BY s.id
	`, id).Scan(&st.ID, &st.MatricNo, &st.Name, &st.DescriptorCount, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("student %d: %w", id, ErrNotFound)
	}
	return st, err
}

// DeleteStudent removes a student along with their samples and attendance.
func (s *Store) DeleteStudent(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM students WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %d: %w", id, ErrNotFound)
	}
	return nil
}

// EnsureCourse creates the course if needed and returns its ID.
func (s *Store) EnsureCourse(ctx context.Context, code, name string) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO courses (code, name) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET name = COALESCE(NULLIF(EXCLUDED.name, ''), courses.name)
		RETURNING id
	`, code, name).Scan(&id)
	return id, err
}

// GetCourse looks a course up by its code.
func (s *Store) GetCourse(ctx context.Context, code string) (Course, error) {
	var c Course
	var minutes int
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, marking, mark_duration, start_mark FROM courses WHERE code = $1
	`, code).Scan(&c.ID, &c.Code, &c.Name, &c.Marking, &minutes, &c.StartMark)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("course %q: %w", code, ErrNotFound)
	}
	c.MarkDuration = time.Duration(minutes) * time.Minute
	return c, err
}

// SetMarkingWindow opens (marking=true) or closes a course's attendance window.
// Closing clears the start time.
func (s *Store) SetMarkingWindow(ctx context.Context, courseID int, marking bool, start time.Time, duration time.Duration) error {
	var startMark *time.Time
	if marking {
		startMark = &start
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE courses SET marking = $1, mark_duration = $2, start_mark = $3 WHERE id = $4
	`, marking, int(duration/time.Minute), startMark, courseID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("course %d: %w", courseID, ErrNotFound)
	}
	return nil
}

// MarkAttendance records a student as present for the day.
// It reports false when the student was already marked, so repeated matches are harmless.
func (s *Store) MarkAttendance(ctx context.Context, studentID, courseID int, day time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (student_id, course_id, date, status)
		VALUES ($1, $2, $3, 'present')
		ON CONFLICT (student_id, course_id, date) DO NOTHING
	`, studentID, courseID, dateOnly(day))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListAttendance returns the students marked for a course on a day.
func (s *Store) ListAttendance(ctx context.Context, courseID int, day time.Time) ([]AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.student_id, s.matric_no, s.name, a.date, a.status, a.marked_at
		FROM attendance a
		JOIN students s ON s.id = a.student_id
		WHERE a.course_id = $1 AND a.date = $2
		ORDER BY a.marked_at, a.id
	`, courseID, dateOnly(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AttendanceRecord
	for rows.Next() {
		var r AttendanceRecord
		if err := rows.Scan(&r.StudentID, &r.MatricNo, &r.Name, &r.Date, &r.Status, &r.MarkedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// dateOnly truncates t to its calendar day.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS face_descriptors CASCADE;
		DROP TABLE IF EXISTS courses CASCADE;
		DROP TABLE IF EXISTS students CASCADE;
	`)
	return err
}
