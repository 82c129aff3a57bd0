package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testDim = 4

// newTestStore starts a pgvector container and returns a connected store.
// It requires Docker to be running.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr, testDim)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
func TestStoreIntegration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// --- Students & descriptors ---

	alice, err := s.RegisterStudent(ctx, "U001", "Alice")
	if err != nil {
		t.Fatalf("RegisterStudent failed: %v", err)
	}
	bob, err := s.RegisterStudent(ctx, "U002", "Bob")
	if err != nil {
		t.Fatalf("RegisterStudent failed: %v", err)
	}
	if again, _ := s.RegisterStudent(ctx, "U001", "Alice A."); again != alice {
		t.Errorf("Re-registering a matric number should keep ID %d, got %d", alice, again)
	}

	samples := map[int][]types.Descriptor{
		alice: {{1, 0, 0, 0}, {0.9, 0.1, 0, 0}},
		bob:   {{0, 0, 1, 0}},
	}
	for id, ds := range samples {
		for _, d := range ds {
			if _, err := s.AddDescriptor(ctx, id, d); err != nil {
				t.Fatalf("AddDescriptor failed: %v", err)
			}
		}
	}
	if _, err := s.AddDescriptor(ctx, alice, types.Descriptor{1, 2}); err == nil {
		t.Error("Expected AddDescriptor to reject a wrong-length descriptor")
	}

	sets, err := s.LoadLabeledDescriptors(ctx)
	if err != nil {
		t.Fatalf("LoadLabeledDescriptors failed: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("Expected 2 labeled sets, got %d", len(sets))
	}
	if sets[0].Label != fmt.Sprint(alice) || len(sets[0].Descriptors) != 2 {
		t.Errorf("Unexpected first set %+v", sets[0])
	}
	if math.Abs(sets[0].Descriptors[1][1]-0.1) > 1e-6 {
		t.Errorf("Descriptor did not round-trip, got %v", sets[0].Descriptors[1])
	}

	// The loaded snapshot feeds the matcher directly.
	m, err := matcher.New(sets, 0.5)
	if err != nil {
		t.Fatalf("matcher.New failed: %v", err)
	}
	res, err := m.FindBestMatch(types.Descriptor{0.95, 0.05, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsMatch || res.Label != fmt.Sprint(alice) {
		t.Errorf("Expected Alice to match, got %+v", res)
	}

	students, err := s.ListStudents(ctx)
	if err != nil {
		t.Fatalf("ListStudents failed: %v", err)
	}
	if len(students) != 2 || students[0].Name != "Alice A." || students[0].DescriptorCount != 2 {
		t.Errorf("Unexpected students %+v", students)
	}

	// --- Courses & attendance ---

	courseID, err := s.EnsureCourse(ctx, "CSC101", "Intro to CS")
	if err != nil {
		t.Fatalf("EnsureCourse failed: %v", err)
	}
	start := time.Now().Truncate(time.Second)
	if err := s.SetMarkingWindow(ctx, courseID, true, start, 15*time.Minute); err != nil {
		t.Fatalf("SetMarkingWindow failed: %v", err)
	}
	course, err := s.GetCourse(ctx, "CSC101")
	if err != nil {
		t.Fatalf("GetCourse failed: %v", err)
	}
	if !course.Marking || course.MarkDuration != 15*time.Minute || course.StartMark == nil || !course.StartMark.Equal(start) {
		t.Errorf("Unexpected course %+v", course)
	}

	today := time.Now()
	created, err := s.MarkAttendance(ctx, alice, courseID, today)
	if err != nil || !created {
		t.Fatalf("First MarkAttendance = %v, %v; want true", created, err)
	}
	created, err = s.MarkAttendance(ctx, alice, courseID, today)
	if err != nil || created {
		t.Errorf("Second MarkAttendance = %v, %v; want false", created, err)
	}

	records, err := s.ListAttendance(ctx, courseID, today)
	if err != nil {
		t.Fatalf("ListAttendance failed: %v", err)
	}
	if len(records) != 1 || records[0].StudentID != alice || records[0].Status != "present" {
		t.Errorf("Unexpected attendance %+v", records)
	}

	if _, err := s.GetCourse(ctx, "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// Deleting a student cascades to their samples and attendance.
	if err := s.DeleteStudent(ctx, alice); err != nil {
		t.Fatalf("DeleteStudent failed: %v", err)
	}
	sets, _ = s.LoadLabeledDescriptors(ctx)
	if len(sets) != 1 || sets[0].Label != fmt.Sprint(bob) {
		t.Errorf("Expected only Bob's samples after delete, got %+v", sets)
	}
	if err := s.DeleteStudent(ctx, alice); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
