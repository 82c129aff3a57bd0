package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
)

func TestWriteAttendance(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	t.Run("Empty log", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeAttendance(&buf, "CSC101", day, nil); err != nil {
			t.Fatal(err)
		}
		if got := buf.String(); !strings.Contains(got, "No attendance recorded for CSC101 on 2026-03-02") {
			t.Errorf("unexpected output %q", got)
		}
	})

	t.Run("One row per student", func(t *testing.T) {
		records := []store.AttendanceRecord{
			{StudentID: 1, MatricNo: "U001", Name: "Ada", Status: "present", MarkedAt: day.Add(9 * time.Hour)},
			{StudentID: 7, MatricNo: "U007", Name: "Bola", Status: "present", MarkedAt: day.Add(9*time.Hour + 5*time.Minute)},
		}
		var buf bytes.Buffer
		if err := writeAttendance(&buf, "CSC101", day, records); err != nil {
			t.Fatal(err)
		}

		got := buf.String()
		if !strings.Contains(got, "CSC101 on 2026-03-02: 2 present") {
			t.Errorf("missing header in %q", got)
		}
		lines := strings.Split(strings.TrimSpace(got), "\n")
		// header, blank, column names, underline, two rows
		if len(lines) != 6 {
			t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), got)
		}
		for i, want := range []string{"U001", "U007"} {
			row := lines[4+i]
			if !strings.Contains(row, want) || !strings.Contains(row, "present") {
				t.Errorf("row %d = %q, want %s present", i, row, want)
			}
		}
	})
}
