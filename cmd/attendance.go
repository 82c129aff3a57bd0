package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var attendanceDate string

var attendanceCmd = &cobra.Command{
	Use:   "attendance <course_code>",
	Short: "Show who was marked present for a course on a day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttendance(cmd.Context(), args[0], time.Now())
	},
}

func init() {
	attendanceCmd.Flags().StringVar(&attendanceDate, "date", "", "Day to show as YYYY-MM-DD (default: today)")
	rootCmd.AddCommand(attendanceCmd)
}

func runAttendance(ctx context.Context, code string, now time.Time) error {
	day, err := attendance.ParseDay(attendanceDate, now)
	if err != nil {
		utils.ShowError("Invalid date", err, nil)
		return err
	}

	course, err := DB.GetCourse(ctx, code)
	if err != nil {
		utils.ShowError("Failed to load course", err, nil)
		return err
	}

	records, err := DB.ListAttendance(ctx, course.ID, day)
	if err != nil {
		utils.ShowError("Failed to list attendance", err, nil)
		return err
	}
	return writeAttendance(os.Stdout, course.Code, day, records)
}

// writeAttendance prints the attendance log of one course and day as a table.
func writeAttendance(out io.Writer, code string, day time.Time, records []store.AttendanceRecord) error {
	date := day.Format(attendance.DayLayout)
	if len(records) == 0 {
		fmt.Fprintf(out, "No attendance recorded for %s on %s.\n", code, date)
		return nil
	}

	fmt.Fprintf(out, "📋 %s on %s: %d present\n\n", code, date, len(records))
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tMATRIC NO\tNAME\tSTATUS\tMARKED AT")
	fmt.Fprintln(w, "--\t---------\t----\t------\t---------")

	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.StudentID, r.MatricNo, r.Name, r.Status, r.MarkedAt.Local().Format("15:04:05"))
	}
	return w.Flush()
}
