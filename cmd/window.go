package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	windowName     string
	windowDuration time.Duration
	windowStart    string
	windowOff      bool
	windowStatus   bool
)

var windowCmd = &cobra.Command{
	Use:   "window <course_code>",
	Short: "Open, close, or inspect a course's attendance marking window",
	Long: `Opens the marking window of a course starting now (or at --start) for --duration.
Attendance is only recorded while the window is open. Use --off to close it and
--status to only print the current state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("duration") {
			windowDuration = Cfg.Attendance.MarkDuration
		}
		return runWindow(cmd.Context(), args[0], time.Now())
	},
}

func init() {
	windowCmd.Flags().StringVar(&windowName, "name", "", "Course title (used when creating the course)")
	windowCmd.Flags().DurationVar(&windowDuration, "duration", attendance.DefaultDuration, "How long the window stays open (default from config)")
	windowCmd.Flags().StringVar(&windowStart, "start", "", "Start time as RFC3339 or HH:MM today (default: now)")
	windowCmd.Flags().BoolVar(&windowOff, "off", false, "Close the marking window")
	windowCmd.Flags().BoolVar(&windowStatus, "status", false, "Only print the window status")
	rootCmd.AddCommand(windowCmd)
}

func runWindow(ctx context.Context, code string, now time.Time) error {
	if !windowStatus {
		start, err := parseStart(windowStart, now)
		if err != nil {
			utils.ShowError("Invalid start time", err, nil)
			return err
		}
		if windowDuration < time.Minute {
			err := fmt.Errorf("duration must be at least 1m, got %s", windowDuration)
			utils.ShowError("Invalid duration", err, nil)
			return err
		}

		courseID, err := DB.EnsureCourse(ctx, code, windowName)
		if err != nil {
			utils.ShowError("Failed to create course", err, nil)
			return err
		}
		if err := DB.SetMarkingWindow(ctx, courseID, !windowOff, start, windowDuration); err != nil {
			utils.ShowError("Failed to update marking window", err, nil)
			return err
		}
	}

	course, err := DB.GetCourse(ctx, code)
	if err != nil {
		utils.ShowError("Failed to load course", err, nil)
		return err
	}

	st := course.ForAttendance().Window.Status(now)
	switch {
	case st.Active:
		fmt.Printf("🟢 %s marking is open until %s (%d min left)\n", course.Code, st.End.Local().Format("15:04"), st.Remaining)
	case !st.Start.IsZero() && now.Before(st.Start):
		fmt.Printf("🕒 %s marking opens at %s\n", course.Code, st.Start.Local().Format("15:04"))
	default:
		fmt.Printf("🔴 %s marking is closed\n", course.Code)
	}
	return nil
}

// parseStart accepts an RFC3339 timestamp or a wall-clock HH:MM on now's day.
func parseStart(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("15:04", s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or HH:MM, got %q", s)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}
