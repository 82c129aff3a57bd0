package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/extractor"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

var attendOpts Options

var attendCmd = &cobra.Command{
	Use:   "attend",
	Short: "Take attendance for a course from a classroom video",
	Long: `Decodes the video with ffmpeg, runs every nth frame through a pool of face
extractors and records every registered student recognised in it as present.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		attendOpts.MatchThreshold = thresholdFlag(cmd, attendOpts.MatchThreshold, Cfg.Thresholds.Batch)
		return runAttend(cmd.Context(), attendOpts)
	},
}

func init() {
	attendCmd.Flags().StringVarP(&attendOpts.InputPath, "input", "i", "", "Path to video")
	attendCmd.Flags().StringVarP(&attendOpts.Course, "course", "C", "", "Course code to mark attendance for")
	attendCmd.Flags().IntVarP(&attendOpts.NthFrame, "nth-frame", "n", 10, "AI keyframe interval (e.g. scan every 10th frame)")
	attendCmd.Flags().IntVarP(&attendOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	attendCmd.Flags().Float64VarP(&attendOpts.MatchThreshold, "threshold", "t", matcher.DefaultThreshold, "Maximum Euclidean distance for a match (default from config)")
	attendCmd.Flags().Float64VarP(&attendOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold (default from config)")
	attendCmd.Flags().StringVarP(&attendOpts.WorkerTimeout, "worker-timeout", "w", "", "Per-frame extractor timeout, e.g. 30s (default from config)")
	attendCmd.Flags().BoolVar(&attendOpts.IgnoreWindow, "ignore-window", false, "Record even when the course marking window is closed (recorded lectures)")
	attendCmd.Flags().BoolVarP(&attendOpts.DebugScreenshots, "debug-screenshots", "d", false, "Save debug images with bounding boxes to /data/debug_frames/")

	attendCmd.MarkFlagRequired("input")
	attendCmd.MarkFlagRequired("course")
	rootCmd.AddCommand(attendCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// runAttend orchestrates the scan: course and reference loading, worker pool, FFmpeg streaming, and progress tracking.
func runAttend(ctx context.Context, opts Options) error {
	if err := validateAttendFlags(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	workerCfg, err := workerConfig(opts)
	if err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}

	// 1. Course & marking window
	c, err := DB.GetCourse(ctx, opts.Course)
	if err != nil {
		utils.ShowError("Failed to load course", err, nil)
		return err
	}
	course := c.ForAttendance()
	if opts.IgnoreWindow {
		course.Window = attendance.Window{Marking: true, Start: time.Now(), Duration: 24 * time.Hour}
	}
	if !course.Window.Status(time.Now()).Active {
		err := fmt.Errorf("course %s: %w", course.Code, attendance.ErrWindowClosed)
		utils.ShowError("Open the window with `rollcall window` or pass --ignore-window", err, nil)
		return err
	}

	// 2. Reference snapshot for this session
	sets, err := DB.LoadLabeledDescriptors(ctx)
	if err != nil {
		utils.ShowError("Failed to load reference faces", err, nil)
		return err
	}
	m, err := matcher.New(sets, opts.MatchThreshold)
	if err != nil {
		utils.ShowError("Failed to build matcher", err, nil)
		return err
	}
	if m.Len() == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  No students are registered; every face will be unknown.")
	}

	recorder := attendance.NewRecorder(DB, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	recorder.DedupeWindow = Cfg.Attendance.DedupeWindow
	fmt.Fprintf(os.Stderr, "📋 Session %s: %s, %d students, threshold %.2f\n", recorder.SessionID()[:8], course.Code, m.Len(), m.Threshold())
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.NumEngines)

	// 3. Get FPS for Time Calculations
	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}

	// 4. Get total frames for progress bar
	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		totalVideoFrames = -1
	}

	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Taking attendance"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fail := &firstError{cancel: cancel}

	recorder.OnMarked(func(r attendance.Record) {
		bar.Describe(fmt.Sprintf("✅ Marked student %d", r.StudentID))
	})

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan scanResult, opts.NumEngines*2)
	var wg sync.WaitGroup

	// 5. Start Aggregator (Consumer)
	// Must run concurrently to prevent deadlock on resultsChan
	var summary attendSummary
	aggDone := make(chan struct{})
	go func() {
		summary = processResults(ctx, resultsChan, m, recorder, course, fps, opts.NthFrame, fail)
		close(aggDone)
	}()

	// 6. Spawn the Engine Pool
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			startWorker(ctx, workerID, workerCfg, taskChan, resultsChan, fail)
		}(i)
	}

	// 7. Start FFmpeg
	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)
	totalFrames, sentFrames := 0, 0

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		fail.set("Failed to create FFmpeg stdout pipe", err, nil)
	} else if err := ffmpeg.Start(); err != nil {
		fail.set("Failed to start FFmpeg", err, nil)
	} else {
		defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

		// 8. Frame Splitter & Nth-Frame Logic
		scanner := bufio.NewScanner(ffmpegOut)
		scanner.Buffer(make([]byte, megabyte), 64*megabyte)
		scanner.Split(utils.SplitJpeg)

	scan:
		for scanner.Scan() {
			totalFrames++
			bar.Add(1) // Update progress bar for every frame read

			if totalFrames%opts.NthFrame != 0 {
				continue
			}
			// Get buffer from pool
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < len(scanner.Bytes()) {
				buf = make([]byte, len(scanner.Bytes()))
			}
			buf = buf[:len(scanner.Bytes())]
			copy(buf, scanner.Bytes())

			select {
			case taskChan <- types.FrameTask{Index: totalFrames, Data: buf}:
				sentFrames++
			case <-ctx.Done():
				break scan
			}
		}

		// Check for scanner errors (e.g. token too long, unexpected EOF)
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			fail.set("Frame scanner failed", err, nil)
		}

		// 9. Cleanup & Completion Check
		if err := ffmpeg.Wait(); err != nil && ctx.Err() == nil {
			if stderrBuf.Len() > 0 {
				fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
			}
			fail.set("FFmpeg execution failed", err, nil)
		}
	}

	close(taskChan)
	wg.Wait()
	close(resultsChan)

	// Wait for aggregator to finish processing
	<-aggDone
	summary.SentFrames, summary.TotalFrames = sentFrames, totalFrames

	bar.Finish()
	if err := fail.get(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	printSummary(ctx, summary)
	return nil
}

// firstError keeps the first fatal error of the pipeline and stops the rest of it.
type firstError struct {
	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

func (f *firstError) set(msg string, err error, cmd *utils.SafeCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return
	}
	utils.ShowError(msg, err, cmd)
	f.err = err
	f.cancel()
}

func (f *firstError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// scanResult wraps the output from a worker to be sent to the aggregator
type scanResult struct {
	Index int
	Faces []types.FaceResult
}

// startWorker manages the lifecycle of a single extractor process.
// Every task yields exactly one result so the aggregator never waits on a missing frame.
func startWorker(ctx context.Context, id int, cfg extractor.ScanConfig, tasks <-chan types.FrameTask, results chan<- scanResult, fail *firstError) {
	w, err := extractor.NewPythonWorker(ctx, id, cfg)
	if err != nil {
		fail.set("Worker startup failed", err, nil)
	}
	if w != nil {
		defer w.Close()
	}

	for task := range tasks {
		var faces []types.FaceResult
		if w != nil && !w.Broken() && ctx.Err() == nil {
			faces, err = w.Detect(ctx, task.Data)
			switch {
			case err == nil:
			case w.Broken():
				if ctx.Err() == nil {
					// DRAIN: Wait for process to exit and capture final stderr logs
					w.Close()
					fail.set(fmt.Sprintf("Worker %d crashed", id), err, w.Cmd)
				}
			default:
				fmt.Fprintf(os.Stderr, "\n⚠️  Worker %d frame %d: %v\n", id, task.Index, err)
			}
		}

		// Return buffer to pool once the worker is done with it
		frameBufferPool.Put(task.Data[:0])
		results <- scanResult{Index: task.Index, Faces: faces}
	}
}

// --- Aggregation ---

// sighting is what the summary keeps per recognised student.
type sighting struct {
	StudentID    int
	FirstSeen    float64 // seconds into the video
	LastSeen     float64
	Frames       int
	BestDistance float64
	Outcome      attendance.Outcome
}

type attendSummary struct {
	TotalFrames     int
	SentFrames      int
	TotalDetections int
	Unknown         int
	Students        map[int]*sighting
}

// processResults matches every detected face in frame order and feeds positive matches to the recorder.
func processResults(ctx context.Context, results <-chan scanResult, m *matcher.FaceMatcher, rec *attendance.Recorder,
	course attendance.Course, fps float64, nth int, fail *firstError) attendSummary {
	// Buffer for re-ordering frames (Worker 2 might finish before Worker 1)
	buffer := make(map[int]scanResult)
	nextFrame := nth // Assuming first frame is nthFrame based on loop logic

	summary := attendSummary{Students: make(map[int]*sighting)}

	handle := func(frame scanResult) {
		at := float64(frame.Index) / fps
		for _, face := range frame.Faces {
			summary.TotalDetections++
			res, err := m.FindBestMatch(face.Vec)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\n⚠️  Frame %d: %v\n", frame.Index, err)
				continue
			}
			if !res.IsMatch {
				summary.Unknown++
				continue
			}

			r, err := rec.Record(ctx, course, res)
			if err != nil {
				if errors.Is(err, attendance.ErrWindowClosed) {
					fail.set("Marking window closed during the scan", err, nil)
				} else if ctx.Err() == nil {
					fail.set("Failed to record attendance", err, nil)
				}
				continue
			}

			s, ok := summary.Students[r.StudentID]
			if !ok {
				s = &sighting{StudentID: r.StudentID, FirstSeen: at, BestDistance: res.Distance, Outcome: r.Outcome}
				summary.Students[r.StudentID] = s
			}
			s.LastSeen = at
			s.Frames++
			if res.Distance < s.BestDistance {
				s.BestDistance = res.Distance
			}
			// Outcomes are ordered; keep the strongest one seen.
			if r.Outcome > s.Outcome {
				s.Outcome = r.Outcome
			}
		}
	}

	for res := range results {
		buffer[res.Index] = res

		// Process frames in strict order
		for {
			frame, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)
			handle(frame)
			nextFrame += nth
		}
	}

	// Frames left behind a gap (cancelled scan) are still counted, in order.
	var rest []int
	for idx := range buffer {
		rest = append(rest, idx)
	}
	sort.Ints(rest)
	for _, idx := range rest {
		handle(buffer[idx])
	}

	return summary
}

func printSummary(ctx context.Context, summary attendSummary) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 ATTENDANCE SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	var ids []int
	for id := range summary.Students {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		s := summary.Students[id]
		note := "newly marked"
		if s.Outcome == attendance.AlreadyMarked {
			note = "already marked today"
		}
		fmt.Fprintf(os.Stderr, "\n👤 %s: %s\n", studentName(ctx, fmt.Sprint(id)), note)
		fmt.Fprintf(os.Stderr, "   %s -> %s, %d frames, best distance %.3f\n", fmtTime(s.FirstSeen), fmtTime(s.LastSeen), s.Frames, s.BestDistance)
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Keyframes Processed:     %d of %d\n", summary.SentFrames, summary.TotalFrames)
	fmt.Fprintf(os.Stderr, "👁️  Total Face Detections:   %d\n", summary.TotalDetections)
	fmt.Fprintf(os.Stderr, "❔ Unrecognised Faces:       %d\n", summary.Unknown)
	fmt.Fprintf(os.Stderr, "🎓 Students Present:         %d\n", len(ids))
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// validateAttendFlags ensures all CLI arguments are valid before starting heavy processes.
func validateAttendFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.Course == "" {
		return errors.New("a course code is required")
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.MatchThreshold <= 0 || opts.MatchThreshold > 2.0 {
		return fmt.Errorf("invalid match threshold: must be in (0, 2], got %f", opts.MatchThreshold)
	}
	if opts.WorkerTimeout != "" {
		if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
			return fmt.Errorf("invalid worker-timeout format (use '30s', '500ms'): %w", err)
		}
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
