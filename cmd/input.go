package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/extractor"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// newExtractor starts the extractor used for image inputs.
var newExtractor = func(ctx context.Context, cfg extractor.ScanConfig) (extractor.Extractor, error) {
	// We use ID 0 for this ad-hoc worker
	w, err := extractor.NewPythonWorker(ctx, 0, cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// crashLogs returns the captured stderr of a Python-backed extractor, if any.
func crashLogs(ex extractor.Extractor) *utils.SafeCommand {
	if w, ok := ex.(*extractor.PythonWorker); ok {
		return w.Cmd
	}
	return nil
}

// isDescriptorFile reports whether path holds a precomputed descriptor rather than an image.
func isDescriptorFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// workerConfig translates the command options and config file into extractor settings.
func workerConfig(opts Options) (extractor.ScanConfig, error) {
	cfg := extractor.ScanConfig{
		Script:             Cfg.Extractor.Script,
		Dim:                Cfg.Extractor.Dim,
		Debug:              opts.DebugScreenshots,
		DetectionThreshold: Cfg.Extractor.DetectionThreshold,
		ReadTimeout:        Cfg.Extractor.Timeout,
	}
	if opts.DetectionThreshold > 0 {
		cfg.DetectionThreshold = opts.DetectionThreshold
	}
	if opts.WorkerTimeout != "" {
		d, err := time.ParseDuration(opts.WorkerTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid worker timeout %q: %w", opts.WorkerTimeout, err)
		}
		cfg.ReadTimeout = d
	}
	return cfg, nil
}

// describeAll turns every input into a descriptor. Descriptor files are read
// directly; images go through a single extractor process started on first use.
func describeAll(ctx context.Context, paths []string, opts Options) ([]types.Descriptor, error) {
	var w extractor.Extractor
	defer func() {
		if w != nil {
			w.Close()
		}
	}()

	out := make([]types.Descriptor, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			utils.ShowError("Input file does not exist", err, nil)
			return nil, err
		}

		if isDescriptorFile(path) {
			d, err := extractor.ReadDescriptorFile(path)
			if err != nil {
				utils.ShowError("Failed to read descriptor file", err, nil)
				return nil, err
			}
			out = append(out, d)
			continue
		}

		if w == nil {
			cfg, err := workerConfig(opts)
			if err != nil {
				return nil, err
			}
			fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
			w, err = newExtractor(ctx, cfg)
			if err != nil {
				utils.ShowError("Failed to start AI worker", err, nil)
				return nil, err
			}
		}

		imgData, err := os.ReadFile(path)
		if err != nil {
			utils.ShowError("Failed to read image file", err, nil)
			return nil, err
		}

		fmt.Fprintf(os.Stderr, "🔍 Analyzing face in %s...\n", filepath.Base(path))
		d, err := w.Embed(ctx, imgData)
		if errors.Is(err, extractor.ErrNoFace) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err != nil {
			utils.ShowError("AI processing failed", err, crashLogs(w))
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
