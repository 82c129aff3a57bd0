package types

import "fmt"

// UnknownLabel is reported when no identity is close enough to the query.
const UnknownLabel = "unknown"

// Descriptor is a face embedding produced by the external extractor (128-d for face-api/dlib models).
type Descriptor []float64

// Clone returns an independent copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	if d == nil {
		return nil
	}
	out := make(Descriptor, len(d))
	copy(out, d)
	return out
}

// LabeledDescriptors groups every stored sample of one identity (typically a student ID).
type LabeledDescriptors struct {
	Label       string       `json:"label"`
	Descriptors []Descriptor `json:"descriptors"`
}

// MatchResult is the outcome of comparing a query descriptor against the reference set.
type MatchResult struct {
	Label      string  `json:"label"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
	IsMatch    bool    `json:"is_match"`
}

// Percent returns the similarity as a 0-100 score.
func (r MatchResult) Percent() float64 {
	return r.Similarity * 100
}

func (r MatchResult) String() string {
	return fmt.Sprintf("%s (%.2f)", r.Label, r.Distance)
}

// SimilarityFromDistance maps a distance to a confidence in [0, 1] (1 - distance, clamped).
func SimilarityFromDistance(distance float64) float64 {
	s := 1 - distance
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index int
	Data  []byte
}

// FaceResult is one detection returned by the extractor worker.
type FaceResult struct {
	Loc     []int      `json:"loc"` // [top, right, bottom, left]
	Vec     Descriptor `json:"vec"`
	Quality float64    `json:"quality"`
	Thumb   []byte     `json:"-"`
}

// Area returns the bounding box area, or 0 for a malformed box.
func (f FaceResult) Area() int {
	if len(f.Loc) != 4 {
		return 0
	}
	return (f.Loc[2] - f.Loc[0]) * (f.Loc[1] - f.Loc[3])
}

// ErrorResult is the JSON error body returned by the HTTP API.
type ErrorResult struct {
	Error string `json:"error"`
}
