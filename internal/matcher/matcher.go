// Package matcher decides whether a live face descriptor belongs to one of a
// set of labeled reference identities.
//
// A FaceMatcher is built from a snapshot of the reference store and is
// read-only afterwards, so one instance may serve concurrent callers.
package matcher

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// DefaultThreshold is the conventional Euclidean cut-off for 128-d face-api/dlib descriptors.
const DefaultThreshold = 0.6

// NoDistance is reported when there was nothing to compare against.
const NoDistance = math.MaxFloat64

// tieEpsilon is how close two representative distances must be to count as a tie.
const tieEpsilon = 1e-9

// ReferenceLabel names the single identity used by CompareSingle.
const ReferenceLabel = "reference"

var (
	// ErrDimensionMismatch is returned when two descriptors have different lengths.
	ErrDimensionMismatch = errors.New("descriptor dimension mismatch")
	// ErrEmptyQuery is returned for a zero-length query descriptor.
	ErrEmptyQuery = errors.New("empty query descriptor")
	// ErrInvalidThreshold is returned for a negative, NaN or infinite threshold.
	ErrInvalidThreshold = errors.New("invalid match threshold")
	// ErrNonFinite is returned for a descriptor holding NaN or infinite components.
	ErrNonFinite = errors.New("descriptor has non-finite components")

	errNoDescriptors = errors.New("identity has no descriptors")
)

// FaceMatcher holds an immutable reference set and a distance threshold.
type FaceMatcher struct {
	identities []types.LabeledDescriptors
	threshold  float64
	dim        int
}

// New builds a matcher from the given reference sets.
// Identities without descriptors, zero-length descriptors and descriptors with
// non-finite components are skipped.
// All remaining descriptors must share one length.
func New(sets []types.LabeledDescriptors, threshold float64) (*FaceMatcher, error) {
	if threshold < 0 || math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}

	m := &FaceMatcher{threshold: threshold}
	for _, set := range sets {
		kept := make([]types.Descriptor, 0, len(set.Descriptors))
		for _, d := range set.Descriptors {
			if len(d) == 0 || !finite(d) {
				continue
			}
			if m.dim == 0 {
				m.dim = len(d)
			}
			if len(d) != m.dim {
				return nil, fmt.Errorf("%w: identity %q has a %d-d descriptor, expected %d", ErrDimensionMismatch, set.Label, len(d), m.dim)
			}
			kept = append(kept, d.Clone())
		}
		if len(kept) == 0 {
			continue
		}
		m.identities = append(m.identities, types.LabeledDescriptors{Label: set.Label, Descriptors: kept})
	}
	return m, nil
}

// Threshold returns the distance below which a match is granted.
func (m *FaceMatcher) Threshold() float64 {
	return m.threshold
}

// Dim returns the descriptor length of the reference set, or 0 when it is empty.
func (m *FaceMatcher) Dim() int {
	return m.dim
}

// Len returns the number of identities held.
func (m *FaceMatcher) Len() int {
	return len(m.identities)
}

// Labels returns the identity labels in input order.
func (m *FaceMatcher) Labels() []string {
	labels := make([]string, len(m.identities))
	for i, id := range m.identities {
		labels[i] = id.Label
	}
	return labels
}

// Candidate is one identity's representative distance to a query.
type Candidate struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
}

// Distances returns the representative (minimum) distance of every comparable identity, in input order.
// Identities whose descriptors all mismatch the query dimension are left out.
func (m *FaceMatcher) Distances(query types.Descriptor) ([]Candidate, error) {
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}
	if !finite(query) {
		return nil, fmt.Errorf("query: %w", ErrNonFinite)
	}

	var out []Candidate
	var lastErr error
	for _, id := range m.identities {
		dist, err := representativeDistance(query, id.Descriptors)
		if errors.Is(err, errNoDescriptors) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, Candidate{Label: id.Label, Distance: dist})
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// FindBestMatch returns the identity closest to query.
//
// Each identity is represented by the nearest of its descriptors. The lowest
// representative distance wins; distances within tieEpsilon of each other keep
// the earlier identity.
// The result is a match only when the distance is strictly below the threshold;
// otherwise the label is types.UnknownLabel.
func (m *FaceMatcher) FindBestMatch(query types.Descriptor) (types.MatchResult, error) {
	candidates, err := m.Distances(query)
	if err != nil {
		return types.MatchResult{}, err
	}
	if len(candidates) == 0 {
		return unknown(NoDistance), nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Distance < best.Distance-tieEpsilon {
			best = c
		}
	}

	if !(best.Distance < m.threshold) {
		return unknown(best.Distance), nil
	}
	return types.MatchResult{
		Label:      best.Label,
		Distance:   best.Distance,
		Similarity: types.SimilarityFromDistance(best.Distance),
		IsMatch:    true,
	}, nil
}

// CompareSingle compares a live descriptor against one stored reference descriptor
// using the matcher's threshold.
func (m *FaceMatcher) CompareSingle(a, b types.Descriptor) (types.MatchResult, error) {
	if !finite(b) {
		return types.MatchResult{}, fmt.Errorf("reference: %w", ErrNonFinite)
	}
	single := &FaceMatcher{
		identities: []types.LabeledDescriptors{{Label: ReferenceLabel, Descriptors: []types.Descriptor{b}}},
		threshold:  m.threshold,
		dim:        len(b),
	}
	return single.FindBestMatch(a)
}

func unknown(distance float64) types.MatchResult {
	return types.MatchResult{
		Label:      types.UnknownLabel,
		Distance:   distance,
		Similarity: types.SimilarityFromDistance(distance),
	}
}

// representativeDistance is the minimum distance from query to any comparable descriptor.
func representativeDistance(query types.Descriptor, descriptors []types.Descriptor) (float64, error) {
	best := NoDistance
	compared := false
	lastErr := errNoDescriptors
	for _, d := range descriptors {
		dist, err := EuclideanDistance(query, d)
		if err != nil {
			lastErr = err
			continue
		}
		compared = true
		if dist < best {
			best = dist
		}
	}
	if !compared {
		return 0, lastErr
	}
	return best, nil
}

// EuclideanDistance returns the L2 norm of a - b.
func EuclideanDistance(a, b types.Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

func finite(d types.Descriptor) bool {
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
