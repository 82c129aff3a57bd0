package extractor

import (
	"context"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Static is an Extractor that ignores the frame and reports a fixed set of faces.
// It serves precomputed descriptor files and tests.
type Static struct {
	Faces []types.FaceResult
}

// NewStatic returns a Static extractor reporting one face per descriptor.
func NewStatic(descriptors ...types.Descriptor) *Static {
	s := &Static{}
	for _, d := range descriptors {
		s.Faces = append(s.Faces, types.FaceResult{Vec: d.Clone()})
	}
	return s
}

// Detect returns a copy of the configured faces.
func (s *Static) Detect(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.FaceResult, len(s.Faces))
	for i, f := range s.Faces {
		f.Vec = f.Vec.Clone()
		out[i] = f
	}
	return out, nil
}

// Embed returns the descriptor of the largest configured face.
func (s *Static) Embed(ctx context.Context, frame []byte) (types.Descriptor, error) {
	return embedWith(ctx, s.Detect, frame)
}

// Close is a no-op.
func (s *Static) Close() {}
