// Package extractor turns camera frames and photos into face descriptors.
//
// The embedding model itself runs out of process; this package only speaks
// its protocol and hands back plain descriptors for the matcher.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrNoFace is returned by Embed when the frame contains no detectable face.
var ErrNoFace = errors.New("no face detected")

// Extractor detects faces in an encoded image and embeds them.
type Extractor interface {
	// Detect returns every face found in the frame, possibly none.
	Detect(ctx context.Context, frame []byte) ([]types.FaceResult, error)
	// Embed returns the descriptor of the most prominent face, or ErrNoFace.
	Embed(ctx context.Context, frame []byte) (types.Descriptor, error)
	// Close releases the model runtime.
	Close()
}

// Largest picks the face with the biggest bounding box. It returns false for an empty slice.
func Largest(faces []types.FaceResult) (types.FaceResult, bool) {
	if len(faces) == 0 {
		return types.FaceResult{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > best.Area() {
			best = f
		}
	}
	return best, true
}

// embedWith implements Embed on top of any Detect function.
func embedWith(ctx context.Context, detect func(context.Context, []byte) ([]types.FaceResult, error), frame []byte) (types.Descriptor, error) {
	faces, err := detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	face, ok := Largest(faces)
	if !ok || len(face.Vec) == 0 {
		return nil, ErrNoFace
	}
	return face.Vec, nil
}

// descriptorFile is the on-disk form written by `rollcall embed`.
type descriptorFile struct {
	Descriptor types.Descriptor `json:"descriptor"`
}

// ReadDescriptorFile loads a precomputed descriptor. Both a bare JSON array and
// an object with a "descriptor" field are accepted.
func ReadDescriptorFile(path string) (types.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var bare types.Descriptor
	if err := json.Unmarshal(data, &bare); err == nil {
		if len(bare) == 0 {
			return nil, fmt.Errorf("%s: descriptor is empty", path)
		}
		return bare, nil
	}

	var wrapped descriptorFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%s: not a descriptor file: %w", path, err)
	}
	if len(wrapped.Descriptor) == 0 {
		return nil, fmt.Errorf("%s: descriptor is empty", path)
	}
	return wrapped.Descriptor, nil
}

// WriteDescriptorFile stores a descriptor in the object form read by ReadDescriptorFile.
func WriteDescriptorFile(path string, d types.Descriptor) error {
	data, err := json.Marshal(descriptorFile{Descriptor: d})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
