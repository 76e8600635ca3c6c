package errs

import (
	"errors"
	"fmt"
)

// DecodeError is returned when a file exists but is not a decodable image.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ImageDecodeError is the name callers of the inference path know DecodeError by.
type ImageDecodeError = DecodeError

type ImageNotFoundError struct {
	Path string
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("image not found: %s", e.Path)
}

// ShapeMismatchError reports a tensor whose shape disagrees with what the model declares.
type ShapeMismatchError struct {
	Context  string
	Expected []int
	Actual   []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected shape %v, got %v", e.Context, e.Expected, e.Actual)
}

// DegenerateSplitError means a declared class has no samples in a split.
type DegenerateSplitError struct {
	Class string
	Split string
}

func (e *DegenerateSplitError) Error() string {
	return fmt.Sprintf("class %q has no samples in the %s split", e.Class, e.Split)
}

type ArtifactNotFoundError struct {
	Path string
	Err  error
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s: %v", e.Path, e.Err)
}

func (e *ArtifactNotFoundError) Unwrap() error { return e.Err }

type InvalidArtifactError struct {
	Path   string
	Reason string
}

func (e *InvalidArtifactError) Error() string {
	return fmt.Sprintf("invalid artifact %s: %s", e.Path, e.Reason)
}

// IsArtifactError reports whether err is a missing or structurally invalid model artifact.
func IsArtifactError(err error) bool {
	var nf *ArtifactNotFoundError
	var inv *InvalidArtifactError
	return errors.As(err, &nf) || errors.As(err, &inv)
}

// DuplicateLabelError means a label name list repeats a name, so two classes
// could not be told apart by name.
type DuplicateLabelError struct {
	Label         string
	First, Second int
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("label %q is used for classes %d and %d", e.Label, e.First, e.Second)
}
