package voxflow

import "errors"

// Configuration errors.  These are programming errors and are never retried.
var (
	// ErrIncompatibleSlotType is returned when connecting slots of incompatible stypes.
	ErrIncompatibleSlotType = errors.New("incompatible slot type")

	// ErrShapeMismatch is returned when arrays disagree on axes that must match.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrAxisConstraint is returned when an array violates the axis contract of a typed view.
	ErrAxisConstraint = errors.New("axis constraint violated")

	// ErrBadFeatureName is returned for feature names not of the form <edge|sp>_<stat>.
	ErrBadFeatureName = errors.New("malformed feature name")

	// ErrUnsupportedFeature is returned for features that cannot be computed, e.g.,
	// coordinate-based features on edges.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// Bounds errors.
var (
	// ErrEmptyIntersection is returned when a clamp leaves no overlap on some axis.
	// Callers usually treat this as "no overlap" rather than a failure.
	ErrEmptyIntersection = errors.New("empty intersection")

	// ErrOutOfBounds is returned when a region is not contained in the addressable extent.
	ErrOutOfBounds = errors.New("region out of bounds")
)

// State errors.
var (
	// ErrNotReady is returned when pulling data from a slot that is not configured yet.
	ErrNotReady = errors.New("slot not ready")

	// ErrFrozen is returned when writing into a cache that is fixed at its current content.
	ErrFrozen = errors.New("cache is frozen")

	// ErrCancelled is returned by requests that were cancelled before finishing.
	ErrCancelled = errors.New("request cancelled")
)
