// Package pipeline builds a tarBSD image: a fixed, linear sequence of
// stages whose expensive results are checkpointed in a snapshot store and
// skipped when their inputs are unchanged.
package pipeline

// State names. Transitions only move forward.
const (
	StateInit              = "init"
	StateBaseInstalling    = "base_installing"
	StatePackageInstalling = "package_installing"
	StateOverlayCopying    = "overlay_copying"
	StatePruning           = "pruning"
	StateFinalizing        = "finalizing"
	StateAssembling        = "assembling"
	StateDone              = "done"
	StateFailed            = "failed"
)

// Marker files next to the root, one per cacheable stage.
const (
	markerBase     = "distFileHash"
	markerPackages = "packagesHash"
)

// BuildRequest is the input of one build.
type BuildRequest struct {
	BuildID string
	Dir     string
	Quick   bool
}

// BuildResponse accumulates across transitions.
type BuildResponse struct {
	State     string
	ImagePath string
	ImageSize int64
	Outputs   []string
}
