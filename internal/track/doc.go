// Package track implements the head-pose estimation core: correspondence
// building against a canonical face model, runtime camera calibration,
// PnP pose solving with RANSAC and iterative refinement, a temporal
// stabilization filter cascade, and quality monitoring with a tracking
// state machine.
//
// The package is frame-driven and single-threaded: one pipeline instance
// owns all mutable state for one tracked subject. Callers needing
// multi-subject tracking run independent instances.
package track
