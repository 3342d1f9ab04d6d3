// Package pipeline is the composition root for the head-pose core: it owns
// one correspondence builder, calibrator, solver, stabilizer and quality
// monitor per tracked subject and wires them into a per-frame processing
// call. It imports from internal/track and its storage adapters; none of
// those packages import pipeline.
package pipeline
