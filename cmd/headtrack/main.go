// Command headtrack replays recorded face-landmark frames through the pose
// estimation pipeline and emits one JSON result per frame. Input is JSONL:
// one frame object per line, in detector order.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/framesense/headtrack/internal/config"
	"github.com/framesense/headtrack/internal/monitoring"
	"github.com/framesense/headtrack/internal/timeutil"
	"github.com/framesense/headtrack/internal/track"
	"github.com/framesense/headtrack/internal/track/pipeline"
	"github.com/framesense/headtrack/internal/track/storage/sqlite"
	"github.com/framesense/headtrack/internal/version"
)

// frameInput is one detector frame. Landmarks are [x, y, z, presence] in
// normalized image coordinates.
type frameInput struct {
	TimestampMS int64        `json:"t_ms"`
	Confidence  float64      `json:"confidence"`
	Landmarks   [][4]float64 `json:"landmarks"`
}

// frameOutput is the per-frame result line.
type frameOutput struct {
	Frame       int     `json:"frame"`
	TimestampMS int64   `json:"t_ms"`
	State       string  `json:"state"`
	Quality     float64 `json:"quality"`
	Solved      bool    `json:"solved"`

	PosX float64 `json:"pos_x,omitempty"`
	PosY float64 `json:"pos_y,omitempty"`
	PosZ float64 `json:"pos_z,omitempty"`
	RotW float64 `json:"rot_w,omitempty"`
	RotX float64 `json:"rot_x,omitempty"`
	RotY float64 `json:"rot_y,omitempty"`
	RotZ float64 `json:"rot_z,omitempty"`

	ReprojectionError float64 `json:"reprojection_error,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
	PredictedLoss     bool    `json:"predicted_loss,omitempty"`
}

// logObserver forwards monitor events to the operational log.
type logObserver struct{}

func (logObserver) OnStateChange(from, to track.TrackingState) {
	monitoring.Logf("state %s -> %s", from, to)
}

func (logObserver) OnQualityUpdate(track.QualityAssessment) {}

func (logObserver) OnRecoveryAttempt(attempt int, strategy track.RecoveryStrategy) {
	monitoring.Logf("recovery attempt %d: %s", attempt, strategy)
}

func (logObserver) OnTrackingLost() {
	monitoring.Logf("tracking lost")
}

func main() {
	var (
		inputPath   = flag.String("input", "", "JSONL landmark frames to replay (default stdin)")
		dbPath      = flag.String("db", "", "sqlite path for calibration profiles (empty disables persistence)")
		deviceKey   = flag.String("device", "replay", "device key for profile persistence")
		width       = flag.Int("width", 1280, "image width in pixels")
		height      = flag.Int("height", 720, "image height in pixels")
		configPath  = flag.String("config", "", "optional tuning config JSON")
		debug       = flag.String("debug", "", "debug streams to enable on stderr: ops,diag,trace or all")
		realtime    = flag.Bool("realtime", false, "pace the replay by the recorded frame timestamps")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	ops, diag, trace := monitoring.DebugWriters(*debug, os.Stderr)
	track.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		tuning = loaded
	}

	cfg := pipeline.Config{
		DeviceKey:   *deviceKey,
		ImageWidth:  *width,
		ImageHeight: *height,
		Calibrator:  tuning.CalibratorConfig(),
		Solver:      tuning.SolverConfig(),
		Stabilizer:  tuning.StabilizerConfig(),
		Quality:     tuning.QualityConfig(),
		Observer:    logObserver{},
	}

	if *dbPath != "" {
		store, err := sqlite.Open(*dbPath)
		if err != nil {
			log.Fatalf("open profile db: %v", err)
		}
		defer store.Close()
		cfg.ProfileStore = store
	}

	base := time.Now()
	p, err := pipeline.New(cfg, base)
	if err != nil {
		log.Fatalf("create pipeline: %v", err)
	}

	in := os.Stdin
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			log.Fatalf("open input: %v", err)
		}
		defer f.Close()
		in = f
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var clock timeutil.Clock = timeutil.RealClock{}
	started := clock.Now()

	frame := 0
	recovering := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var input frameInput
		if err := json.Unmarshal(line, &input); err != nil {
			log.Fatalf("frame %d: bad input line: %v", frame, err)
		}
		frame++

		if *realtime {
			due := time.Duration(input.TimestampMS) * time.Millisecond
			clock.Sleep(due - clock.Since(started))
		}

		at := base.Add(time.Duration(input.TimestampMS) * time.Millisecond)
		landmarks := toLandmarkSet(input)

		result := p.ProcessFrame(landmarks, at)

		// Replay has no external detector to degrade, so a recovery attempt
		// succeeds as soon as quality climbs back above acceptable.
		if recovering && result.Assessment.OverallQuality >= tuning.QualityConfig().AcceptableThreshold {
			p.ReportRecovery(true, at)
			recovering = false
		}
		if p.RecoveryDue(at) {
			if _, ok := p.AttemptRecovery(at); ok {
				recovering = true
			}
		}

		if err := enc.Encode(buildOutput(frame, input.TimestampMS, result)); err != nil {
			log.Fatalf("write output: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read input: %v", err)
	}

	fmt.Fprintf(os.Stderr, "replayed %d frames, final state %s\n", frame, p.State())
}

func toLandmarkSet(input frameInput) *track.LandmarkSet {
	if len(input.Landmarks) == 0 {
		return nil
	}
	set := &track.LandmarkSet{
		Points:     make([]track.Landmark, len(input.Landmarks)),
		Confidence: input.Confidence,
	}
	for i, lm := range input.Landmarks {
		set.Points[i] = track.Landmark{X: lm[0], Y: lm[1], Z: lm[2], Presence: lm[3]}
	}
	return set
}

func buildOutput(frame int, tMS int64, result pipeline.FrameResult) frameOutput {
	out := frameOutput{
		Frame:         frame,
		TimestampMS:   tMS,
		State:         string(result.Assessment.State),
		Quality:       result.Assessment.OverallQuality,
		PredictedLoss: result.Assessment.PredictedLoss,
	}
	if result.Pose != nil {
		out.Solved = true
		out.ReprojectionError = result.Pose.ReprojectionError
		out.Confidence = result.Pose.Confidence
	}
	if result.Stabilized != nil {
		out.PosX = result.Stabilized.Position.X
		out.PosY = result.Stabilized.Position.Y
		out.PosZ = result.Stabilized.Position.Z
		out.RotW = result.Stabilized.Rotation.Real
		out.RotX = result.Stabilized.Rotation.Imag
		out.RotY = result.Stabilized.Rotation.Jmag
		out.RotZ = result.Stabilized.Rotation.Kmag
	}
	return out
}
