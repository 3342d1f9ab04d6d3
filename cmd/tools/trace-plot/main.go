// Command trace-plot replays a recorded landmark trace through the pipeline
// and renders raw-versus-stabilized position charts plus the quality curve.
// Useful when tuning filter parameters: the raw line shows solver jitter, the
// stabilized line shows what a renderer would see.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/framesense/headtrack/internal/track"
	"github.com/framesense/headtrack/internal/track/pipeline"
)

type frameInput struct {
	TimestampMS int64        `json:"t_ms"`
	Confidence  float64      `json:"confidence"`
	Landmarks   [][4]float64 `json:"landmarks"`
}

// traceSample is one frame of collected plot data.
type traceSample struct {
	frame      int
	raw        [3]float64
	stabilized [3]float64
	solved     bool
	quality    float64
}

func main() {
	var (
		inputPath = flag.String("input", "", "JSONL landmark frames (required)")
		outputDir = flag.String("out", "plots", "output directory for PNG charts")
		width     = flag.Int("width", 1280, "image width in pixels")
		height    = flag.Int("height", 720, "image height in pixels")
	)
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("usage: trace-plot -input frames.jsonl [-out plots]")
	}

	samples, err := replayTrace(*inputPath, *width, *height)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	if len(samples) == 0 {
		log.Fatal("no frames in input")
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("create output dir: %v", err)
	}

	axes := [3]string{"x", "y", "z"}
	for axis := 0; axis < 3; axis++ {
		file := filepath.Join(*outputDir, fmt.Sprintf("position_%s.png", axes[axis]))
		if err := plotAxis(samples, axis, axes[axis], file); err != nil {
			log.Fatalf("plot %s: %v", axes[axis], err)
		}
		fmt.Printf("wrote %s\n", file)
	}

	qualityFile := filepath.Join(*outputDir, "quality.png")
	if err := plotQuality(samples, qualityFile); err != nil {
		log.Fatalf("plot quality: %v", err)
	}
	fmt.Printf("wrote %s\n", qualityFile)
}

func replayTrace(path string, width, height int) ([]traceSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := pipeline.New(pipeline.Config{
		DeviceKey:   "trace-plot",
		ImageWidth:  width,
		ImageHeight: height,
		Calibrator:  track.DefaultCalibratorConfig(),
		Solver:      track.DefaultSolverConfig(),
		Stabilizer:  track.DefaultStabilizerConfig(),
		Quality:     track.DefaultQualityConfig(),
	}, time.Now())
	if err != nil {
		return nil, err
	}

	base := time.Now()
	var samples []traceSample

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	frame := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var input frameInput
		if err := json.Unmarshal(line, &input); err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}
		frame++

		at := base.Add(time.Duration(input.TimestampMS) * time.Millisecond)
		result := p.ProcessFrame(toLandmarkSet(input), at)

		s := traceSample{frame: frame, quality: result.Assessment.OverallQuality}
		if result.Pose != nil {
			s.solved = true
			s.raw = [3]float64{result.Pose.Translation.X, result.Pose.Translation.Y, result.Pose.Translation.Z}
		}
		if result.Stabilized != nil {
			s.stabilized = [3]float64{result.Stabilized.Position.X, result.Stabilized.Position.Y, result.Stabilized.Position.Z}
		}
		samples = append(samples, s)
	}
	return samples, scanner.Err()
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

func plotAxis(samples []traceSample, axis int, label, file string) error {
	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Head Position %s - Raw vs Stabilized", label)
	pl.X.Label.Text = "Frame"
	pl.Y.Label.Text = "Position (mm)"

	rawPts := make(plotter.XYs, 0, len(samples))
	stabPts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		if s.solved {
			rawPts = append(rawPts, plotter.XY{X: float64(s.frame), Y: s.raw[axis]})
			stabPts = append(stabPts, plotter.XY{X: float64(s.frame), Y: s.stabilized[axis]})
		}
	}

	if len(rawPts) > 0 {
		rawLine, err := plotter.NewLine(rawPts)
		if err != nil {
			return err
		}
		rawLine.Color = color.RGBA{R: 200, G: 60, B: 60, A: 255}
		rawLine.Width = vg.Points(1)
		pl.Add(rawLine)
		pl.Legend.Add("raw", rawLine)
	}
	if len(stabPts) > 0 {
		stabLine, err := plotter.NewLine(stabPts)
		if err != nil {
			return err
		}
		stabLine.Color = color.RGBA{R: 60, G: 100, B: 200, A: 255}
		stabLine.Width = vg.Points(1)
		pl.Add(stabLine)
		pl.Legend.Add("stabilized", stabLine)
	}

	return pl.Save(14*vg.Inch, 6*vg.Inch, file)
}

func plotQuality(samples []traceSample, file string) error {
	pl := plot.New()
	pl.Title.Text = "Overall Tracking Quality"
	pl.X.Label.Text = "Frame"
	pl.Y.Label.Text = "Quality"
	pl.Y.Min = 0
	pl.Y.Max = 1

	pts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		pts = append(pts, plotter.XY{X: float64(s.frame), Y: s.quality})
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 40, G: 140, B: 80, A: 255}
	line.Width = vg.Points(1)
	pl.Add(line)

	return pl.Save(14*vg.Inch, 6*vg.Inch, file)
}
