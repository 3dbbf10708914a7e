package worker

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/fogleman/gg"
)

// GenerateParams are the fully resolved inputs of one generation run.
// Seed is always concrete by the time an engine sees it.
type GenerateParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Seed           int64
	OutputPath     string
}

// GenerateResult reports one finished generation
type GenerateResult struct {
	OutputPath string
	Duration   float64
	Seed       int64
}

// Engine abstracts the inference pipeline living on one device. The
// orchestrator core decides when weights move and when a run happens;
// the engine decides how. Implementations are not safe for concurrent
// use; the action loop executes serially.
type Engine interface {
	// LoadToRAM stages weights from disk into host memory and returns
	// the staging footprint in MB.
	LoadToRAM(modelName, modelPath string) (float64, error)

	// PromoteToVRAM transfers staged weights to device memory and
	// returns the device footprint in MB. The staging copy is still
	// resident afterwards; the caller releases it.
	PromoteToVRAM() (float64, error)

	// ReleaseRAM drops the host staging copy
	ReleaseRAM() error

	// ReleaseVRAM drops the device-resident pipeline
	ReleaseVRAM() error

	// CleanVRAM reclaims transient device memory between runs without
	// evicting the model; returns the amount reclaimed in MB.
	CleanVRAM() (float64, error)

	// Generate executes one run and writes the artifact to
	// params.OutputPath.
	Generate(params GenerateParams) (GenerateResult, error)
}

// SimEngine is the built-in engine used when no real pipeline is wired
// in. It models memory footprints from the weight file size and renders
// a deterministic placeholder artifact, which keeps the whole control
// plane exercisable on hosts without a GPU.
type SimEngine struct {
	deviceID int

	stagedModel string
	stagedMB    float64
	residentMB  float64
	transientMB float64
}

// NewSimEngine creates a simulated engine for a device
func NewSimEngine(deviceID int) *SimEngine {
	return &SimEngine{deviceID: deviceID}
}

func (e *SimEngine) LoadToRAM(modelName, modelPath string) (float64, error) {
	sizeMB := 2048.0
	if info, err := os.Stat(modelPath); err == nil {
		if mb := float64(info.Size()) / (1024 * 1024); mb > 0 {
			sizeMB = mb
		}
	}
	e.stagedModel = modelName
	e.stagedMB = sizeMB
	return sizeMB, nil
}

func (e *SimEngine) PromoteToVRAM() (float64, error) {
	if e.stagedModel == "" {
		return 0, fmt.Errorf("no staged weights to promote")
	}
	e.residentMB = e.stagedMB
	return e.residentMB, nil
}

func (e *SimEngine) ReleaseRAM() error {
	e.stagedModel = ""
	e.stagedMB = 0
	return nil
}

func (e *SimEngine) ReleaseVRAM() error {
	e.residentMB = 0
	e.transientMB = 0
	return nil
}

func (e *SimEngine) CleanVRAM() (float64, error) {
	cleaned := e.transientMB
	e.transientMB = 0
	return cleaned, nil
}

// Generate renders a deterministic placeholder image seeded by the task
// seed, so identical parameters yield identical artifacts.
func (e *SimEngine) Generate(params GenerateParams) (GenerateResult, error) {
	start := time.Now()

	if params.Width <= 0 || params.Height <= 0 {
		return GenerateResult{}, fmt.Errorf("invalid dimensions %dx%d", params.Width, params.Height)
	}

	rng := rand.New(rand.NewSource(params.Seed))
	dc := gg.NewContext(params.Width, params.Height)

	dc.SetRGB(rng.Float64()*0.2, rng.Float64()*0.2, 0.2+rng.Float64()*0.3)
	dc.Clear()

	// One blob per step; steps shape the texture the way they would
	// shape a real sampler's refinement.
	for i := 0; i < params.Steps*8; i++ {
		x := rng.Float64() * float64(params.Width)
		y := rng.Float64() * float64(params.Height)
		r := 4 + rng.Float64()*float64(params.Width)/8
		dc.SetRGBA(rng.Float64(), rng.Float64(), rng.Float64(), 0.15+rng.Float64()*0.25)
		dc.DrawCircle(x, y, r)
		dc.Fill()
	}

	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(params.Prompt, float64(params.Width)/2, float64(params.Height)/2, 0.5, 0.5)

	if err := dc.SavePNG(params.OutputPath); err != nil {
		return GenerateResult{}, fmt.Errorf("failed to write artifact: %w", err)
	}

	e.transientMB = float64(params.Width*params.Height) / (1024 * 256)

	return GenerateResult{
		OutputPath: params.OutputPath,
		Duration:   time.Since(start).Seconds(),
		Seed:       params.Seed,
	}, nil
}
