package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/api"
	"github.com/kilnworks/kiln/pkg/bus"
	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/queue"
	"github.com/kilnworks/kiln/pkg/registry"
	"github.com/kilnworks/kiln/pkg/scheduler"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

// Supervisor owns component lifecycle: it builds the orchestrator from
// configuration, starts everything in dependency order, and tears it
// down in reverse.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Launcher overrides worker process creation; tests inject fakes.
	Launcher registry.Launcher

	store     store.Store
	bus       *bus.Bus
	broker    *events.Broker
	queue     *queue.Queue
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	collector *metrics.Collector
	api       *api.Server
}

// New creates a supervisor for the given configuration
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg, logger: log.WithComponent("supervisor")}
}

// Start brings the orchestrator up. A store that cannot be opened is
// fatal; everything after that degrades rather than aborts.
func (s *Supervisor) Start() error {
	s.logger.Info().Msg("starting orchestrator")

	st, err := store.Open(s.cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	s.scanModelCatalog()

	s.queue = queue.New(st)
	s.bus = bus.New(s.cfg.QueueCapacity)
	s.broker = events.NewBroker()
	s.broker.Start()

	s.registry = registry.New(s.cfg, st, s.bus, s.broker, s.Launcher)
	s.scheduler = scheduler.New(s.cfg, s.queue, s.bus, s.registry, st, s.broker)

	// Resolve what the previous run left behind before any worker can
	// touch task state.
	if err := s.scheduler.Recover(); err != nil {
		return err
	}

	if s.cfg.AutoStartWorkers {
		if err := s.registry.StartAll(); err != nil {
			s.shutdownPartial()
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}
	s.registry.StartMonitor()
	s.scheduler.Start()

	s.collector = metrics.NewCollector(s.queue, s.registry, st, 15*time.Second)
	s.collector.Start()

	s.api = api.New(s.cfg, s.scheduler, s.queue, s.registry)
	s.api.Start()

	s.logger.Info().Str("addr", s.cfg.APIAddr()).Int("devices", len(s.cfg.DeviceList)).Msg("orchestrator running")
	return nil
}

// Stop tears the orchestrator down in reverse start order, each step
// bounded by the configured grace timeout.
func (s *Supervisor) Stop() {
	s.logger.Info().Msg("stopping orchestrator")

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := s.api.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("api shutdown incomplete")
		}
		cancel()
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.registry != nil {
		s.registry.StopAll()
	}
	s.shutdownPartial()
	s.logger.Info().Msg("orchestrator stopped")
}

// shutdownPartial releases what Start built before a failure point
func (s *Supervisor) shutdownPartial() {
	if s.broker != nil {
		s.broker.Stop()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("store close failed")
		}
	}
}

// Run starts the orchestrator and blocks until the context is
// cancelled, then shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Queue exposes the task queue for inspection
func (s *Supervisor) Queue() *queue.Queue { return s.queue }

// Registry exposes the worker registry for inspection
func (s *Supervisor) Registry() *registry.Registry { return s.registry }

// Scheduler exposes the scheduler, the admission point for tasks
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.scheduler }

// scanModelCatalog registers every weight file under the models root so
// the scheduler can resolve model paths without guessing.
func (s *Supervisor) scanModelCatalog() {
	entries, err := os.ReadDir(s.cfg.ModelDir)
	if err != nil {
		s.logger.Warn().Err(err).Str("model_dir", s.cfg.ModelDir).Msg("model dir not readable, catalog empty")
		return
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".safetensors") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		model := &types.Model{
			Name:   strings.TrimSuffix(entry.Name(), ".safetensors"),
			Path:   filepath.Join(s.cfg.ModelDir, entry.Name()),
			SizeMB: float64(info.Size()) / (1024 * 1024),
		}
		if err := s.store.UpsertModel(model); err != nil {
			s.logger.Warn().Err(err).Str("model", model.Name).Msg("model catalog write failed")
			continue
		}
		count++
	}
	s.logger.Info().Int("models", count).Str("model_dir", s.cfg.ModelDir).Msg("model catalog scanned")
}
