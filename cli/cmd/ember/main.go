// Command ember drives the adaptive control core headless: it wires the
// five subsystem agents against the null graphics backend, starts the
// DCC worker, and runs the engine tick loop until interrupted (or until
// --duration elapses, when one is set) while exposing metrics, health,
// and snapshot endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ember-engine/ember/engine"
	assetagent "github.com/ember-engine/ember/engine/agents/asset"
	audioagent "github.com/ember-engine/ember/engine/agents/audio"
	ecsagent "github.com/ember-engine/ember/engine/agents/ecs"
	physicsagent "github.com/ember-engine/ember/engine/agents/physics"
	rendereragent "github.com/ember-engine/ember/engine/agents/renderer"
	"github.com/ember-engine/ember/engine/config"
	"github.com/ember-engine/ember/engine/lanes"
	audiolanes "github.com/ember-engine/ember/engine/lanes/audio"
	physicslanes "github.com/ember-engine/ember/engine/lanes/physics"
	renderlanes "github.com/ember-engine/ember/engine/lanes/render"
	engmodels "github.com/ember-engine/ember/engine/models"
	"github.com/ember-engine/ember/engine/platform"
	"github.com/ember-engine/ember/engine/profiler"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "ember",
		Short:         "Adaptive engine control core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), snapshotCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ember:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ember", version)
		},
	}
}

type harness struct {
	engine   *engine.Engine
	renderer *rendereragent.Agent
	physics  *physicsagent.Agent
	audio    *audioagent.Agent
	profiler *profiler.Profiler
}

// buildHarness assembles the full agent set against the null backend.
func buildHarness(cfg config.Config, log *slog.Logger) (*harness, error) {
	eng, err := engine.New(cfg, log)
	if err != nil {
		return nil, err
	}

	device := platform.NewNullDevice()
	window := platform.NewNullWindow(1280, 720)
	prof, err := profiler.New(device, slogWarn{log})
	if err != nil {
		return nil, err
	}

	renderRegistry := lanes.NewRegistry()
	renderRegistry.Register(renderlanes.NewShadowPassLane())
	renderRegistry.Register(renderlanes.NewUnlitLane())
	renderRegistry.Register(renderlanes.NewLitForwardLane())
	renderRegistry.Register(renderlanes.NewForwardPlusLane())
	rend := rendereragent.New(renderRegistry, device, window, prof)
	colorTex, err := device.CreateTexture(platform.TextureDesc{Width: 1280, Height: 720, Layers: 1, Format: device.SurfaceFormat(), Label: "backbuffer"})
	if err != nil {
		return nil, err
	}
	colorView, err := device.CreateTextureView(colorTex, "backbuffer")
	if err != nil {
		return nil, err
	}
	depthTex, err := device.CreateTexture(platform.TextureDesc{Width: 1280, Height: 720, Layers: 1, Format: "depth32float", DepthStencil: true, Label: "depth"})
	if err != nil {
		return nil, err
	}
	depthView, err := device.CreateTextureView(depthTex, "depth")
	if err != nil {
		return nil, err
	}
	rend.SetTargets(colorView, depthView, [4]float32{0.05, 0.05, 0.08, 1})

	physicsRegistry := lanes.NewRegistry()
	physicsRegistry.Register(physicslanes.NewBroadphaseLane())
	physicsRegistry.Register(physicslanes.NewSolverLane())
	physicsRegistry.Register(physicslanes.NewDebugLane())
	phys := physicsagent.New(physicsRegistry)

	audioRegistry := lanes.NewRegistry()
	audioRegistry.Register(audiolanes.NewSpatialMixerLane())
	audioRegistry.Register(audiolanes.NewPanVolumeLane())
	aud := audioagent.New(audioRegistry)

	assetRegistry := lanes.NewRegistry()
	assetRegistry.Register(lanes.NewLoaderLane("mesh"))
	assetRegistry.Register(lanes.NewLoaderLane("texture"))
	assetRegistry.Register(lanes.NewLoaderLane("audio-clip"))
	ast := assetagent.New(assetRegistry)

	ecsRegistry := lanes.NewRegistry()
	ecsRegistry.Register(lanes.NewCompactionLane())
	ecs := ecsagent.New(ecsRegistry)

	eng.RegisterAgent(rend)
	eng.RegisterAgent(phys)
	eng.RegisterAgent(aud)
	eng.RegisterAgent(ast)
	eng.RegisterAgent(ecs)

	return &harness{engine: eng, renderer: rend, physics: phys, audio: aud, profiler: prof}, nil
}

// syntheticScene builds a slowly varying demo scene so the agents have
// real complexity to negotiate over.
func syntheticScene(tick int64) renderlanes.Scene {
	objects := make([]renderlanes.Object, 0, 48)
	for i := 0; i < 48; i++ {
		objects = append(objects, renderlanes.Object{
			Triangles:     500 + i*25,
			Model:         renderlanes.Identity(),
			MaterialIndex: i % 4,
		})
	}
	lightCount := 6 + int(3*math.Sin(float64(tick)/120.0)+3)
	lights := make([]renderlanes.Light, 0, lightCount)
	for i := 0; i < lightCount; i++ {
		kind := renderlanes.LightPoint
		if i == 0 {
			kind = renderlanes.LightDirectional
		}
		lights = append(lights, renderlanes.Light{
			Kind:         kind,
			Position:     [3]float32{float32(i) * 2, 5, -3},
			Direction:    [3]float32{0, -1, 0.2},
			Color:        [3]float32{1, 1, 1},
			Intensity:    2,
			Range:        15,
			CastsShadows: i == 0,
		})
	}
	return renderlanes.Scene{
		Camera: renderlanes.CameraData{
			ViewProjection: renderlanes.Perspective(60, 16.0/9.0, 0.1, 500).
				Mul(renderlanes.LookAt([3]float32{0, 4, 10}, [3]float32{0, 0, 0}, [3]float32{0, 1, 0})),
			Position: [3]float32{0, 4, 10},
			NearZ:    0.1, FarZ: 500,
		},
		Objects: objects,
		Lights:  lights,
	}
}

func runCmd() *cobra.Command {
	var (
		configPath    string
		addr          string
		duration      time.Duration
		tickRate      int
		snapshotEvery time.Duration
		phase         string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine tick loop against the null backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			h, err := buildHarness(cfg, log)
			if err != nil {
				return err
			}
			defer h.profiler.Shutdown()
			defer h.renderer.Shutdown()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			if err := h.engine.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = h.engine.Stop() }()

			if configPath != "" {
				watcher, werr := config.NewWatcher(configPath)
				if werr != nil {
					log.Warn("config watcher unavailable", "err", werr)
				} else {
					defer func() { _ = watcher.Close() }()
					changes, errs := watcher.Watch(ctx)
					go func() {
						for {
							select {
							case ch, ok := <-changes:
								if !ok {
									return
								}
								if aerr := h.engine.ApplyConfig(ch.Config); aerr != nil {
									log.Warn("hot reload rejected", "err", aerr)
								}
							case werr, ok := <-errs:
								if !ok {
									return
								}
								log.Warn("config watch error", "err", werr)
							}
						}
					}()
				}
			}

			if addr != "" {
				go serveObservability(ctx, addr, h.engine, log)
			}

			h.engine.SetPhase(engmodels.Phase(phase))
			h.engine.ReportHardware(engmodels.Hardware{
				Thermal:       engmodels.ThermalNominal,
				Battery:       engmodels.BatteryNormal,
				TotalVRAM:     4 << 30,
				AvailableVRAM: 3 << 30,
			})

			interval := time.Second / time.Duration(tickRate)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			var snapTicker <-chan time.Time
			if snapshotEvery > 0 {
				st := time.NewTicker(snapshotEvery)
				defer st.Stop()
				snapTicker = st.C
			}

			var tick int64
			enc := json.NewEncoder(os.Stderr)
			enc.SetIndent("", "  ")
			for {
				select {
				case <-ctx.Done():
					final := h.engine.Snapshot()
					fmt.Fprintln(os.Stderr, "=== final snapshot ===")
					return enc.Encode(final)
				case <-ticker.C:
					tick++
					scene := syntheticScene(tick)
					h.renderer.SubmitScene(scene)
					h.physics.SetBodyCount(64)
					h.audio.SetSourceCount(12)
					h.engine.TickAgents(ctx)
					h.profiler.Poll()
					if ms := h.profiler.SmoothFrameTotalMs(); ms > 0 {
						h.engine.ReportGpuTimings(h.profiler.SmoothMainPassMs(), ms)
					}
					h.engine.ReportMetric("engine/tick", float64(tick))
				case <-snapTicker:
					snap := h.engine.Snapshot()
					fmt.Fprintf(os.Stderr, "=== snapshot %s ===\n", time.Now().Format(time.RFC3339))
					_ = enc.Encode(snap)
				}
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Optional YAML or TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Serve /metrics, /healthz and /snapshot on this address")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 = run until interrupted)")
	cmd.Flags().IntVar(&tickRate, "tick-rate", 60, "Engine tick rate in Hz")
	cmd.Flags().DurationVar(&snapshotEvery, "snapshot-interval", 10*time.Second, "Interval between progress snapshots (0 = disabled)")
	cmd.Flags().StringVar(&phase, "phase", string(engmodels.PhaseSimulation), "Initial engine phase (boot|menu|simulation|background)")
	return cmd
}

func snapshotCmd() *cobra.Command {
	var configPath string
	var ticks int
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Run a few ticks headless and print the resulting snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			h, err := buildHarness(cfg, log)
			if err != nil {
				return err
			}
			defer h.profiler.Shutdown()
			defer h.renderer.Shutdown()

			ctx := cmd.Context()
			h.engine.SetPhase(engmodels.PhaseSimulation)
			h.engine.ReportHardware(engmodels.Hardware{
				Thermal: engmodels.ThermalNominal, Battery: engmodels.BatteryNormal,
				TotalVRAM: 4 << 30, AvailableVRAM: 3 << 30,
			})
			for i := 0; i < ticks; i++ {
				h.renderer.SubmitScene(syntheticScene(int64(i)))
				h.engine.TickAgents(ctx)
				h.profiler.Poll()
				h.engine.StepDCC(ctx)
			}

			out := struct {
				Snapshot engine.Snapshot `json:"snapshot"`
				Health   any             `json:"health"`
			}{h.engine.Snapshot(), h.engine.HealthSnapshot(ctx)}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Optional YAML or TOML config file")
	cmd.Flags().IntVar(&ticks, "ticks", 8, "How many engine+DCC ticks to run before printing")
	return cmd
}

// serveObservability exposes the engine's HTTP surface until ctx ends.
func serveObservability(ctx context.Context, addr string, eng *engine.Engine, log *slog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if mh := eng.MetricsHandler(); mh != nil {
		r.Handle("/metrics", mh)
	}
	r.Handle("/healthz", eng.HealthHandler())
	r.Get("/snapshot", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Snapshot())
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("observability endpoints listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("observability server stopped", "err", err)
	}
}

// slogWarn adapts *slog.Logger to the profiler's Logger surface.
type slogWarn struct{ log *slog.Logger }

func (s slogWarn) Warn(msg string, args ...any) { s.log.Warn(msg, args...) }
