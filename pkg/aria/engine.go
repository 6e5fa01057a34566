package aria

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/metrics"
	"github.com/ariavoice/aria/pkg/observers"
	"github.com/ariavoice/aria/pkg/pipeline"
	"github.com/ariavoice/aria/pkg/processors"
	"github.com/ariavoice/aria/pkg/redact"
	"github.com/ariavoice/aria/pkg/runner"
	"github.com/ariavoice/aria/pkg/transports"
	"github.com/ariavoice/aria/pkg/turn"
)

// Engine owns the transport, the session registry and the capability
// bindings. Each session gets its own pipeline built from the five bound
// providers; sessions share nothing but the LLM adapter, which is stateless.
type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	ctx       context.Context
	cancel    context.CancelFunc
	// failedStreams records room/stream pairs whose session bootstrap
	// failed; later frames on the same stream are dropped instead of
	// re-dialing the providers.
	failedStreams sync.Map
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
}

// NewEngine resolves all five capability slots up front. A provider that
// cannot be built, for example because a credential is missing from the
// environment, fails engine construction before any session is accepted.
func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	sttFactory, err := providers.BuildSTTFactory(cfg.Capabilities.STT.Provider, cfg, "")
	if err != nil {
		return nil, fmt.Errorf("bind stt slot: %w", err)
	}
	llmAdapter, err := providers.BuildLLM(cfg.Capabilities.LLM.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("bind llm slot: %w", err)
	}
	ttsFactory, err := providers.BuildTTSFactory(cfg.Capabilities.TTS.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("bind tts slot: %w", err)
	}
	vadFactory, err := providers.BuildVADFactory(cfg.Capabilities.VAD.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("bind vad slot: %w", err)
	}
	turnFactory, err := providers.BuildTurnDetectorFactory(cfg.Capabilities.TurnDetection.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("bind turn_detection slot: %w", err)
	}

	slog.Info("aria_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Capabilities.STT.Provider,
		"llm_provider", cfg.Capabilities.LLM.Provider,
		"tts_provider", cfg.Capabilities.TTS.Provider,
		"vad_provider", cfg.Capabilities.VAD.Provider,
		"turn_provider", cfg.Capabilities.TurnDetection.Provider,
		"transport", cfg.Transports.Provider,
	)

	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	multiObs := observers.NewMultiObserver(latencyObs, logObs)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	var registry *pipeline.SessionRegistry

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				if sf.Name() == frames.SystemSessionEnd {
					// The end frame has passed every stage; tear the session
					// down off the stage goroutine so Stop cannot deadlock.
					if room := sf.Meta()[frames.MetaRoom]; room != "" && registry != nil {
						go registry.Remove(room)
					}
				}
			}
			if asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				meta := f.Meta()
				asyncObs.RecordEvent(metrics.MetricsEvent{
					Name: "audio_out",
					Time: time.Now(),
					Tags: map[string]string{
						frames.MetaStreamID: meta[frames.MetaStreamID],
						frames.MetaRoom:     meta[frames.MetaRoom],
						frames.MetaTraceID:  meta[frames.MetaTraceID],
						"component":         "transport",
					},
					Fields: map[string]any{
						"sample_rate": af.Rate(),
						"channels":    af.Channels(),
					},
				})
			}
			_ = opts.Transport.Send(f)
		}
	}

	registry = pipeline.NewSessionRegistry(func(ctx context.Context, room, participant, traceID, streamID string) (pipeline.Orchestrator, error) {
		detector, err := vadFactory()
		if err != nil {
			return nil, fmt.Errorf("build vad detector: %w", err)
		}
		turnDetector := turnFactory()

		emitter := newPipeEmitter()
		manager := turn.NewManagerWithOptions(turn.AggressiveStrategy{}, turnDetector, emitter, turn.ManagerOptions{
			BargeInThreshold: time.Duration(cfg.Turn.BargeInThresholdMS) * time.Millisecond,
			MinBargeIn:       time.Duration(cfg.Turn.MinBargeInMS) * time.Millisecond,
		})

		vadProc := processors.NewVADProcessor(detector, cfg.Audio.VADWindowSamples)
		vadProc.SetTurnManager(manager)
		vadProc.SetObserver(asyncObs)

		sttProc := processors.NewSTTProcessor(sttFactory)
		sttProc.SetForwardInterim(cfg.STT.ForwardInterim)
		sttProc.SetObserver(asyncObs)
		sttProc.SetContext(ctx)

		gateProc := processors.NewTurnGateProcessor(manager)
		gateProc.SetEmitter(emitter.Emit)
		gateProc.SetRecheckInterval(time.Duration(cfg.Turn.SilenceWindowMS)*time.Millisecond + 50*time.Millisecond)

		llmProc := processors.NewLLMProcessor(llmAdapter, cfg.Instructions)
		if cfg.Context.MaxHistory > 0 {
			llmProc.SetMemoryLimits(cfg.Context.MaxHistory)
		}
		llmProc.SetTurnManager(manager)
		llmProc.SetObserver(asyncObs)
		llmProc.SetContext(ctx)
		llmProc.SetEmitter(emitter.Emit)

		ttsProc := processors.NewTTSProcessor(ttsFactory)
		ttsProc.SetTurnManager(manager)
		ttsProc.SetObserver(asyncObs)
		ttsProc.SetContext(ctx)
		ttsProc.SetEmitter(emitter.Emit)

		orch := pipeline.NewVoiceAgentBuilder().
			WithVAD(vadProc).
			WithSTT(sttProc).
			WithTurnGate(gateProc).
			WithLLM(llmProc).
			WithTTS(ttsProc).
			Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(asyncObs)
		emitter.SetInput(orch.In())

		if sink != nil {
			orch.SetSink(sink)
		}

		go func() {
			<-ctx.Done()
			sttProc.CloseAll()
			ttsProc.CloseAll()
			_ = detector.Close()
		}()

		// Provider streams connect now so a dead credential or endpoint
		// fails the session start instead of surfacing on the first frame.
		if streamID != "" {
			sttClient := sttFactory(room, streamID)
			if err := sttClient.Start(ctx); err != nil {
				return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
			}
			sttProc.Adopt(streamID, room, sttClient)
			ttsClient := ttsFactory(room, streamID)
			if err := ttsClient.Start(ctx); err != nil {
				return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
			}
			ttsProc.Adopt(streamID, room, ttsClient)
		}

		return orch, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Aria Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	lr := pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		registry:  registry,
		transport: opts.Transport,
		providers: providers,
		runner:    lr,
		asyncObs:  asyncObs,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// routeTransport fans inbound frames into per-room sessions. The room is the
// session key; a frame without one is dropped.
func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			room := meta[frames.MetaRoom]
			participant := meta[frames.MetaParticipant]
			traceID := meta[frames.MetaTraceID]
			if room == "" {
				continue
			}
			if e.asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				e.asyncObs.RecordEvent(metrics.MetricsEvent{
					Name: "audio_in",
					Time: time.Now(),
					Tags: map[string]string{
						frames.MetaStreamID: meta[frames.MetaStreamID],
						frames.MetaRoom:     room,
						frames.MetaTraceID:  traceID,
						"component":         "transport",
					},
					Fields: map[string]any{
						"sample_rate": af.Rate(),
						"channels":    af.Channels(),
					},
				})
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				switch sf.Name() {
				case frames.SystemSessionStart:
					f = e.withGreeting(sf)
				case frames.SystemSessionEnd:
					// Removal happens when the end frame reaches the sink,
					// after every stage has observed it.
					if sess, ok := e.registry.Get(room); ok {
						nonBlockingSend(sess.Orch.In(), f)
					}
					continue
				}
			}
			streamID := meta[frames.MetaStreamID]
			streamKey := room + "/" + streamID
			if _, dead := e.failedStreams.Load(streamKey); dead {
				continue
			}
			sess, created, err := e.registry.GetOrCreate(room, participant, traceID, streamID)
			if err != nil {
				e.failedStreams.Store(streamKey, struct{}{})
				slog.Error("session_create_failed", "room", room, "error", err)
				continue
			}
			if sess == nil {
				continue
			}
			if created {
				slog.Info("session_started", "room", room, "participant", participant)
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

// withGreeting attaches the configured greeting instruction to session_start
// frames that do not already carry one.
func (e *Engine) withGreeting(sf frames.SystemFrame) frames.Frame {
	if strings.TrimSpace(e.cfg.Greeting) == "" {
		return sf
	}
	meta := sf.Meta()
	if meta == nil {
		meta = map[string]string{}
	}
	if meta[frames.MetaGreetingText] != "" {
		return sf
	}
	meta[frames.MetaGreetingText] = e.cfg.Greeting
	return frames.NewSystemFrame(meta[frames.MetaStreamID], sf.PTS(), sf.Name(), meta)
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

// pipeEmitter forwards interruption frames from the turn manager back into
// the pipeline input. The input channel is attached after the orchestrator is
// built.
type pipeEmitter struct {
	mu sync.Mutex
	in chan frames.Frame
}

func newPipeEmitter() *pipeEmitter {
	return &pipeEmitter{}
}

func (e *pipeEmitter) SetInput(in chan frames.Frame) {
	e.mu.Lock()
	e.in = in
	e.mu.Unlock()
}

func (e *pipeEmitter) Emit(f frames.Frame) error {
	e.mu.Lock()
	in := e.in
	e.mu.Unlock()
	if in == nil {
		return nil
	}
	select {
	case in <- f:
	default:
	}
	return nil
}

func SetDefaultLogger(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
