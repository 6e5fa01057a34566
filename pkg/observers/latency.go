package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/metrics"
)

// LatencyObserver correlates per-turn pipeline events into one latency log
// line per turn, keyed by room.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	audioIn  time.Time
	sttFinal time.Time
	llmFirst time.Time
	ttsFirst time.Time
	llmDone  time.Time
	traceID  string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	room := ""
	if ev.Tags != nil {
		room = ev.Tags["room"]
	}
	if room == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[room]
	if t == nil {
		t = &trace{}
		o.traces[room] = t
	}
	switch ev.Name {
	case "stt_audio_in":
		if t.audioIn.IsZero() {
			t.audioIn = ev.Time
		}
		if t.traceID == "" && ev.Tags != nil {
			t.traceID = ev.Tags["trace_id"]
		}
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case "llm_first_token":
		if t.llmFirst.IsZero() {
			t.llmFirst = ev.Time
		}
	case "tts_first_audio":
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case "llm_done":
		t.llmDone = ev.Time
	}
	if !t.llmDone.IsZero() {
		o.logTTFBLocked(room, t)
		delete(o.traces, room)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logTTFBLocked(room string, t *trace) {
	sttLatency := durationMs(t.audioIn, t.sttFinal)
	llmLatency := durationMs(t.sttFinal, t.llmFirst)
	ttsLatency := durationMs(t.llmFirst, t.ttsFirst)
	ttfb := durationMs(t.sttFinal, t.ttsFirst)
	o.log.Info("latency",
		"room", room,
		"trace_id", t.traceID,
		"stt_ms", sttLatency,
		"llm_first_token_ms", llmLatency,
		"tts_first_audio_ms", ttsLatency,
		"ttfb_ms", ttfb,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
