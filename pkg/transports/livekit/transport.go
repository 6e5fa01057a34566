package livekit

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/ariavoice/aria/pkg/errorsx"
	"github.com/ariavoice/aria/pkg/frames"
	"github.com/ariavoice/aria/pkg/logging"
	"github.com/ariavoice/aria/pkg/transports"
)

const (
	// Opus over WebRTC always runs at 48kHz.
	rtcSampleRate = 48000
	// Inbound audio is downsampled to 16kHz for the detectors and STT.
	pipelineSampleRate = 16000
)

type Config struct {
	URL       string
	APIKey    string
	APISecret string
	RoomName  string
	Identity  string
	// GreetingInstruction rides on the session_start frame so the pipeline
	// can open the conversation.
	GreetingInstruction string
}

// Transport joins one LiveKit room as the agent participant. Remote
// microphone tracks are decoded from Opus, downsampled and fed into the
// pipeline; synthesized audio is published back on a local Opus track.
type Transport struct {
	cfg    Config
	room   *lksdk.Room
	recv   chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu         sync.Mutex
	started    bool
	streamIDs  map[string]string // participant identity -> stream id
	provider   *sampleProvider
	audioTrack *lksdk.LocalTrackPublication
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:       cfg,
		recv:      make(chan frames.Frame, 512),
		streamIDs: make(map[string]string),
		logger:    logging.NewComponentLogger(slog.Default(), "livekit_transport"),
	}
}

func (t *Transport) Name() string { return "livekit" }

func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.URL == "" || t.cfg.APIKey == "" || t.cfg.APISecret == "" {
		return errors.New("missing livekit credentials")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	info := lksdk.ConnectInfo{
		APIKey:              t.cfg.APIKey,
		APISecret:           t.cfg.APISecret,
		RoomName:            t.cfg.RoomName,
		ParticipantIdentity: t.cfg.Identity,
		ParticipantName:     t.cfg.Identity,
	}
	callback := &lksdk.RoomCallback{
		OnParticipantConnected:    t.onParticipantConnected,
		OnParticipantDisconnected: t.onParticipantDisconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished:  t.onTrackPublished,
			OnTrackSubscribed: t.onTrackSubscribed,
		},
	}

	room, err := lksdk.ConnectToRoom(t.cfg.URL, info, callback)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportJoin)
	}
	t.mu.Lock()
	t.room = room
	t.started = true
	t.mu.Unlock()

	t.logger.Info("joined room",
		slog.String("room", room.Name()),
		slog.String("identity", t.cfg.Identity))
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	if t.cancel != nil {
		t.cancel()
	}
	if t.provider != nil {
		t.provider.Close()
	}
	if t.room != nil {
		t.room.Disconnect()
	}
	t.logger.Info("left room", slog.String("room", t.cfg.RoomName))
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recv }

func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindAudio:
		return t.sendAudio(f.(frames.AudioFrame))
	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaThought] == "true" {
			return nil
		}
		return t.sendText(tf.Text())
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFlush || cf.Code() == frames.ControlStartInterruption {
			t.mu.Lock()
			provider := t.provider
			t.mu.Unlock()
			if provider != nil {
				provider.Purge()
			}
		}
		return nil
	default:
		return nil
	}
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"room":     t.cfg.RoomName,
		"identity": t.cfg.Identity,
	}
}

func (t *Transport) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	streamID := t.streamIDFor(rp.Identity())
	t.logger.Info("participant connected",
		slog.String("room", t.cfg.RoomName),
		slog.String("participant", rp.Identity()))
	meta := t.baseMeta(streamID, rp.Identity())
	if t.cfg.GreetingInstruction != "" {
		meta[frames.MetaGreetingText] = t.cfg.GreetingInstruction
	}
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemSessionStart, meta))
}

func (t *Transport) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	t.logger.Info("participant disconnected",
		slog.String("room", t.cfg.RoomName),
		slog.String("participant", rp.Identity()))
	streamID := t.streamIDFor(rp.Identity())
	meta := t.baseMeta(streamID, rp.Identity())
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemSessionEnd, meta))
	t.mu.Lock()
	delete(t.streamIDs, rp.Identity())
	t.mu.Unlock()
}

func (t *Transport) onTrackPublished(publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if publication.Kind() != lksdk.TrackKindAudio {
		return
	}
	// Never subscribe to our own published track; that would feed the
	// agent's voice back into its own STT.
	if rp.Identity() == t.cfg.Identity {
		return
	}
	if publication.Source() != livekit.TrackSource_MICROPHONE {
		t.logger.Debug("skipping non-microphone track",
			slog.String("participant", rp.Identity()),
			slog.String("source", publication.Source().String()))
		return
	}
	if err := publication.SetSubscribed(true); err != nil {
		t.logger.Error("track subscribe failed",
			slog.String("participant", rp.Identity()),
			slog.String("error", err.Error()))
	}
}

func (t *Transport) onTrackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	t.logger.Info("audio track subscribed",
		slog.String("room", t.cfg.RoomName),
		slog.String("participant", rp.Identity()),
		slog.String("track_sid", publication.SID()))
	go t.readAudioTrack(track, rp)
}

func (t *Transport) readAudioTrack(track *webrtc.TrackRemote, rp *lksdk.RemoteParticipant) {
	decoder, err := opus.NewDecoder(rtcSampleRate, 1)
	if err != nil {
		t.logger.Error("opus decoder create failed",
			slog.String("participant", rp.Identity()),
			slog.String("error", err.Error()))
		return
	}
	streamID := t.streamIDFor(rp.Identity())
	// Up to 120ms at 48kHz per Opus frame.
	pcmBuf := make([]int16, 5760)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				t.logger.Error("rtp read error",
					slog.String("participant", rp.Identity()),
					slog.String("error", err.Error()))
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil || n == 0 {
			continue
		}
		pcm := int16ToBytes(pcmBuf[:n])
		pcm = resamplePCM16(pcm, rtcSampleRate, pipelineSampleRate)

		meta := t.baseMeta(streamID, rp.Identity())
		meta[frames.MetaEncoding] = "pcm16"
		f := frames.NewAudioFrameFromPool(streamID, time.Now().UnixNano(), pcm, pipelineSampleRate, 1, meta)
		t.emit(f)
	}
}

func (t *Transport) sendAudio(af frames.AudioFrame) error {
	provider, err := t.ensureAudioTrack()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	pcm := af.RawPayload()
	if af.Rate() != rtcSampleRate {
		pcm = resamplePCM16(pcm, af.Rate(), rtcSampleRate)
	}
	return provider.Queue(pcm)
}

func (t *Transport) sendText(text string) error {
	t.mu.Lock()
	room := t.room
	t.mu.Unlock()
	if room == nil {
		return errors.New("not connected")
	}
	err := room.LocalParticipant.PublishData([]byte(text), lksdk.WithDataPublishReliable(true))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// ensureAudioTrack lazily publishes the agent's voice track on first send.
func (t *Transport) ensureAudioTrack() (*sampleProvider, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.provider != nil {
		return t.provider, nil
	}
	if t.room == nil {
		return nil, errors.New("not connected")
	}
	provider := newSampleProvider()
	localTrack, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus,
	})
	if err != nil {
		return nil, err
	}
	if err := localTrack.StartWrite(provider, func() {
		t.logger.Debug("audio track write completed")
	}); err != nil {
		return nil, err
	}
	publication, err := t.room.LocalParticipant.PublishTrack(localTrack, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		return nil, err
	}
	t.audioTrack = publication
	t.provider = provider
	t.logger.Info("published voice track",
		slog.String("room", t.cfg.RoomName),
		slog.String("track_sid", publication.SID()))
	return provider, nil
}

func (t *Transport) streamIDFor(identity string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.streamIDs[identity]; ok {
		return id
	}
	id := uuid.NewString()
	t.streamIDs[identity] = id
	return id
}

func (t *Transport) baseMeta(streamID, participant string) map[string]string {
	return map[string]string{
		frames.MetaStreamID:    streamID,
		frames.MetaRoom:        t.cfg.RoomName,
		frames.MetaParticipant: participant,
	}
}

func (t *Transport) emit(f frames.Frame) {
	select {
	case t.recv <- f:
	default:
		t.logger.Warn("recv channel full, dropping frame",
			slog.String("room", t.cfg.RoomName),
			slog.String("kind", string(f.Kind())))
	}
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)

// sampleProvider feeds queued PCM into the published track.
type sampleProvider struct {
	queue  chan []byte
	mu     sync.Mutex
	closed bool
}

func newSampleProvider() *sampleProvider {
	return &sampleProvider{queue: make(chan []byte, 256)}
}

func (p *sampleProvider) NextSample(ctx context.Context) (webrtcmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return webrtcmedia.Sample{}, ctx.Err()
	case data, ok := <-p.queue:
		if !ok {
			return webrtcmedia.Sample{}, io.EOF
		}
		samples := len(data) / 2
		duration := time.Duration(samples) * time.Second / rtcSampleRate
		return webrtcmedia.Sample{Data: data, Duration: duration}, nil
	}
}

func (p *sampleProvider) OnBind() error   { return nil }
func (p *sampleProvider) OnUnbind() error { return nil }

func (p *sampleProvider) Queue(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("provider closed")
	}
	select {
	case p.queue <- data:
		return nil
	default:
		return errors.New("audio queue full")
	}
}

// Purge drops queued audio, used when the user barges in.
func (p *sampleProvider) Purge() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

func (p *sampleProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// resamplePCM16 does nearest-sample rate conversion, which is adequate for
// the 48k to 16k and back conversions this transport needs.
func resamplePCM16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate == 0 {
		return pcm
	}
	samples := len(pcm) / 2
	outSamples := samples * toRate / fromRate
	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		src := i * fromRate / toRate
		if src >= samples {
			src = samples - 1
		}
		copy(out[i*2:i*2+2], pcm[src*2:src*2+2])
	}
	return out
}
