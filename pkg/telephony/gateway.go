package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/frames"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Gateway terminates Twilio voice webhooks and media streams. It emits one
// CallEvent stream for signaling and one audio frame stream for the active
// media session. One media session is active at a time; a new stream for the
// same call replaces the old one.
type Gateway struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	events   chan CallEvent
	audio    chan frames.AudioFrame
	logger   *slog.Logger

	mu           sync.Mutex
	activeStream string
	activeCall   string
	activeFrom   string
	traceID      string

	draining atomic.Bool
	stopOnce sync.Once
}

func NewGateway(cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		events: make(chan CallEvent, 64),
		audio:  make(chan frames.AudioFrame, 512),
		logger: logging.NewComponentLogger(slog.Default(), "telephony"),
	}
	g.upgrader.CheckOrigin = g.checkOrigin
	return g
}

func (g *Gateway) Name() string { return "twilio" }

func (g *Gateway) Events() <-chan CallEvent { return g.events }

// Audio delivers media frames for the active session.
func (g *Gateway) Audio() <-chan frames.AudioFrame { return g.audio }

func (g *Gateway) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.VoicePath, g.handleVoice)
	mux.Handle(g.cfg.WebsocketPath, g)
	mux.HandleFunc(g.cfg.StatusCallbackPath, g.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	g.server = &http.Server{
		Addr:              g.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = g.server.Close()
	}()
	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("telephony_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop is idempotent; the orchestrator and the engine may both call it.
// Producers check the draining flag under the same mutex the channels are
// closed under, so an in-flight handler can never send after close.
func (g *Gateway) Stop() error {
	g.stopOnce.Do(func() {
		g.draining.Store(true)
		if g.server != nil {
			_ = g.server.Close()
		}
		g.mu.Lock()
		close(g.events)
		close(g.audio)
		g.mu.Unlock()
	})
	return nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt mediaEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			g.attach(streamID, evt.Start.CallSID, evt.Start.From)
			g.emit(CallEvent{
				Type:      EventAnswered,
				CallID:    evt.Start.CallSID,
				From:      evt.Start.From,
				Direction: call.DirectionInbound,
				At:        time.Now(),
			})
		case "media":
			if evt.Media == nil || !g.isActive(streamID) {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := g.metaForStream()
			meta[frames.MetaSource] = "telephony"
			af := frames.NewAudioFrameFromPool(streamID, time.Now().UnixNano(), payload, 8000, 1, meta)
			g.pushAudio(af)
		case "stop":
			reason := "completed"
			if evt.Stop != nil && evt.Stop.Reason != "" {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			g.endStream(streamID, reason)
			return
		}
	}
	if streamID != "" && g.isActive(streamID) {
		g.endStream(streamID, "failed")
	}
}

func (g *Gateway) attach(streamID, callSID, from string) {
	g.mu.Lock()
	g.activeStream = streamID
	g.activeCall = callSID
	g.activeFrom = from
	g.traceID = uuid.NewString()
	g.mu.Unlock()
	g.logger.Info("media_stream_started",
		"stream_id", streamID, "call_sid", callSID)
}

func (g *Gateway) endStream(streamID, reason string) {
	g.mu.Lock()
	callSID := g.activeCall
	from := g.activeFrom
	if g.activeStream == streamID {
		g.activeStream = ""
		g.activeCall = ""
		g.activeFrom = ""
	}
	g.mu.Unlock()
	g.emit(CallEvent{
		Type:      EventEnded,
		CallID:    callSID,
		From:      from,
		Direction: call.DirectionInbound,
		Reason:    reason,
		At:        time.Now(),
	})
	g.logger.Info("media_stream_ended",
		"stream_id", streamID, "call_sid", callSID, "reason", reason)
}

func (g *Gateway) isActive(streamID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return streamID != "" && g.activeStream == streamID
}

func (g *Gateway) metaForStream() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	meta := map[string]string{}
	if g.activeCall != "" {
		meta[frames.MetaCallSID] = g.activeCall
	}
	if g.traceID != "" {
		meta[frames.MetaTraceID] = g.traceID
	}
	if g.activeFrom != "" {
		meta[frames.MetaFromNumber] = g.activeFrom
	}
	return meta
}

func (g *Gateway) emit(evt CallEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining.Load() {
		return
	}
	select {
	case g.events <- evt:
	default:
		g.logger.Warn("event_channel_full", "event", string(evt.Type))
	}
}

func (g *Gateway) pushAudio(af frames.AudioFrame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining.Load() {
		frames.ReleaseAudioFrame(af)
		return
	}
	select {
	case g.audio <- af:
	default:
		frames.ReleaseAudioFrame(af)
		g.logger.Warn("audio_channel_full")
	}
}

func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.cfg.AuthToken != "" && !g.validateRequest(r) {
		g.logger.Warn("twilio_invalid_signature", "path", g.cfg.VoicePath)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := g.websocketURL(r)
	twiml := `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (g *Gateway) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.cfg.AuthToken != "" && !g.validateRequest(r) {
		g.logger.Warn("twilio_status_invalid_signature", "path", g.cfg.StatusCallbackPath)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := strings.ToLower(strings.TrimSpace(r.FormValue("CallStatus")))
	from := r.FormValue("From")
	direction := mapDirection(r.FormValue("Direction"))

	switch status {
	case "ringing", "queued", "initiated":
		g.emit(CallEvent{
			Type:      EventRinging,
			CallID:    callSID,
			From:      from,
			Direction: direction,
			At:        time.Now(),
		})
	default:
		if reason := normalizeCallEndReason(status); reason != "" {
			g.emit(CallEvent{
				Type:      EventEnded,
				CallID:    callSID,
				From:      from,
				Direction: direction,
				Reason:    reason,
				At:        time.Now(),
			})
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) websocketURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(g.cfg.PublicURL) + g.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(g.cfg.ServerAddr, ":")
	}
	return "wss://" + host + g.cfg.WebsocketPath
}

func (g *Gateway) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || g.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(g.cfg.AuthToken)
	return validator.ValidateBody(g.requestURL(r), body, signature)
}

func (g *Gateway) requestURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		base := strings.TrimRight(g.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(g.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range g.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func mapDirection(raw string) call.Direction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inbound":
		return call.DirectionInbound
	case "outbound-api", "outbound-dial", "outbound":
		return call.DirectionOutbound
	default:
		return call.DirectionUnknown
	}
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "initiated", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

type mediaStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type mediaStop struct {
	Reason string `json:"reason"`
}

type mediaEvent struct {
	Event string        `json:"event"`
	Start *mediaStart   `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Stop  *mediaStop    `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var _ SignalSource = (*Gateway)(nil)
