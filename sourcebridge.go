// Package sourcebridge implements a media-bridging plugin for a
// WebRTC gateway.
//
// For every attached peer the plugin negotiates audio/video codecs
// from the offered session description, provisions a fleet of loopback
// UDP sockets gluing the gateway's RTP/RTCP relay to a media pipeline,
// publishes the stream as a mountpoint on an embedded RTSP server and
// relays RTCP reports from RTSP clients back toward the peer. A stream
// registry is kept informed over HTTP with create/keepalive/delete.
//
// Example:
//
//	cfg, err := sourcebridge.LoadConfig("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	plugin, err := sourcebridge.New(cfg, callbacks)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer plugin.Destroy()
//
//	plugin.CreateSession(handle)
//	plugin.HandleMessage(handle, "tx1", message, jsep)
package sourcebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/loopback"
	"github.com/idilia/sourcebridge/portpool"
	"github.com/idilia/sourcebridge/registry"
	"github.com/idilia/sourcebridge/rtsp"
)

// Plugin metadata reported to the host.
const (
	APICompatibility = 1
	Version          = 1
	VersionString    = "0.0.1"
	Name             = "Source bridge plugin"
	Package          = "idilia.plugin.source"
)

// Error codes pushed back to the peer.
const (
	ErrCodeNoMessage      = 411
	ErrCodeInvalidJSON    = 412
	ErrCodeInvalidElement = 413
	ErrCodeInvalidURLID   = 414
)

// JSEP is the SDP companion object of a peer message.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Event is pushed toward the peer through the host.
type Event struct {
	Source    string `json:"source"`
	Result    any    `json:"result,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SlowLinkResult is the result payload of a slow_link event.
type SlowLinkResult struct {
	Status  string `json:"status"`
	Bitrate uint64 `json:"bitrate"`
}

// Callbacks is the host surface the plugin calls back into. Relay
// calls must not block; they run on the media path.
type Callbacks interface {
	RelayRTP(handle any, video bool, data []byte)
	RelayRTCP(handle any, video bool, data []byte)
	PushEvent(handle any, transaction string, event *Event, jsep *JSEP) error
}

// MessageStatus is the synchronous outcome of HandleMessage.
type MessageStatus int

const (
	MessageStatusOKWait MessageStatus = iota
	MessageStatusError
)

// MessageResult is returned synchronously from HandleMessage; the real
// answer arrives later as a pushed event.
type MessageResult struct {
	Status MessageStatus
	Detail string
}

// queued peer message; a nil *pluginMessage is the exit sentinel.
type pluginMessage struct {
	handle      any
	transaction string
	message     json.RawMessage
	jsep        *JSEP
}

// Plugin is the host-facing facade and owner of all process-wide
// state. Handles used to key sessions are host-provided opaque values
// and must be comparable.
type Plugin struct {
	cfg       *Config
	callbacks Callbacks

	pid       string
	pool      *portpool.Pool
	sockets   *loopback.Factory
	statusReg *registry.Client
	runtime   *rtsp.Runtime

	sessionsMu  sync.Mutex
	sessions    map[any]*Session
	oldSessions []*Session

	messages chan *pluginMessage

	started     time.Time
	initialized atomic.Bool
	stopping    atomic.Bool

	stopCh        chan struct{}
	handlerDone   chan struct{}
	keepaliveDone chan struct{}
	watchdogDone  chan struct{}
}

// New initializes the plugin: port pool, registry clients, message
// handler, RTSP runtime and keepalive, in that order. A non-nil error
// means the host must not use the plugin.
func New(cfg *Config, callbacks Callbacks) (*Plugin, error) {
	if cfg == nil || callbacks == nil {
		return nil, fmt.Errorf("sourcebridge: config and callbacks are required")
	}

	p := &Plugin{
		cfg:           cfg,
		callbacks:     callbacks,
		pid:           uuid.NewString(),
		pool:          portpool.New(cfg.udpMinPort, cfg.udpMaxPort),
		sessions:      make(map[any]*Session),
		messages:      make(chan *pluginMessage, 64),
		started:       time.Now(),
		stopCh:        make(chan struct{}),
		handlerDone:   make(chan struct{}),
		keepaliveDone: make(chan struct{}),
		watchdogDone:  make(chan struct{}),
	}
	p.sockets = loopback.NewFactory(p.pool)
	if cfg.StatusServiceURL != "" {
		p.statusReg = registry.NewClient(cfg.StatusServiceURL)
	}

	go p.watchdog()
	go p.handler()

	p.runtime = rtsp.NewRuntime(cfg.Interface, cfg.RTSPPort)
	if err := p.runtime.Start(); err != nil {
		p.stopping.Store(true)
		close(p.stopCh)
		p.messages <- nil
		<-p.handlerDone
		<-p.watchdogDone
		return nil, err
	}

	go p.keepalive()

	p.initialized.Store(true)
	logrus.WithFields(logrus.Fields{
		"pid":       p.pid,
		"udp_range": fmt.Sprintf("%d-%d", cfg.udpMinPort, cfg.udpMaxPort),
	}).Info("source bridge plugin initialized")
	return p, nil
}

// Destroy shuts the plugin down: message handler first, then live
// sessions, the RTSP runtime, keepalive (removing the process id from
// the registry) and the watchdog.
func (p *Plugin) Destroy() {
	if !p.initialized.Load() || p.stopping.Swap(true) {
		return
	}

	p.messages <- nil
	<-p.handlerDone

	p.sessionsMu.Lock()
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.sessionsMu.Unlock()
	for _, s := range live {
		p.closeSession(s)
	}

	p.runtime.Shutdown()

	close(p.stopCh)
	<-p.keepaliveDone
	if p.cfg.KeepaliveServiceURL != "" {
		client := registry.NewClient(p.cfg.KeepaliveServiceURL)
		if err := client.Delete(context.Background(), p.pid); err != nil {
			logrus.WithFields(logrus.Fields{"error": err}).Error("could not remove pid from registry")
		}
	}
	<-p.watchdogDone

	p.sessionsMu.Lock()
	p.sessions = make(map[any]*Session)
	p.oldSessions = nil
	p.sessionsMu.Unlock()

	p.initialized.Store(false)
	logrus.Info("source bridge plugin destroyed")
}

// CreateSession registers a new session for the host handle.
func (p *Plugin) CreateSession(handle any) error {
	if p.stopping.Load() || !p.initialized.Load() {
		return fmt.Errorf("sourcebridge: plugin is not running")
	}

	s := newSession(p, handle)

	p.sessionsMu.Lock()
	p.sessions[handle] = s
	p.sessionsMu.Unlock()
	return nil
}

// DestroySession tears the session down and queues it for lazy
// freeing. Destroying an unknown or already-destroyed session is an
// error and a no-op respectively.
func (p *Plugin) DestroySession(handle any) error {
	if p.stopping.Load() || !p.initialized.Load() {
		return fmt.Errorf("sourcebridge: plugin is not running")
	}

	s := p.lookupSession(handle)
	if s == nil {
		// Destroying an already-destroyed session is a no-op.
		p.sessionsMu.Lock()
		defer p.sessionsMu.Unlock()
		for _, old := range p.oldSessions {
			if old.handle == handle {
				return nil
			}
		}
		return fmt.Errorf("sourcebridge: no session associated with this handle")
	}

	p.closeSession(s)
	return nil
}

// closeSession runs session teardown and moves the session onto the
// lazy-free list. Idempotent.
func (p *Plugin) closeSession(s *Session) {
	if !s.markDestroyed(time.Since(p.started)) {
		return
	}
	s.close()

	p.sessionsMu.Lock()
	delete(p.sessions, s.handle)
	p.oldSessions = append(p.oldSessions, s)
	p.sessionsMu.Unlock()
}

// QuerySession reports session state as a JSON object.
func (p *Plugin) QuerySession(handle any) (json.RawMessage, error) {
	if p.stopping.Load() || !p.initialized.Load() {
		return nil, fmt.Errorf("sourcebridge: plugin is not running")
	}

	s := p.lookupSession(handle)
	if s == nil {
		return nil, fmt.Errorf("sourcebridge: no session associated with this handle")
	}
	return s.queryInfo()
}

// HandleMessage queues a peer message for asynchronous handling.
func (p *Plugin) HandleMessage(handle any, transaction string, message json.RawMessage, jsep *JSEP) *MessageResult {
	if p.stopping.Load() || !p.initialized.Load() {
		detail := "plugin not initialized"
		if p.stopping.Load() {
			detail = "shutting down"
		}
		return &MessageResult{Status: MessageStatusError, Detail: detail}
	}

	p.messages <- &pluginMessage{
		handle:      handle,
		transaction: transaction,
		message:     message,
		jsep:        jsep,
	}
	return &MessageResult{Status: MessageStatusOKWait, Detail: "I'm taking my time!"}
}

// SetupMedia is invoked by the host once the peer connection is up.
func (p *Plugin) SetupMedia(handle any) {
	if p.stopping.Load() || !p.initialized.Load() {
		return
	}
	s := p.lookupSession(handle)
	if s == nil {
		logrus.Error("no session associated with this handle")
		return
	}
	if s.isDestroyed() {
		return
	}
	s.hangingUp.Store(false)
	logrus.WithFields(logrus.Fields{
		"id":           s.currentID(),
		"video_active": s.videoActive.Load(),
		"audio_active": s.audioActive.Load(),
	}).Info("webrtc media is now available")
}

// IncomingRTP relays a peer RTP packet onto the pipeline-facing
// loopback socket of the matching kind.
func (p *Plugin) IncomingRTP(handle any, video bool, data []byte) {
	if p.stopping.Load() || !p.initialized.Load() {
		return
	}
	s := p.lookupSession(handle)
	if s == nil {
		return
	}
	s.relayRTP(video, data)
}

// IncomingRTCP relays a peer RTCP packet onto the pipeline-facing
// loopback socket of the matching kind.
func (p *Plugin) IncomingRTCP(handle any, video bool, data []byte) {
	if p.stopping.Load() || !p.initialized.Load() {
		return
	}
	s := p.lookupSession(handle)
	if s == nil {
		return
	}
	s.relayRTCP(video, data)
}

// IncomingData accepts and ignores data-channel messages.
func (p *Plugin) IncomingData(handle any, data []byte) {
	if p.stopping.Load() || !p.initialized.Load() {
		return
	}
	if s := p.lookupSession(handle); s != nil && !s.isDestroyed() {
		logrus.WithFields(logrus.Fields{"bytes": len(data)}).Debug("ignoring data channel message")
	}
}

// SlowLink reacts to NACK pressure reported by the host.
func (p *Plugin) SlowLink(handle any, uplink, video bool) {
	if p.stopping.Load() || !p.initialized.Load() {
		return
	}
	s := p.lookupSession(handle)
	if s == nil {
		logrus.Error("no session associated with this handle")
		return
	}
	s.slowLink(uplink, video)
}

// HangupMedia is invoked by the host when the peer connection is gone.
func (p *Plugin) HangupMedia(handle any) {
	if p.stopping.Load() || !p.initialized.Load() {
		return
	}
	s := p.lookupSession(handle)
	if s == nil {
		logrus.Error("no session associated with this handle")
		return
	}
	s.hangup()
}

// APICompatibilityVersion reports the plugin ABI version the host
// must match.
func (p *Plugin) APICompatibilityVersion() int {
	return APICompatibility
}

// ProcessID returns the random process id used for registry
// keepalives.
func (p *Plugin) ProcessID() string {
	return p.pid
}

func (p *Plugin) lookupSession(handle any) *Session {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()
	return p.sessions[handle]
}

// pushEvent delivers an event to the peer, swallowing host errors
// beyond logging.
func (p *Plugin) pushEvent(handle any, transaction string, event *Event, jsep *JSEP) {
	if err := p.callbacks.PushEvent(handle, transaction, event, jsep); err != nil {
		logrus.WithFields(logrus.Fields{"error": err}).Warn("push event failed")
	}
}
