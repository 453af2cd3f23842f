// Package rtsp runs the embedded RTSP server and its mountpoint table.
//
// The runtime is a single-consumer actor: mount add/remove and
// shutdown arrive as typed commands on a queue and execute on the
// runtime goroutine, so no caller ever touches the server or the
// mount table directly. Connection-level callbacks invoked by the
// server read the table under a lock and mutate only per-mount client
// state.
package rtsp

import (
	"fmt"
	"sync"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/pipeline"
)

// MountSpec describes a mountpoint to publish. The runtime creates the
// server stream and the pipeline itself so that both are born on the
// runtime goroutine.
type MountSpec struct {
	ID      string
	RTSPURL string
	Launch  string
	Video   *pipeline.StreamSpec
	Audio   *pipeline.StreamSpec
	Ctx     *pipeline.Context
}

// command is the typed queue union.
type command interface{ isCommand() }

type cmdAddMount struct {
	spec MountSpec
	done chan error
}

type cmdRemoveMount struct {
	id   string
	done chan struct{}
}

type cmdShutdown struct {
	done chan struct{}
}

func (cmdAddMount) isCommand()    {}
func (cmdRemoveMount) isCommand() {}
func (cmdShutdown) isCommand()    {}

// Runtime owns the RTSP server, its mountpoint table and the command
// queue.
type Runtime struct {
	interfaceIP string
	port        int

	server *gortsplib.Server
	queue  chan command

	stopMu  sync.Mutex
	stopped bool

	mu            sync.RWMutex
	mounts        map[string]*Mount // keyed by path "/<id>"
	sessionMounts map[*gortsplib.ServerSession]*Mount
}

// NewRuntime creates a runtime serving RTSP on interfaceIP:port.
func NewRuntime(interfaceIP string, port int) *Runtime {
	return &Runtime{
		interfaceIP:   interfaceIP,
		port:          port,
		queue:         make(chan command, 128),
		mounts:        make(map[string]*Mount),
		sessionMounts: make(map[*gortsplib.ServerSession]*Mount),
	}
}

// Start brings the server up and starts the command loop.
func (r *Runtime) Start() error {
	r.server = &gortsplib.Server{
		Handler:     r,
		RTSPAddress: fmt.Sprintf(":%d", r.port),
	}
	if err := r.server.Start(); err != nil {
		return fmt.Errorf("rtsp: server start: %w", err)
	}

	go r.loop()

	logrus.WithFields(logrus.Fields{
		"interface": r.interfaceIP,
		"port":      r.port,
	}).Info("rtsp runtime started")
	return nil
}

// URL derives the mount URL for a stream id.
func (r *Runtime) URL(id string) string {
	return fmt.Sprintf("rtsp://%s:%d/%s", r.interfaceIP, r.port, id)
}

// submit enqueues a command unless the runtime has stopped or the
// queue is saturated.
func (r *Runtime) submit(cmd command) bool {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if r.stopped {
		return false
	}
	select {
	case r.queue <- cmd:
		return true
	default:
		return false
	}
}

// AddMount queues publication of a mountpoint. The returned channel
// receives the outcome once the command has executed; callers must not
// assume the mount exists before then.
func (r *Runtime) AddMount(spec MountSpec) <-chan error {
	done := make(chan error, 1)
	if !r.submit(cmdAddMount{spec: spec, done: done}) {
		done <- fmt.Errorf("rtsp: runtime stopped")
	}
	return done
}

// RemoveMount queues teardown of the mountpoint for id.
func (r *Runtime) RemoveMount(id string) <-chan struct{} {
	done := make(chan struct{})
	if !r.submit(cmdRemoveMount{id: id, done: done}) {
		close(done)
	}
	return done
}

// Shutdown tears down every mountpoint, stops the server and joins the
// command loop.
func (r *Runtime) Shutdown() {
	done := make(chan struct{})
	if r.submit(cmdShutdown{done: done}) {
		<-done
	}
}

func (r *Runtime) loop() {
	for cmd := range r.queue {
		switch c := cmd.(type) {
		case cmdAddMount:
			c.done <- r.addMount(c.spec)

		case cmdRemoveMount:
			r.removeMount(c.id)
			close(c.done)

		case cmdShutdown:
			r.shutdown()
			r.drain()
			close(c.done)
			return
		}
	}
}

// drain answers commands that slipped into the queue while shutdown
// was executing.
func (r *Runtime) drain() {
	for {
		select {
		case cmd := <-r.queue:
			switch c := cmd.(type) {
			case cmdAddMount:
				c.done <- fmt.Errorf("rtsp: runtime stopped")
			case cmdRemoveMount:
				close(c.done)
			case cmdShutdown:
				close(c.done)
			}
		default:
			return
		}
	}
}

func (r *Runtime) addMount(spec MountSpec) error {
	path := "/" + spec.ID

	r.mu.RLock()
	_, exists := r.mounts[path]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("rtsp: mountpoint %s already published", path)
	}

	mount, err := newMount(r.server, path, spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.mounts[path] = mount
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"path":   path,
		"url":    spec.RTSPURL,
		"launch": spec.Launch,
	}).Info("mountpoint published")
	return nil
}

func (r *Runtime) removeMount(id string) {
	path := "/" + id

	r.mu.Lock()
	mount, ok := r.mounts[path]
	if ok {
		delete(r.mounts, path)
		for ss, m := range r.sessionMounts {
			if m == mount {
				delete(r.sessionMounts, ss)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	mount.teardown()
}

func (r *Runtime) shutdown() {
	r.mu.Lock()
	mounts := r.mounts
	r.mounts = make(map[string]*Mount)
	r.sessionMounts = make(map[*gortsplib.ServerSession]*Mount)
	r.mu.Unlock()

	for _, mount := range mounts {
		mount.teardown()
	}
	r.server.Close()

	r.stopMu.Lock()
	r.stopped = true
	r.stopMu.Unlock()
	logrus.Info("rtsp runtime stopped")
}

// lookupMount resolves a request path to its mount.
func (r *Runtime) lookupMount(path string) *Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mounts[path]
}

// HasMount reports whether a mountpoint is currently published for id.
func (r *Runtime) HasMount(id string) bool {
	return r.lookupMount("/"+id) != nil
}

func (r *Runtime) lookupSessionMount(ss *gortsplib.ServerSession) *Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionMounts[ss]
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen.
func (r *Runtime) OnConnOpen(_ *gortsplib.ServerHandlerOnConnOpenCtx) {
	logrus.Debug("rtsp client connected")
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose.
func (r *Runtime) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	logrus.WithFields(logrus.Fields{"error": ctx.Error}).Debug("rtsp client disconnected")
}

// OnSessionOpen implements gortsplib.ServerHandlerOnSessionOpen.
func (r *Runtime) OnSessionOpen(_ *gortsplib.ServerHandlerOnSessionOpenCtx) {
	logrus.Debug("rtsp session opened")
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose.
func (r *Runtime) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	r.mu.Lock()
	mount, ok := r.sessionMounts[ctx.Session]
	delete(r.sessionMounts, ctx.Session)
	r.mu.Unlock()

	if ok {
		mount.Ctx.RemoveClient(ctx.Session)
	}
}

// OnDescribe answers with the mount's SDP, generated with the fixed
// session attributes and feedback lines the gateway side expects.
func (r *Runtime) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	mount := r.lookupMount(ctx.Path)
	if mount == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	body, err := mount.describeSDP(r.interfaceIP)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  ctx.Path,
			"error": err,
		}).Error("sdp generation failed, refusing client")
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil, err
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Body:       body,
	}, nil, nil
}

// OnSetup tracks the client and prepares the pipeline on the first
// SETUP against the mount.
func (r *Runtime) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	mount := r.lookupMount(ctx.Path)
	if mount == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	if err := mount.Ctx.Prepare(); err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  ctx.Path,
			"error": err,
		}).Error("pipeline prepare failed")
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil, err
	}

	mount.Ctx.AddClient(ctx.Session)
	r.mu.Lock()
	r.sessionMounts[ctx.Session] = mount
	r.mu.Unlock()

	return &base.Response{StatusCode: base.StatusOK}, mount.Stream, nil
}

// OnPlay moves the pipeline to playing and starts forwarding the
// client's RTCP reports back through the pipeline sink.
func (r *Runtime) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	mount := r.lookupSessionMount(ctx.Session)
	if mount != nil {
		pipe := mount.Ctx.Pipeline()
		pipe.SetPlaying()
		ctx.Session.OnPacketRTCPAny(func(medi *description.Media, pkt rtcp.Packet) {
			pipe.ForwardClientRTCP(medi.Type == description.MediaTypeVideo, pkt)
		})
	}
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnPause drops the client from the mount's tracked set.
func (r *Runtime) OnPause(ctx *gortsplib.ServerHandlerOnPauseCtx) (*base.Response, error) {
	if mount := r.lookupSessionMount(ctx.Session); mount != nil {
		mount.Ctx.RemoveClient(ctx.Session)
	}
	return &base.Response{StatusCode: base.StatusOK}, nil
}
