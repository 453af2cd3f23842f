package pipeline

import (
	"fmt"
	"net"
	"sync"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/loopback"
)

// Context is the per-mountpoint companion consulted by the RTSP
// runtime. It carries the pipeline, the pipeline-side server sockets
// keyed by UDP-source element name, and the set of RTSP clients that
// completed SETUP on the mount.
type Context struct {
	ID      string
	RTSPURL string

	mu       sync.Mutex
	pipeline *Pipeline
	clients  []*gortsplib.ServerSession
	sockets  map[string]*loopback.Socket
	released bool
}

// NewContext binds a pipeline to its id, URL and adopted-socket table.
// The pipeline may be attached later with SetPipeline.
func NewContext(id, rtspURL string, p *Pipeline, sockets map[string]*loopback.Socket) *Context {
	return &Context{
		ID:       id,
		RTSPURL:  rtspURL,
		pipeline: p,
		sockets:  sockets,
	}
}

// SetPipeline attaches the pipeline once the RTSP runtime has created
// it.
func (c *Context) SetPipeline(p *Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline = p
}

// Pipeline returns the attached pipeline, or nil before publication.
func (c *Context) Pipeline() *Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

// Prepare hands the pre-bound server sockets to the pipeline. Called
// by the RTSP runtime on the first SETUP against the mount; only the
// first call does anything.
func (c *Context) Prepare() error {
	c.mu.Lock()
	pipe := c.pipeline
	sources := make(map[string]*net.UDPConn, len(c.sockets))
	for name, sock := range c.sockets {
		sources[name] = sock.Conn()
	}
	c.mu.Unlock()

	if pipe == nil {
		return fmt.Errorf("pipeline: context has no pipeline attached")
	}
	return pipe.Prepare(sources)
}

// AddClient tracks an RTSP client that completed SETUP. Adding the
// same session twice is a no-op.
func (c *Context) AddClient(ss *gortsplib.ServerSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.clients {
		if existing == ss {
			return
		}
	}
	c.clients = append(c.clients, ss)
}

// RemoveClient drops a client from the tracked set.
func (c *Context) RemoveClient(ss *gortsplib.ServerSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.clients {
		if existing == ss {
			c.clients = append(c.clients[:i], c.clients[i+1:]...)
			return
		}
	}
}

// TakeClients returns the tracked clients and clears the list; used
// during mountpoint teardown.
func (c *Context) TakeClients() []*gortsplib.ServerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	clients := c.clients
	c.clients = nil
	return clients
}

// ClientCount returns the number of tracked clients.
func (c *Context) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Release tears the pipeline down and closes any sockets the context
// still holds. Idempotent; socket close is safe against the session
// owner closing the same sockets.
func (c *Context) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	pipe := c.pipeline
	sockets := c.sockets
	c.sockets = nil
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"id": c.ID,
	}).Debug("releasing pipeline context")

	if pipe != nil {
		pipe.Teardown()
	}
	for _, sock := range sockets {
		sock.Close()
	}
}
