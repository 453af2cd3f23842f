package sourcebridge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/registry"
)

// lazy-free parameters for destroyed sessions.
const (
	watchdogInterval = 500 * time.Millisecond
	sessionLinger    = 5 * time.Second
)

// keepalive periodically posts the process id heartbeat. It owns its
// own registry client so heartbeats never contend with session
// traffic.
func (p *Plugin) keepalive() {
	defer close(p.keepaliveDone)

	if p.cfg.KeepaliveServiceURL == "" {
		logrus.Warn("keepalive service url not configured, keepalive disabled")
		<-p.stopCh
		return
	}

	logrus.WithFields(logrus.Fields{
		"pid":      p.pid,
		"interval": p.cfg.keepaliveInterval,
	}).Info("keepalive started")

	client := registry.NewClient(p.cfg.KeepaliveServiceURL)
	ticker := time.NewTicker(p.cfg.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			logrus.Info("keepalive stopped")
			return
		case <-ticker.C:
			if err := client.Keepalive(context.Background(), p.pid, p.cfg.keepaliveInterval); err != nil {
				logrus.WithFields(logrus.Fields{"error": err}).Error("could not send the keepalive request")
			}
		}
	}
}

// watchdog lazily frees destroyed sessions once they have lingered
// long enough for in-flight callbacks to drain.
func (p *Plugin) watchdog() {
	defer close(p.watchdogDone)
	logrus.Info("session watchdog started")

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			logrus.Info("session watchdog stopped")
			return
		case <-ticker.C:
			p.reapOldSessions()
		}
	}
}

func (p *Plugin) reapOldSessions() {
	now := time.Since(p.started).Microseconds()

	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()

	kept := p.oldSessions[:0]
	for _, s := range p.oldSessions {
		if now-s.destroyedAt.Load() >= sessionLinger.Microseconds() {
			logrus.Debug("freeing old source session")
			continue
		}
		kept = append(kept, s)
	}
	p.oldSessions = kept
}
