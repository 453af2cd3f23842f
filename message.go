package sourcebridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/idilia/sourcebridge/registry"
	"github.com/idilia/sourcebridge/sdputil"
)

// clientRequest is the peer message schema. All attributes are
// optional; type mismatches are rejected field by field so the peer
// gets a precise invalid-element error.
type clientRequest struct {
	audio    *bool
	video    *bool
	bitrate  *uint64
	record   *bool
	filename *string
	id       *string
}

// requestError carries a peer-facing error code and cause.
type requestError struct {
	code  int
	cause string
}

func (e *requestError) Error() string {
	return e.cause
}

// parseRequest validates the raw message against the schema.
func parseRequest(raw json.RawMessage) (*clientRequest, *requestError) {
	if len(raw) == 0 {
		return nil, &requestError{ErrCodeNoMessage, "No message??"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &requestError{ErrCodeInvalidJSON, "JSON error: not an object"}
	}

	req := &clientRequest{}

	if data, ok := fields["audio"]; ok {
		req.audio = new(bool)
		if json.Unmarshal(data, req.audio) != nil {
			return nil, &requestError{ErrCodeInvalidElement, "Invalid value (audio should be a boolean)"}
		}
	}
	if data, ok := fields["video"]; ok {
		req.video = new(bool)
		if json.Unmarshal(data, req.video) != nil {
			return nil, &requestError{ErrCodeInvalidElement, "Invalid value (video should be a boolean)"}
		}
	}
	if data, ok := fields["bitrate"]; ok {
		req.bitrate = new(uint64)
		if json.Unmarshal(data, req.bitrate) != nil {
			return nil, &requestError{ErrCodeInvalidElement, "Invalid value (bitrate should be a positive integer)"}
		}
	}
	if data, ok := fields["record"]; ok {
		req.record = new(bool)
		if json.Unmarshal(data, req.record) != nil {
			return nil, &requestError{ErrCodeInvalidElement, "Invalid value (record should be a boolean)"}
		}
	}
	if data, ok := fields["filename"]; ok {
		req.filename = new(string)
		if json.Unmarshal(data, req.filename) != nil {
			return nil, &requestError{ErrCodeInvalidElement, "Invalid value (filename should be a string)"}
		}
	}
	if data, ok := fields["id"]; ok {
		req.id = new(string)
		if json.Unmarshal(data, req.id) != nil {
			return nil, &requestError{ErrCodeInvalidElement, "Invalid value (id should be a string)"}
		}
	}

	return req, nil
}

// empty reports whether the request carries no supported attribute.
func (r *clientRequest) empty() bool {
	return r.audio == nil && r.video == nil && r.bitrate == nil &&
		r.record == nil && r.id == nil
}

// handler consumes the message queue. All negotiation, socket
// provisioning and registry traffic runs here; per-session messages
// keep their FIFO order.
func (p *Plugin) handler() {
	defer close(p.handlerDone)
	logrus.Debug("message handler started")

	for msg := range p.messages {
		if msg == nil {
			break
		}
		if p.stopping.Load() {
			continue
		}

		s := p.lookupSession(msg.handle)
		if s == nil {
			logrus.Error("no session associated with this handle")
			continue
		}
		if s.isDestroyed() {
			continue
		}

		p.handleSessionMessage(s, msg)
	}

	logrus.Debug("message handler stopped")
}

func (p *Plugin) handleSessionMessage(s *Session, msg *pluginMessage) {
	req, reqErr := parseRequest(msg.message)
	if reqErr != nil {
		p.pushError(s, msg.transaction, reqErr)
		return
	}

	hasSDP := msg.jsep != nil && msg.jsep.SDP != ""

	if req.empty() && !hasSDP {
		p.pushError(s, msg.transaction, &requestError{
			ErrCodeInvalidElement,
			"Message error: no supported attributes (audio, video, bitrate, record, id, jsep) found",
		})
		return
	}

	// Enforce the request.
	if req.audio != nil {
		s.audioActive.Store(*req.audio)
		logrus.WithFields(logrus.Fields{"audio": *req.audio}).Debug("setting audio property")
	}
	if req.video != nil {
		if *req.video && !s.videoActive.Load() {
			// Re-enabled video needs a keyframe to recover.
			s.sendPLI()
		}
		s.videoActive.Store(*req.video)
		logrus.WithFields(logrus.Fields{"video": *req.video}).Debug("setting video property")
	}
	if req.bitrate != nil {
		s.bitrate.Store(*req.bitrate)
		if *req.bitrate > 0 {
			logrus.WithFields(logrus.Fields{"bitrate": *req.bitrate}).Debug("sending remb")
			s.sendREMB(*req.bitrate)
		}
	}
	if req.id != nil {
		s.setID(*req.id)
	}

	if !hasSDP {
		p.pushEvent(s.handle, msg.transaction, &Event{Source: "event", Result: "ok"}, nil)
		return
	}

	answerType, err := sdputil.FlipType(msg.jsep.Type)
	if err != nil {
		p.pushError(s, msg.transaction, &requestError{ErrCodeInvalidElement, "Invalid value (type should be offer or answer)"})
		return
	}

	s.hangingUp.Store(false)
	answer, err := s.setupMedia(msg.jsep.SDP)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			p.sendIDError(s)
			s.hangup()
			return
		}
		p.pushError(s, msg.transaction, &requestError{ErrCodeInvalidElement, err.Error()})
		return
	}

	p.pushEvent(s.handle, msg.transaction,
		&Event{Source: "event", Result: "ok"},
		&JSEP{Type: answerType, SDP: answer})
}

func (p *Plugin) pushError(s *Session, transaction string, reqErr *requestError) {
	logrus.WithFields(logrus.Fields{
		"code":  reqErr.code,
		"cause": reqErr.cause,
	}).Error("request rejected")
	p.pushEvent(s.handle, transaction, &Event{
		Source:    "event",
		ErrorCode: reqErr.code,
		Error:     reqErr.cause,
	}, nil)
}

// sendIDError surfaces a duplicate stream id toward the peer.
func (p *Plugin) sendIDError(s *Session) {
	if s.isDestroyed() {
		return
	}
	p.pushEvent(s.handle, "", &Event{
		Source:    "event",
		ErrorCode: ErrCodeInvalidURLID,
		Error:     fmt.Sprintf("JSON error: URL ID %s already exist in the system.", s.currentID()),
	}, nil)
}
