package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/session"
)

const (
	writeTimeout  = 10 * time.Second
	outboundDepth = 256
)

type outbound struct {
	binary bool
	data   []byte
}

// conn is one client connection. It owns the websocket, implements
// session.Sink, and enforces the two ordering rules of the wire: a single
// writer goroutine so frames never interleave, and no binary frame before
// the initial metadata burst is fully queued.
type conn struct {
	ws      *websocket.Conn
	handler *Handler
	logger  *slog.Logger

	sess *session.Session

	out       chan outbound
	burstDone atomic.Bool

	// malformed throttles unparseable control messages; past the allowance
	// the connection is dropped.
	malformed *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, h *Handler) *conn {
	return &conn{
		ws:        ws,
		handler:   h,
		logger:    h.logger.With("remote", ws.RemoteAddr().String()),
		out:       make(chan outbound, outboundDepth),
		malformed: rate.NewLimiter(rate.Every(time.Second), malformedAllowance),
		done:      make(chan struct{}),
	}
}

// SendEvent queues a tagged telemetry message.
func (c *conn) SendEvent(name string, payload any) error {
	data, err := json.Marshal(ServerMessage{Type: name, Value: payload})
	if err != nil {
		return errors.WrapProtocol(err, "conn", "SendEvent", name)
	}
	return c.enqueue(outbound{data: data}, true)
}

// SendBinary queues an untagged binary frame. Frames are dropped until the
// initial burst is complete and whenever the client cannot keep up.
func (c *conn) SendBinary(_ session.StreamClass, frame []byte) error {
	if !c.burstDone.Load() {
		return nil
	}
	return c.enqueue(outbound{binary: true, data: frame}, false)
}

func (c *conn) sendText(line string) {
	c.enqueue(outbound{data: []byte(line)}, true)
}

// enqueue adds a message to the write queue. Control messages wait for room;
// binary frames are dropped when the queue is full so a slow reader loses
// freshness, not its session.
func (c *conn) enqueue(msg outbound, wait bool) error {
	if wait {
		select {
		case c.out <- msg:
			return nil
		case <-c.done:
			return errors.Wrap(errors.ErrAlreadyClosed, "conn", "enqueue", "queue message")
		}
	}
	select {
	case c.out <- msg:
	default:
	}
	return nil
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			kind := websocket.TextMessage
			if msg.binary {
				kind = websocket.BinaryMessage
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(kind, msg.data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// run drives the connection: hello, negotiation, burst, then the control
// read loop. Returns when the connection is done.
func (c *conn) run() {
	defer c.close()
	go c.writeLoop()

	c.sendText(serverHello + " version=" + c.handler.version)

	params, ok := c.negotiate()
	if !ok {
		return
	}
	if !c.admit(params) {
		return
	}

	c.sendBurst()
	c.burstDone.Store(true)

	go c.smeterLoop()

	c.readLoop()
}

// negotiate waits for the client's connection properties within the
// negotiation window. A session stuck negotiating past the window is closed.
func (c *conn) negotiate() (ConnectionParams, bool) {
	deadline := time.Now().Add(c.handler.negotiationTimeout)
	c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("negotiation failed", "error", err)
			return ConnectionParams{}, false
		}
		if strings.HasPrefix(string(data), clientHello) {
			continue
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypeConnectionProperties {
			c.reportError("protocol", "expected connection properties")
			continue
		}
		var params ConnectionParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.reportError("protocol", "bad connection properties")
				continue
			}
		}
		return params, true
	}
}

// admit builds the session and runs admission control. On denial the client
// gets an explicit error and the connection closes without allocating
// anything.
func (c *conn) admit(params ConnectionParams) bool {
	src, ok := c.handler.resolveSource(params.Source)
	if !ok {
		c.reportError("admission", "no such source")
		return false
	}

	sess, err := session.New(session.Config{
		Source:    src,
		Factory:   c.handler.factory,
		Secondary: c.handler.hub,
		Sink:      c,
		Core:      c.handler.core,
		Logger:    c.handler.logger,
		Defaults:  c.handler.defaults,
	})
	if err != nil {
		c.reportError("protocol", err.Error())
		return false
	}
	if err := sess.Negotiate(); err != nil {
		c.reportError("protocol", err.Error())
		return false
	}

	if params.Profile != "" {
		if _, err := src.Profiles().Select(params.Profile); err != nil {
			c.reportError("validation", "unknown profile "+params.Profile)
		}
	}

	if err := c.handler.registry.Admit(sess); err != nil {
		c.reportError("admission", err.Error())
		return false
	}
	c.sess = sess

	if params.OutputRate > 0 {
		if err := sess.SetProperty(session.KeyOutputRate, params.OutputRate); err != nil {
			c.reportError("validation", err.Error())
		}
	}
	return true
}

// sendBurst queues the initial metadata burst. Everything here is on the
// write queue before the first binary frame is allowed in.
func (c *conn) sendBurst() {
	src := c.sess.Source()
	_, active := src.Profiles().Active()

	c.SendEvent(TypeConfig, c.sess.Stack().Snapshot())
	c.SendEvent(TypeReceiverDetails, map[string]any{
		"name":            c.handler.receiverName,
		"source":          src.Name(),
		"min_frequency":   src.Limits().MinFrequency,
		"max_frequency":   src.Limits().MaxFrequency,
		"max_sample_rate": src.Limits().MaxSampleRate,
	})
	c.SendEvent(TypeProfiles, map[string]any{
		"active": active,
		"names":  src.Profiles().Profiles(),
	})
	c.SendEvent(TypeFeatures, c.handler.modeNames())
}

func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if strings.HasPrefix(string(data), clientHello) {
			continue
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !c.reportMalformed("unparseable control message") {
				return
			}
			continue
		}
		if !c.handleControl(msg) {
			return
		}
	}
}

// reportMalformed logs a bad message and decides whether the connection
// lives. Repeated garbage past the allowance closes it.
func (c *conn) reportMalformed(reason string) bool {
	c.logger.Warn("malformed control message", "reason", reason)
	if !c.malformed.Allow() {
		c.reportError("protocol", "too many malformed messages")
		return false
	}
	return true
}

func (c *conn) handleControl(msg ControlMessage) bool {
	switch msg.Type {
	case TypeDSPControl:
		c.handleDSPControl(msg)
	case TypeSetFrequency:
		var p DSPParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Frequency == nil {
			return c.reportMalformed("bad setfrequency params")
		}
		c.applyProperty(session.KeyFrequency, *p.Frequency)
	case TypeSelectProfile:
		var p ProfileParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Profile == "" {
			return c.reportMalformed("bad selectprofile params")
		}
		if err := c.sess.SelectProfile(p.Profile); err != nil {
			c.reportError("validation", err.Error())
		}
	case TypeSecondaryDSP:
		c.handleSecondary(msg)
	case TypeChat:
		var p ChatParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Message == "" {
			return c.reportMalformed("bad chat params")
		}
		c.handler.registry.Broadcast(TypeChat, map[string]any{
			"name":      p.Name,
			"message":   p.Message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	case TypeConnectionProperties:
		var p ConnectionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return c.reportMalformed("bad connection properties")
		}
		if p.OutputRate > 0 {
			c.applyProperty(session.KeyOutputRate, p.OutputRate)
		}
	case TypePing:
		c.SendEvent(TypePong, nil)
	default:
		return c.reportMalformed("unknown message type " + msg.Type)
	}
	return true
}

func (c *conn) handleDSPControl(msg ControlMessage) {
	switch msg.Action {
	case "start":
		if err := c.sess.StartStream(session.StreamAudio); err != nil {
			c.reportError("pipeline", err.Error())
		}
		if err := c.sess.StartStream(session.StreamSpectrum); err != nil {
			c.reportError("pipeline", err.Error())
		}
		return
	case "stop":
		c.sess.StopStream(session.StreamAudio)
		c.sess.StopStream(session.StreamSpectrum)
		return
	}

	var p DSPParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		c.reportMalformed("bad dspcontrol params")
		return
	}
	if p.Frequency != nil {
		c.applyProperty(session.KeyFrequency, *p.Frequency)
	}
	if p.Mode != nil {
		c.applyProperty(session.KeyMode, *p.Mode)
	}
	if p.Squelch != nil {
		c.applyProperty(session.KeySquelch, *p.Squelch)
	}
}

func (c *conn) handleSecondary(msg ControlMessage) {
	var p DSPParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Secondary == nil {
		c.reportMalformed("bad secondarydsp params")
		return
	}
	switch msg.Action {
	case "start":
		if err := c.sess.StartSecondary(*p.Secondary); err != nil {
			c.reportError("pipeline", err.Error())
		}
	case "stop":
		c.sess.StopSecondary(*p.Secondary)
	default:
		c.reportMalformed("bad secondarydsp action " + msg.Action)
	}
}

// applyProperty writes one override key, reporting a rejection back to the
// client instead of silently clamping.
func (c *conn) applyProperty(key string, value any) {
	if err := c.sess.SetProperty(key, value); err != nil {
		c.reportError("validation", err.Error())
	}
}

func (c *conn) reportError(kind, message string) {
	c.SendEvent(TypeError, ErrorValue{Kind: kind, Message: message})
}

func (c *conn) smeterLoop() {
	ticker := time.NewTicker(c.handler.smeterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.SendEvent(TypeSMeter, c.sess.SignalLevel())
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.sess != nil {
			c.sess.Close()
			c.handler.registry.Release(c.sess)
		}
		c.ws.Close()
	})
}
