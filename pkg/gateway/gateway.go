package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/auth"
	"voicegate-server/pkg/core"
	"voicegate-server/pkg/events"
	"voicegate-server/pkg/session"
)

const (
	initTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
	outboundBuffer = 64
)

// Server is the real-time websocket gateway. One connection carries one
// session: the client authenticates with its first frame, then streams audio
// or text and receives pipeline events back.
type Server struct {
	logger       *logrus.Entry
	mgr          *session.Manager
	auth         auth.Authenticator
	publisher    *events.Publisher
	metricsEvery time.Duration
	metricsFn    func() interface{}
	upgrader     websocket.Upgrader
}

// NewServer wires the gateway. metricsFn supplies the payload for periodic
// metrics frames and may be nil to disable them.
func NewServer(mgr *session.Manager, authenticator auth.Authenticator, pub *events.Publisher, metricsEvery time.Duration, metricsFn func() interface{}, logger *logrus.Logger) *Server {
	return &Server{
		logger:       logger.WithField("component", "gateway"),
		mgr:          mgr,
		auth:         authenticator,
		publisher:    pub,
		metricsEvery: metricsEvery,
		metricsFn:    metricsFn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	c := &clientConn{
		server:   s,
		conn:     conn,
		outbound: make(chan ServerMessage, outboundBuffer),
		logger:   s.logger.WithField("remote", conn.RemoteAddr().String()),
	}
	c.run(r.Context())
}

type clientConn struct {
	server   *Server
	conn     *websocket.Conn
	logger   *logrus.Entry
	outbound chan ServerMessage
	sess     *session.Session
}

func (c *clientConn) run(ctx context.Context) {
	defer c.conn.Close()

	init, ok := c.readInit()
	if !ok {
		return
	}

	tenant, err := c.server.auth.Authenticate(init.Token)
	if err != nil {
		c.writeDirect(ServerMessage{
			Type:  ServerError,
			ID:    init.ID,
			Code:  string(core.CodeUnauthorized),
			Error: "authentication failed",
		})
		return
	}
	c.logger = c.logger.WithField("tenant_id", tenant)

	if init.Target != "" {
		c.sess, err = c.server.mgr.InitiateCall(ctx, tenant, init.Target, init.VoiceID, init.Metadata)
	} else {
		c.sess, err = c.server.mgr.StartStream(ctx, tenant, init.VoiceID, init.Metadata)
	}
	if err != nil {
		c.writeDirect(c.errorMessage(init.ID, err))
		return
	}
	c.logger = c.logger.WithField("session_id", c.sess.ID)
	c.logger.Info("Gateway session established")

	c.sess.Configure(pipelineConfig(init))
	c.sess.SetSink(c.onEvent)

	writerDone := make(chan struct{})
	writerCtx, cancelWriter := context.WithCancel(ctx)
	go c.writeLoop(writerCtx, writerDone)
	defer func() {
		c.server.mgr.EndSession(context.Background(), c.sess.ID)
		cancelWriter()
		<-writerDone
	}()

	c.send(ServerMessage{Type: ServerReady, ID: init.ID, SessionID: c.sess.ID})
	c.readLoop(ctx)
}

// pipelineConfig maps the init frame's stage settings onto the session.
func pipelineConfig(init ClientMessage) session.PipelineConfig {
	return session.PipelineConfig{
		DisableAgent: init.AgentEnabled != nil && !*init.AgentEnabled,
		DisableTTS:   init.TTSEnabled != nil && !*init.TTSEnabled,
		Model:        init.Model,
		AgentMode:    init.AgentMode,
	}
}

// readInit waits for the mandatory first frame.
func (c *clientConn) readInit() (ClientMessage, bool) {
	var msg ClientMessage
	_ = c.conn.SetReadDeadline(time.Now().Add(initTimeout))
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.logger.WithError(err).Debug("Failed to read init frame")
		return msg, false
	}
	if msg.Type != ClientInit {
		c.writeDirect(ServerMessage{Type: ServerError, Error: "first frame must be init"})
		return msg, false
	}
	return msg, true
}

func (c *clientConn) readLoop(ctx context.Context) {
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Debug("Websocket read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		switch msg.Type {
		case ClientAudioChunk:
			if err := c.server.mgr.ProcessAudioChunk(ctx, c.sess.ID, msg.Audio); err != nil {
				c.send(c.errorMessage(msg.ID, err))
			}
		case ClientTextInput:
			if err := c.server.mgr.ProcessText(ctx, c.sess.ID, msg.Text); err != nil {
				c.send(c.errorMessage(msg.ID, err))
			}
		case ClientPause:
			c.server.mgr.Pause(c.sess.ID)
		case ClientResume:
			c.server.mgr.Resume(c.sess.ID)
		case ClientQualityFeedback:
			c.server.publisher.Publish("quality.feedback", events.QualityFeedback{
				SessionID: c.sess.ID,
				Category:  msg.Category,
				Score:     msg.Score,
				Comment:   msg.Comment,
				Timestamp: time.Now(),
			})
		case ClientEnd:
			c.server.mgr.EndSession(ctx, c.sess.ID)
			return
		default:
			c.send(ServerMessage{Type: ServerError, ID: msg.ID, Error: "unknown message type " + msg.Type})
		}
	}
}

// onEvent runs on the pipeline goroutine and must not block it.
func (c *clientConn) onEvent(ev session.Event) {
	var msg ServerMessage
	switch ev.Type {
	case session.EventSTTPartial:
		msg = ServerMessage{Type: ServerSTTPartial, Text: ev.Text}
	case session.EventSTTFinal:
		msg = ServerMessage{Type: ServerSTTFinal, Text: ev.Text}
	case session.EventAgentThinking:
		msg = ServerMessage{Type: ServerAgentThinking}
	case session.EventAgentReply:
		msg = ServerMessage{Type: ServerAgentReply, Text: ev.Text}
	case session.EventTTSChunk:
		msg = ServerMessage{Type: ServerTTSChunk, Audio: ev.Audio}
	case session.EventTTSComplete:
		msg = ServerMessage{Type: ServerTTSComplete}
	case session.EventError:
		msg = c.errorMessage("", ev.Err)
	case session.EventEnded:
		msg = ServerMessage{Type: ServerEnded}
	default:
		return
	}
	msg.SessionID = ev.SessionID
	c.send(msg)
}

// send queues a frame for the writer. Frames are dropped when the client
// cannot keep up; the alternative is stalling the audio pipeline.
func (c *clientConn) send(msg ServerMessage) {
	select {
	case c.outbound <- msg:
	default:
		c.logger.WithField("type", msg.Type).Warn("Dropping frame for slow client")
	}
}

func (c *clientConn) writeLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var metricsCh <-chan time.Time
	if c.server.metricsFn != nil && c.server.metricsEvery > 0 {
		t := time.NewTicker(c.server.metricsEvery)
		defer t.Stop()
		metricsCh = t.C
	}

	for {
		select {
		case msg := <-c.outbound:
			if !c.writeDirect(msg) {
				return
			}
			if msg.Type == ServerEnded {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
		case <-metricsCh:
			if !c.writeDirect(ServerMessage{Type: ServerMetrics, Metrics: c.server.metricsFn()}) {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			// Flush what was queued before teardown, ended frames included.
			for {
				select {
				case msg := <-c.outbound:
					if !c.writeDirect(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *clientConn) writeDirect(msg ServerMessage) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.WithError(err).Debug("Websocket write failed")
		return false
	}
	return true
}

func (c *clientConn) errorMessage(id string, err error) ServerMessage {
	msg := ServerMessage{Type: ServerError, ID: id, Error: "internal error"}
	if err != nil {
		msg.Error = err.Error()
	}
	if code := core.CodeOf(err); code != "" {
		msg.Code = string(code)
	}
	return msg
}
