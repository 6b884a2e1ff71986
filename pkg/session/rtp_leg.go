package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/media"
)

const rtpFrameBytes = 160 // 20ms of G.711 at 8kHz

// RTPLeg couples an answered dialog's media stream to a session. Inbound
// packets feed the processing pipeline; synthesized replies are paced back
// out as 20ms G.711 frames.
type RTPLeg struct {
	logger     *logrus.Entry
	manager    *Manager
	sessionID  string
	conn       *net.UDPConn
	remote     *net.UDPAddr
	packetizer *media.Packetizer
	cancel     context.CancelFunc

	// Serializes outbound pacing; the packetizer is not safe for concurrent
	// use and interleaved turns would corrupt the RTP timeline.
	sendMu sync.Mutex
}

// NewRTPLeg binds the local media port for one answered dialog. Synthesized
// audio reaches the leg through the session's emit path.
func NewRTPLeg(localPort int, remoteAddr string, payloadType uint8, sessionID string, mgr *Manager, logger *logrus.Logger) (*RTPLeg, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving remote media address %s: %w", remoteAddr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("binding media port %d: %w", localPort, err)
	}

	return &RTPLeg{
		logger:     logger.WithFields(logrus.Fields{"component": "rtp_leg", "session_id": sessionID}),
		manager:    mgr,
		sessionID:  sessionID,
		conn:       conn,
		remote:     remote,
		packetizer: media.NewPacketizer(payloadType, rand.Uint32()),
	}, nil
}

// Start runs the inbound read loop until ctx is cancelled or the socket
// closes.
func (l *RTPLeg) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		_ = l.conn.Close()
	}()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := l.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.WithError(err).Debug("Media socket closed")
				}
				return
			}
			pkt, err := media.ParsePacket(buf[:n])
			if err != nil {
				l.logger.WithError(err).Debug("Dropping malformed RTP packet")
				continue
			}
			// The payload stays in telephony framing; the pipeline converts.
			if err := l.manager.ProcessAudioChunk(ctx, l.sessionID, pkt.Payload); err != nil {
				l.logger.WithError(err).Warn("Audio chunk processing failed")
			}
		}
	}()
}

// SendAudio paces ML-format audio back to the far end as 20ms G.711 frames.
// Concurrent calls are serialized so one reply finishes before the next
// starts.
func (l *RTPLeg) SendAudio(mlAudio []byte) {
	telephony, err := media.MLToTelephony(mlAudio)
	if err != nil {
		l.logger.WithError(err).Warn("Outbound conversion failed, dropping reply audio")
		return
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for off := 0; off < len(telephony); off += rtpFrameBytes {
		end := off + rtpFrameBytes
		if end > len(telephony) {
			end = len(telephony)
		}
		pkt, err := l.packetizer.Packetize(telephony[off:end])
		if err != nil {
			continue
		}
		if _, err := l.conn.WriteToUDP(pkt, l.remote); err != nil {
			l.logger.WithError(err).Debug("Failed to write RTP frame")
			return
		}
		<-ticker.C
	}
}

func (l *RTPLeg) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	_ = l.conn.Close()
}
