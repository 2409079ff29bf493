package tunnel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"waf-proxy-go/internal/metrics"
)

// session is one established tunnel. Every write to the backend connection
// happens under sinkMu.
type session struct {
	client  *websocket.Conn
	backend *websocket.Conn
	sinkMu  sync.Mutex
	metrics *metrics.Metrics

	closeOnce sync.Once
	bytesIn   atomic.Int64 // client to backend
	bytesOut  atomic.Int64 // backend to client
}

func newSession(client, backend *websocket.Conn, m *metrics.Metrics) *session {
	s := &session{client: client, backend: backend, metrics: m}

	backend.SetPingHandler(func(data string) error {
		err := s.writeBackendControl(websocket.PongMessage, []byte(data))
		if err == nil && s.metrics != nil {
			s.metrics.TunnelPongs.Inc()
		}
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	backend.SetCloseHandler(func(code int, _ string) error {
		_ = s.writeBackendControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
		return nil
	})
	return s
}

// relay runs both directions until either side ends or ctx is cancelled, then
// closes both connections. It returns the error that ended the first loop.
func (s *session) relay(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- s.backendToClient() }()
	go func() { errc <- s.clientToBackend() }()

	stop := context.AfterFunc(ctx, s.teardown)
	defer stop()

	first := <-errc
	s.teardown()
	<-errc
	return first
}

// backendToClient writes every backend data message to the client as a
// binary message. Pings are answered by the ping handler and never forwarded.
func (s *session) backendToClient() error {
	for {
		_, r, err := s.backend.NextReader()
		if err != nil {
			return err
		}
		_ = s.client.SetWriteDeadline(time.Now().Add(writeWait))
		w, err := s.client.NextWriter(websocket.BinaryMessage)
		if err != nil {
			return err
		}
		n, err := io.Copy(w, r)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		s.bytesOut.Add(n)
		s.countMessage(metrics.DirectionBackendToClient, n)
	}
}

// clientToBackend reads each client message in chunks of at most chunkSize
// bytes and sends every chunk to the backend as its own binary message. An
// empty client message becomes one empty binary message.
func (s *session) clientToBackend() error {
	buf := make([]byte, chunkSize)
	for {
		_, r, err := s.client.NextReader()
		if err != nil {
			return err
		}
		sent := false
		for {
			n, err := io.ReadFull(r, buf)
			done := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
			if err != nil && !done {
				return err
			}
			if n > 0 || !sent {
				if werr := s.writeBackend(buf[:n]); werr != nil {
					return werr
				}
				sent = true
			}
			if done {
				break
			}
		}
	}
}

func (s *session) writeBackend(p []byte) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	_ = s.backend.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.backend.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return err
	}
	s.bytesIn.Add(int64(len(p)))
	s.countMessage(metrics.DirectionClientToBackend, int64(len(p)))
	return nil
}

func (s *session) countMessage(direction string, n int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.TunnelMessages.WithLabelValues(direction).Inc()
	s.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
}

func (s *session) writeBackendControl(messageType int, data []byte) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	return s.backend.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// teardown sends best-effort close frames and closes both connections, which
// unblocks whichever loop is still reading.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(closeWait)

		_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		s.sinkMu.Lock()
		_ = s.backend.WriteControl(websocket.CloseMessage, msg, deadline)
		s.sinkMu.Unlock()

		_ = s.client.Close()
		_ = s.backend.Close()
	})
}
