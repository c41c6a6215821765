package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/procworker/internal/config"
	"github.com/guseggert/procworker/process"
	"github.com/guseggert/procworker/supervisor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Loop is the readiness loop that all supervisors of a server share.
type Loop interface {
	supervisor.Reactor
	Post(fn func()) error
}

type Server struct {
	Log  *zap.SugaredLogger
	Loop Loop
}

// Serve upgrades the request to a WebSocket and streams the output of sc until the process exits or the connection dies.
// opts are applied to the supervisor after the server's own options.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, sc config.Stream, opts ...supervisor.Option) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.Log.Debugw("accepted WebSocket conn", "Stream", sc.Name)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &session{
		log:   s.Log.Named("stream_session"),
		conn:  wsConn,
		loop:  s.Loop,
		queue: newFrameQueue(),
	}
	sess.run(ctx, sc, opts)
}

// session relays one supervisor's events to one connection.
// It is the supervisor's unit: it ends once the process has exited and the exit frame has been sent.
type session struct {
	log   *zap.SugaredLogger
	conn  *websocket.Conn
	loop  Loop
	queue *frameQueue

	closeConnOnce sync.Once
}

// Stop is called on the loop goroutine when the process exits. The exit frame is published after it returns,
// so closing the queue is deferred to the next loop iteration.
func (s *session) Stop() {
	if err := s.loop.Post(s.queue.close); err != nil {
		s.queue.close()
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	s.closeConnOnce.Do(func() {
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (s *session) run(ctx context.Context, sc config.Stream, opts []supervisor.Option) {
	sup, err := s.start(ctx, sc, opts)
	if err != nil {
		s.log.Debugf("error starting stream %q: %s", sc.Name, err)
		if werr := wsjson.Write(ctx, s.conn, Frame{Err: err.Error()}); werr != nil {
			s.log.Debugf("error sending start error: %s", werr)
		}
		s.close(websocket.StatusInternalError, fmt.Sprintf("starting process: %s", err))
		return
	}
	defer func() {
		// no-op if the process already exited
		if err := s.loop.Post(sup.Stop); err != nil {
			s.log.Debugf("error scheduling supervisor stop: %s", err)
		}
	}()

	// The client never sends data messages, so this only handles control frames and notices when the client goes away.
	readCtx := s.conn.CloseRead(ctx)

	for {
		f, ok := s.queue.pop(readCtx)
		if !ok {
			break
		}
		if f.Exited && !s.awaitExitCode(readCtx, &f) {
			break
		}
		err := wsjson.Write(readCtx, s.conn, f)
		if err != nil {
			s.log.Debugf("error writing frame: %s", err)
			s.close(websocket.StatusInternalError, err.Error())
			return
		}
		if f.Exited {
			s.log.Debugw("process exited, closing conn", "ID", sup.ID(), "ExitCode", f.ExitCode)
			s.close(websocket.StatusNormalClosure, "")
			return
		}
	}

	if readCtx.Err() != nil {
		s.log.Debugw("conn closed before process exited", "ID", sup.ID())
		s.close(websocket.StatusGoingAway, "")
		return
	}
	s.close(websocket.StatusInternalError, "stream ended without exit")
}

// awaitExitCode fills in f's exit code once the process has been reclaimed.
// It returns false if ctx ends first.
func (s *session) awaitExitCode(ctx context.Context, f *Frame) bool {
	select {
	case <-f.reaped:
	case <-ctx.Done():
		return false
	}
	if code, ok := f.exitCode(); ok {
		f.ExitCode = code
	}
	return true
}

// start creates and starts the supervisor on the loop goroutine.
func (s *session) start(ctx context.Context, sc config.Stream, opts []supervisor.Option) (*supervisor.Supervisor, error) {
	type result struct {
		sup *supervisor.Supervisor
		err error
	}
	resultCh := make(chan result, 1)
	err := s.loop.Post(func() {
		sup, err := s.newSupervisor(sc, opts)
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		resultCh <- result{sup: sup, err: sup.Start()}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling start: %w", err)
	}

	select {
	case res := <-resultCh:
		return res.sup, res.err
	case <-ctx.Done():
		// the start may still run, so the supervisor is stopped once it exists
		go func() {
			res := <-resultCh
			if res.sup != nil {
				_ = s.loop.Post(res.sup.Stop)
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *session) newSupervisor(sc config.Stream, opts []supervisor.Option) (*supervisor.Supervisor, error) {
	handleOpts := []process.Option{process.WithLogger(s.log.Desugar())}
	if sc.Combined {
		handleOpts = append(handleOpts, process.WithCombinedOutput())
	}
	supOpts := []supervisor.Option{
		supervisor.WithHandle(process.NewDefaultHandle(sc.Command, handleOpts...)),
		supervisor.WithUnit(s),
		supervisor.WithLogger(s.log.Desugar()),
	}
	if sc.ChunkSize > 0 {
		supOpts = append(supOpts, supervisor.WithChunkSize(sc.ChunkSize))
	}
	sup, err := supervisor.New(sc.Command, s.loop, append(supOpts, opts...)...)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	sup.SetOnStart(func(sup *supervisor.Supervisor) {
		s.queue.push(Frame{Started: true, ID: sup.ID()})
	})
	sup.SetOnOutput(func(_ *supervisor.Supervisor, b []byte) {
		s.queue.push(Frame{Stdout: append([]byte(nil), b...)})
	})
	sup.SetOnExit(func(sup *supervisor.Supervisor) {
		// The process is reclaimed off the loop, so the exit code is filled in by the handler goroutine.
		s.queue.push(Frame{
			Exited:   true,
			ExitCode: -1,
			TimeMS:   time.Since(startTime).Milliseconds(),
			reaped:   sup.Reaped(),
			exitCode: sup.ExitCode,
		})
	})
	return sup, nil
}
