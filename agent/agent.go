package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procworker/agent/stream"
	"github.com/guseggert/procworker/event"
	"github.com/guseggert/procworker/internal/config"
	"github.com/guseggert/procworker/supervisor"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Agent is an HTTP agent that serves the configured streams.
// Every stream runs under its own supervisor, and all supervisors share one readiness loop and one event bus.
type Agent struct {
	logger *zap.SugaredLogger

	loop       stream.Loop
	cfg        *config.Config
	bus        *event.Bus
	listenAddr string

	httpServer   *http.Server
	streamServer *stream.Server

	stopTimeout time.Duration
	stopOnce    sync.Once
	stopErr     error

	activeMut sync.Mutex
	active    map[string]*activeStream
	closing   bool
}

type activeStream struct {
	info StreamInfo
	// set by the start listener on the loop goroutine
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
}

// StreamInfo describes a stream with a connected client.
type StreamInfo struct {
	ID        string
	Name      string
	Command   string
	State     string
	StartedAt *time.Time `json:",omitempty"`
	Bytes     int64
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

// WithBus shares the supervisors' event bus with the caller.
func WithBus(b *event.Bus) Option {
	return func(a *Agent) {
		a.bus = b
	}
}

// New constructs an agent. The caller owns loop and must run it for streams to make progress.
func New(loop stream.Loop, cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &Agent{
		logger:      zap.NewNop().Sugar(),
		loop:        loop,
		cfg:         cfg,
		listenAddr:  "127.0.0.1:8080",
		stopTimeout: 5 * time.Second,
		active:      map[string]*activeStream{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.bus == nil {
		a.bus = event.NewBus()
	}
	a.streamServer = &stream.Server{Log: a.logger.Named("stream_server"), Loop: loop}
	a.httpServer = &http.Server{Handler: a.Handler()}
	a.subscribe()
	return a, nil
}

// subscribe keeps the active stream table current. Listeners run on the loop goroutine.
// Events from supervisors the agent does not own are ignored, since the bus may be shared.
func (a *Agent) subscribe() {
	a.bus.Subscribe(supervisor.KindStart, func(ev any) error {
		e, ok := ev.(supervisor.StartEvent)
		if !ok {
			return nil
		}
		a.activeMut.Lock()
		st, ok := a.active[e.Supervisor.ID()]
		if ok {
			st.sup = e.Supervisor
			startedAt := time.Now().UTC()
			st.info.State = supervisor.Running.String()
			st.info.StartedAt = &startedAt
		}
		closing := a.closing
		a.activeMut.Unlock()
		if ok && closing {
			// started after Stop collected the running supervisors
			e.Supervisor.Stop()
		}
		return nil
	}, 0)
	a.bus.Subscribe(supervisor.KindOutput, func(ev any) error {
		e, ok := ev.(supervisor.OutputEvent)
		if !ok {
			return nil
		}
		a.updateActive(e.Supervisor.ID(), func(info *StreamInfo) {
			info.Bytes += int64(len(e.Payload))
		})
		return nil
	}, 0)
	a.bus.Subscribe(supervisor.KindExit, func(ev any) error {
		e, ok := ev.(supervisor.ExitEvent)
		if !ok {
			return nil
		}
		a.updateActive(e.Supervisor.ID(), func(info *StreamInfo) {
			info.State = supervisor.Exited.String()
		})
		return nil
	}, 0)
}

func (a *Agent) updateActive(id string, f func(info *StreamInfo)) {
	a.activeMut.Lock()
	defer a.activeMut.Unlock()
	if st, ok := a.active[id]; ok {
		f(&st.info)
	}
}

// Handler returns the agent's HTTP routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", a.healthz)
	router.GET("/streams", a.listStreams)
	router.GET("/stream/:name", a.stream)
	return router
}

// Run serves HTTP on the listen address until Stop is called.
func (a *Agent) Run() error {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return a.Serve(l)
}

// Serve serves HTTP on l until Stop is called.
func (a *Agent) Serve(l net.Listener) error {
	a.logger.Infow("serving streams", "Addr", l.Addr().String(), "Streams", len(a.cfg.Streams))

	err := a.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener, stops the supervisors of all active streams, and ends their sessions.
// The loop must still be running for the supervisors to be stopped. Stop may be called more than once.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.activeMut.Lock()
		a.closing = true
		var sups []*supervisor.Supervisor
		var cancels []context.CancelFunc
		for _, st := range a.active {
			if st.sup != nil {
				sups = append(sups, st.sup)
			}
			cancels = append(cancels, st.cancel)
		}
		a.activeMut.Unlock()

		a.stopErr = a.httpServer.Close()
		a.stopSupervisors(sups)
		for _, cancel := range cancels {
			cancel()
		}
	})
	return a.stopErr
}

func (a *Agent) stopSupervisors(sups []*supervisor.Supervisor) {
	if len(sups) == 0 {
		return
	}
	done := make(chan struct{})
	err := a.loop.Post(func() {
		defer close(done)
		for _, sup := range sups {
			sup.Stop()
		}
	})
	if err != nil {
		a.logger.Warnw("unable to stop supervisors", "Count", len(sups), "Error", err)
		return
	}
	select {
	case <-done:
		a.logger.Debugw("stopped supervisors", "Count", len(sups))
	case <-time.After(a.stopTimeout):
		a.logger.Warnw("timed out stopping supervisors, is the loop running?", "Count", len(sups))
	}
}

// Active returns the streams with a connected client, ordered by name then ID.
func (a *Agent) Active() []StreamInfo {
	a.activeMut.Lock()
	infos := make([]StreamInfo, 0, len(a.active))
	for _, st := range a.active {
		infos = append(infos, st.info)
	}
	a.activeMut.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

type HealthResponse struct {
	Streams int
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.activeMut.Lock()
	n := len(a.active)
	a.activeMut.Unlock()
	a.writeJSON(w, HealthResponse{Streams: n})
}

func (a *Agent) listStreams(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, a.Active())
}

func (a *Agent) stream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	sc, ok := a.cfg.Lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("no stream named %q", name), http.StatusNotFound)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	a.activeMut.Lock()
	if a.closing {
		a.activeMut.Unlock()
		http.Error(w, "agent is stopping", http.StatusServiceUnavailable)
		return
	}
	a.active[id] = &activeStream{
		info: StreamInfo{
			ID:      id,
			Name:    sc.Name,
			Command: sc.Command,
			State:   supervisor.Idle.String(),
		},
		cancel: cancel,
	}
	a.activeMut.Unlock()
	defer func() {
		a.activeMut.Lock()
		delete(a.active, id)
		a.activeMut.Unlock()
	}()

	a.logger.Debugw("starting stream", "Name", name, "ID", id)
	a.streamServer.Serve(w, r.WithContext(ctx), sc, supervisor.WithID(id), supervisor.WithBus(a.bus))
	a.logger.Debugw("stream ended", "Name", name, "ID", id)
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
