// Package apiworker implements ApiWorker: the HTTP+SSE REST surface of
// the engine. It never touches ses.Service directly — every mutating or
// listing call goes out as a request.* publish and comes back on the
// matching procedure.lifecycle.* or procedure.pool.list publish via
// requestbridge.Bridge, exactly like a caller
// running in a separate process would have to.
package apiworker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ska-telescope/ska-oso-oet-go/eventbus"
	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
	"github.com/ska-telescope/ska-oso-oet-go/requestbridge"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// RoutePrefix is mounted under the engine's HTTP listener.
const RoutePrefix = "/api/v1"

// HeartbeatInterval keeps idle SSE connections (and any intermediary
// proxy) from timing them out.
const HeartbeatInterval = 30 * time.Second

// ApiWorker is the goroutine-supervised REST+SSE surface.
type ApiWorker struct {
	name        string
	addr        string
	routePrefix string
	bus         *eventbus.LocalBus
	bridge      *requestbridge.Bridge
	logger      *oetlog.Logger
	gitDefaults *types.GitOptions

	engine   *gin.Engine
	listener net.Listener
	srv      *http.Server
}

// New creates an ApiWorker that will listen on addr once started.
// gitDefaults, if non-nil, is substituted into a git-sourced create
// request whenever the caller omits git_args.git_repo.
func New(name, addr string, bus *eventbus.LocalBus, logger *oetlog.Logger, gitDefaults *types.GitOptions) *ApiWorker {
	gin.SetMode(gin.ReleaseMode)
	a := &ApiWorker{
		name:        name,
		addr:        addr,
		routePrefix: RoutePrefix,
		bus:         bus,
		bridge:      requestbridge.New(bus, name, requestbridge.DefaultTimeout),
		logger:      logger.With(map[string]any{"component": name}),
		gitDefaults: gitDefaults,
	}
	a.engine = a.buildEngine()
	return a
}

func (a *ApiWorker) Name() string { return a.name }

func (a *ApiWorker) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	group := r.Group(a.routePrefix)
	group.GET("/procedures", a.listProcedures)
	group.GET("/procedures/:id", a.getProcedure)
	group.POST("/procedures", a.createProcedure)
	group.PUT("/procedures/:id", a.updateProcedure)
	group.GET("/stream", a.stream)
	return r
}

// Addr returns the bound listener address, valid after Startup.
func (a *ApiWorker) Addr() string {
	if a.listener == nil {
		return a.addr
	}
	return a.listener.Addr().String()
}

// Startup binds the listener synchronously (so the supervisor only
// reports this worker healthy once the port is actually open) then
// serves in the background until Shutdown.
func (a *ApiWorker) Startup(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", a.addr, err)
	}
	a.listener = ln
	a.srv = &http.Server{Handler: a.engine}

	go func() {
		if err := a.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server exited", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

func (a *ApiWorker) MainLoop(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (a *ApiWorker) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

// stream handles GET /stream: every bus publish is forwarded as a
// server-sent event, "event:<topic>\ndata:<json>\n[id:<request_id>\n]\n\n" —
// the same wire shape as the reference runtime's own Message.__str__.
func (a *ApiWorker) stream(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(c, fmt.Errorf("streaming not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan sseEvent, 64)
	subID := a.bus.SubscribeAll(func(msg types.EventMessage) {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return
		}
		select {
		case events <- sseEvent{topic: msg.Topic, requestID: msg.RequestID, data: data}:
		default:
		}
	})
	defer a.bus.UnsubscribeAll(subID)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case ev := <-events:
			fmt.Fprintf(w, "event:%s\ndata:%s\n", ev.topic, ev.data)
			if ev.requestID != 0 {
				fmt.Fprintf(w, "id:%d\n", ev.requestID)
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}

type sseEvent struct {
	topic     string
	requestID int64
	data      []byte
}
