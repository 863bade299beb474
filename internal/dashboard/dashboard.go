// Package dashboard serves the live operator view: a websocket-fed page
// showing discovery/check/pool/forward events as they happen, plus a
// Prometheus /metrics endpoint alongside it. The index page is an inline
// text/template string rather than a file on disk, since there is no
// standalone web/template.html asset to carry over.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grishkovelli/arprox/internal/metrics"
)

// Event is one broadcast message: Kind identifies the event class
// ("discover", "check", "pool", "forward") for client-side filtering, Body
// is whatever JSON-marshalable payload the subsystem wants to show.
type Event struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

// Server hosts the dashboard's HTTP surface.
type Server struct {
	collector *metrics.Collector
	log       *slog.Logger

	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan Event

	httpServer *http.Server
}

// New builds a Server that will listen on addr (e.g. ":9090") once Run is
// called. collector may be nil to omit /metrics.
func New(addr string, collector *metrics.Collector) *Server {
	s := &Server{
		collector: collector,
		log:       slog.Default().With("component", "dashboard"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 256),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveIndex)
	mux.HandleFunc("/ws", s.wsHandler)
	if collector != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Broadcast pushes an event to every connected websocket client. Safe to
// call before Run; events sent while no server is running are simply
// dropped once the channel buffer fills (fire-and-forget broadcast).
func (s *Server) Broadcast(kind string, body any) {
	select {
	case s.broadcast <- Event{Kind: kind, Body: body}:
	default:
		s.log.Warn("dashboard broadcast buffer full, dropping event", "kind", kind)
	}
}

// Run starts the HTTP listener and the broadcast fan-out loop, blocking
// until ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.handleMessages()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleMessages() {
	for evt := range s.broadcast {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		s.clientsMu.Lock()
		for c := range s.clients {
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				delete(s.clients, c)
			}
		}
		s.clientsMu.Unlock()
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>arprox</title></head>
<body>
<h1>arprox</h1>
<ul id="events"></ul>
<script>
  const ws = new WebSocket("{{.}}");
  const list = document.getElementById("events");
  ws.onmessage = (evt) => {
    const li = document.createElement("li");
    li.textContent = evt.data;
    list.prepend(li);
  };
</script>
</body>
</html>`))

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	wsURL := "ws://" + r.Host + "/ws"
	if err := indexTemplate.Execute(w, wsURL); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
