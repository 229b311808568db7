package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ble-central/pkg/central"
	"ble-central/pkg/config"
)

const (
	streamBuffer    = 16
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Central is the part of the controller exposed over HTTP.
type Central interface {
	Peripherals() []central.Peripheral
	Snapshot() central.Snapshot
	ConnectByIndex(ctx context.Context, index int) error
	Subscribe(fn func(central.Snapshot)) string
	Unsubscribe(id string) bool
	SubscribeNotifications(fn func(central.Notification)) string
	UnsubscribeNotifications(id string) bool
}

type Endpoint struct {
	Path    string
	Handler func(w http.ResponseWriter, r *http.Request)
	Methods []string
}

type ApiResponse struct {
	Message string `json:"message"`
}

type PeripheralData struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Name  string `json:"name"`
}

type Server struct {
	central   Central
	callbacks *Callbacks
	log       logrus.FieldLogger
	addr      string
	router    *mux.Router

	notifySub string
	boundAddr string
	ready     chan struct{}
}

func New(c Central, cfg *config.ServerConfig, log logrus.FieldLogger) *Server {
	s := &Server{
		central:   c,
		callbacks: NewCallbacks(cfg.CallbackTimeout, log),
		log:       log.WithField("component", "server"),
		addr:      cfg.Addr(),
		router:    mux.NewRouter(),
		ready:     make(chan struct{}),
	}

	s.notifySub = c.SubscribeNotifications(s.callbacks.OnNotification)

	// Register endpoints
	for _, endpoint := range s.endpoints() {
		s.router.HandleFunc(endpoint.Path, endpoint.Handler).
			Methods(endpoint.Methods...)
	}

	return s
}

func (s *Server) String() string {
	return "<Server " + s.addr + ">"
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// BoundAddr returns the address the server listens on. Valid once Ready is closed.
func (s *Server) BoundAddr() string {
	return s.boundAddr
}

// Ready is closed once the listener is bound. It stays open if Run fails to listen.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.central.UnsubscribeNotifications(s.notifySub)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.boundAddr = ln.Addr().String()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	s.log.Infof("Listening on %s", s.boundAddr)
	close(s.ready)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	s.callbacks.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) endpoints() []Endpoint {
	return []Endpoint{
		{
			// List discovered peripherals in discovery order
			Path:    "/peripherals",
			Methods: []string{http.MethodGet},
			Handler: s.listPeripherals,
		},
		{
			Path:    "/peripherals/{index}/connect",
			Methods: []string{http.MethodPost},
			Handler: s.connect,
		},
		{
			Path:    "/state",
			Methods: []string{http.MethodGet},
			Handler: s.state,
		},
		{
			// Websocket pushing a snapshot on every change
			Path:    "/state/stream",
			Methods: []string{http.MethodGet},
			Handler: s.stream,
		},
		{
			// Register a new callback for raw notifications
			Path:    "/callbacks",
			Methods: []string{http.MethodPost},
			Handler: s.addCallback,
		},
		{
			Path:    "/callbacks/{callbackUuid}",
			Methods: []string{http.MethodDelete},
			Handler: s.removeCallback,
		},
	}
}

func (s *Server) listPeripherals(w http.ResponseWriter, r *http.Request) {
	ps := s.central.Peripherals()

	data := make([]PeripheralData, len(ps))
	for i, p := range ps {
		data[i] = PeripheralData{Index: i, ID: string(p.ID), Name: p.Name}
	}

	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: "invalid index"})
		return
	}

	err = s.central.ConnectByIndex(r.Context(), index)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, &ApiResponse{Message: "connecting"})
	case errors.Is(err, central.ErrInvalidIndex):
		s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: err.Error()})
	case errors.Is(err, central.ErrNotRunning):
		s.writeJSON(w, http.StatusServiceUnavailable, &ApiResponse{Message: err.Error()})
	default:
		s.writeJSON(w, http.StatusBadGateway, &ApiResponse{Message: err.Error()})
	}
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.central.Snapshot())
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.log.Warnf("websocket accept failed: %s", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	// Only server to client frames; CloseRead handles the peer closing.
	ctx := ws.CloseRead(r.Context())

	updates := make(chan central.Snapshot, streamBuffer)
	id := s.central.Subscribe(func(snap central.Snapshot) {
		select {
		case updates <- snap:
		default:
			s.log.Debug("stream client too slow, dropping snapshot")
		}
	})
	defer s.central.Unsubscribe(id)

	if err := s.write(ctx, ws, s.central.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			if err := s.write(ctx, ws, snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, snap central.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, snap)
}

func (s *Server) addCallback(w http.ResponseWriter, r *http.Request) {
	var data CallbackData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: "invalid data"})
		return
	}

	u, err := url.ParseRequestURI(data.Url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.writeJSON(w, http.StatusBadRequest, &ApiResponse{Message: "invalid url"})
		return
	}

	id := s.callbacks.Add(u.String())

	// Send back the UUID
	s.writeJSON(w, http.StatusOK, &ApiResponse{Message: id})
}

func (s *Server) removeCallback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["callbackUuid"]

	if !s.callbacks.Remove(id) {
		s.writeJSON(w, http.StatusNotFound, &ApiResponse{Message: "callback not found"})
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn(err)
	}
}
