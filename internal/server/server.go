package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/pinlink/internal/config"
	"github.com/shaunagostinho/pinlink/internal/manager"
	"github.com/shaunagostinho/pinlink/internal/metrics"
	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/protocol"
	"github.com/shaunagostinho/pinlink/internal/recorder"
	"github.com/shaunagostinho/pinlink/internal/session"
	"github.com/shaunagostinho/pinlink/internal/transport"
)

// Server exposes the slot manager over HTTP and relays session events to
// WebSocket clients.
type Server struct {
	cfg     *config.Config
	mgr     *manager.Manager
	rec     *recorder.Recorder
	metrics *metrics.Metrics
	webFS   fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Event  *manager.Event     `json:"event,omitempty"`
	Slots  []manager.SlotInfo `json:"slots,omitempty"`
	Result *CommandResult     `json:"result,omitempty"`
	Config json.RawMessage    `json:"config,omitempty"`
	Stamp  int64              `json:"stamp"` // Unix ms
}

// CommandResult is the outcome of a command sent over HTTP or WebSocket.
type CommandResult struct {
	Slot int `json:"slot"`
	session.Response
	Error string `json:"error,omitempty"`
}

// wsCommand is what clients send on the socket.
type wsCommand struct {
	Slot int `json:"slot"`
	protocol.Request
}

type pinStatus struct {
	Pin          pins.ID         `json:"pin"`
	Function     *pins.Function  `json:"function,omitempty"` // last known, absent if never read
	Capabilities []pins.Function `json:"capabilities"`
}

// New creates a new Server. rec, m and webFS may be nil.
func New(cfg *config.Config, mgr *manager.Manager, rec *recorder.Recorder, m *metrics.Metrics, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		mgr:     mgr,
		rec:     rec,
		metrics: m,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routes without starting the event relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("GET /", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/ports", s.handlePorts)
	mux.HandleFunc("GET /api/slots", s.handleSlots)
	mux.HandleFunc("POST /api/slots/{slot}/open", s.handleOpen)
	mux.HandleFunc("POST /api/slots/{slot}/close", s.handleClose)
	mux.HandleFunc("POST /api/slots/{slot}/command", s.handleCommand)
	mux.HandleFunc("GET /api/slots/{slot}/pins", s.handlePins)
	mux.HandleFunc("GET /api/slots/{slot}/log", s.handleLog)
	mux.HandleFunc("DELETE /api/slots/{slot}/log", s.handleClearLog)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handleUpdateConfig)

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run starts the HTTP server and relays manager events until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	events, cancel := s.mgr.Subscribe(256)
	go s.pumpEvents(ctx, events, cancel)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) pumpEvents(ctx context.Context, events <-chan manager.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(Frame{Event: &ev, Stamp: ev.Time.UnixMilli()})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Initial slot table
	if data, err := json.Marshal(Frame{Slots: s.mgr.Slots(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: commands from the client run here, one at a time
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var wc wsCommand
			if err := json.Unmarshal(msg, &wc); err != nil {
				s.reply(client, CommandResult{Error: "bad message: " + err.Error()})
				continue
			}
			res, _ := s.dispatch(wc.Slot, wc.Request)
			s.reply(client, res)
		}
	}()
}

func (s *Server) reply(client *wsClient, res CommandResult) {
	data, err := json.Marshal(Frame{Result: &res, Stamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	select {
	case client.send <- data:
	default:
	}
}

// dispatch parses req and runs it on slot. The returned status is the HTTP
// code for the outcome.
func (s *Server) dispatch(slot int, req protocol.Request) (CommandResult, int) {
	res := CommandResult{Slot: slot}
	cmd, err := req.Command()
	if err != nil {
		res.Error = err.Error()
		return res, http.StatusBadRequest
	}
	res.Response, err = s.mgr.Dispatch(slot, cmd)
	if err != nil {
		res.Error = err.Error()
		return res, statusFor(err)
	}
	return res, http.StatusOK
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.mgr.ListPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []transport.PortDescriptor{}
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Slots())
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Port string `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Port == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {\"port\": \"<device>\"}"))
		return
	}
	if err := s.mgr.Open(r.Context(), slot, body.Port); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	sess, err := s.mgr.Session(slot)
	if err != nil {
		// failed between open and lookup
		writeError(w, statusFor(err), err)
		return
	}
	info := sess.Info()
	writeJSON(w, http.StatusOK, manager.SlotInfo{Slot: slot, Open: true, Session: &info})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	if err := s.mgr.Close(slot); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, manager.SlotInfo{Slot: slot})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, status := s.dispatch(slot, req)
	writeJSON(w, status, res)
}

func (s *Server) handlePins(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	cache := sess.PinCache()
	all := pins.All()
	out := make([]pinStatus, 0, len(all))
	for _, p := range all {
		ps := pinStatus{Pin: p, Capabilities: pins.Capabilities(p)}
		if f, ok := cache[p]; ok {
			ps.Function = &f
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLog returns the captured samples as JSON, or as CSV with ?format=csv.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	samples := sess.Samples()
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", "slot"+r.PathValue("slot")+".csv"))
		if err := recorder.WriteCSV(w, samples); err != nil {
			log.Printf("[server] csv export: %v", err)
		}
		return
	}
	if samples == nil {
		samples = []session.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": sess.ClearLog()})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// configReply answers a config update. RestartRequired names the settings
// that were saved but are only read at startup.
type configReply struct {
	Status          string   `json:"status"`
	RestartRequired []string `json:"restartRequired,omitempty"`
}

// handleUpdateConfig merges a partial config. Serial timings and protocol
// settings apply to sessions opened afterwards.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	before := s.cfg.Startup()
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.cfg.Save(); err != nil {
		log.Printf("[config] save failed: %v", err)
	}
	s.mgr.SetSessionOptions(s.cfg.SessionOptions())
	if s.rec != nil {
		s.rec.SetEnabled(s.cfg.RecordingEnabled())
	}
	// Broadcast updated config
	if data, err := s.cfg.ToJSON(); err == nil {
		s.broadcast(Frame{Config: data, Stamp: time.Now().UnixMilli()})
	}

	restart := s.cfg.Startup().Changed(before)
	if len(restart) > 0 {
		log.Printf("[config] restart needed for %v", restart)
	}
	writeJSON(w, http.StatusOK, configReply{Status: "ok", RestartRequired: restart})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	slot, ok := slotParam(w, r)
	if !ok {
		return nil, false
	}
	sess, err := s.mgr.Session(slot)
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return sess, true
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
			s.metrics.EventDropped()
		}
	}
}

func slotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad slot %q", r.PathValue("slot")))
		return 0, false
	}
	return n, true
}

// statusFor maps manager and session errors to HTTP status codes.
func statusFor(err error) int {
	var (
		ce *session.ConnectError
		pe *session.ProtocolError
		te *session.TransportError
	)
	switch {
	case errors.Is(err, manager.ErrInvalidSlot):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrUnknownSlot):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrSlotBusy), errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnsupportedFunction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotAcknowledged), errors.As(err, &ce), errors.As(err, &pe), errors.As(err, &te):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
