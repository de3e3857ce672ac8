// Package web is the external HTTP/WebSocket transport in front of
// the data controller and scheme renderer. It is a thin adapter:
// request parsing, dispatch to the core, and error-to-status
// translation.
package web

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
	"github.com/protei/datagate/pkg/influx"
	"github.com/protei/datagate/pkg/scheme"
)

// Controller is the subset of data.Controller the transport calls.
type Controller interface {
	GetValues(ctx context.Context, moduleName string, ids []string) (map[string]data.Value, error)
	SetValues(ctx context.Context, moduleName string, values map[string]string) (map[string]*data.Value, error)
	RegisterCOV(ctx context.Context, moduleName, id, subscriberID string, cb data.COVCallback) (bool, error)
	RemoveCOV(ctx context.Context, moduleName, id, subscriberID string) error
}

// Config wires the transport to the core components it fronts.
type Config struct {
	Host       string
	Port       int
	Logger     zerolog.Logger
	Controller Controller
	Resolver   *scheme.Resolver
	Renderer   *scheme.Renderer
	Influx     *influx.Client
}

// Server is the HTTP/WebSocket transport.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Handler builds the route table. Exposed so tests can serve it from
// an httptest server without binding the configured address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/data/", s.handleData)
	mux.HandleFunc("/ws/", s.handleWebSocket)
	mux.HandleFunc("/schemes/", s.handleSchemes)
	return mux
}

// Start binds the listener and serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port),
		Handler: s.Handler(),
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("web server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeDataErr(w http.ResponseWriter, err error) {
	kind := dataerr.KindOf(err)
	writeError(w, kind.HTTPStatus(), err.Error())
}

// pathSegment strips the given prefix and returns the remainder up to
// the next '/', e.g. pathSegment("/data/random/x", "/data/") == "random".
func pathSegment(path, prefix string) string {
	rest := path[len(prefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}

// handleIndex lists the configured schemes as JSON.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	ids := s.cfg.Resolver.SchemeIDs()
	writeJSON(w, http.StatusOK, map[string]any{"schemes": ids})
}

// handleData implements GET/POST /data/{module}.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	module := pathSegment(r.URL.Path, "/data/")
	if module == "" {
		writeError(w, http.StatusNotFound, "module not specified")
		return
	}

	switch r.Method {
	case http.MethodGet:
		ids := r.URL.Query()["data_id"]
		if len(ids) == 0 {
			writeError(w, http.StatusBadRequest, "No id to get")
			return
		}
		values, err := s.cfg.Controller.GetValues(r.Context(), module, ids)
		if err != nil {
			writeDataErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, valuesToJSON(values))

	case http.MethodPost:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid message")
			return
		}
		if len(body) == 0 {
			writeError(w, http.StatusBadRequest, "No data to set")
			return
		}
		results, err := s.cfg.Controller.SetValues(r.Context(), module, body)
		if err != nil {
			writeDataErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, echoesToJSON(results))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSchemes implements GET /schemes/{scheme_id} and
// GET /schemes/{scheme_id}/influx/{svg_id}.
func (s *Server) handleSchemes(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/schemes/"):]
	var schemeID, tail string
	for i, c := range rest {
		if c == '/' {
			schemeID, tail = rest[:i], rest[i+1:]
			break
		}
	}
	if schemeID == "" {
		schemeID = rest
	}
	if schemeID == "" {
		writeError(w, http.StatusNotFound, "scheme not specified")
		return
	}

	if tail == "" {
		svg, err := s.cfg.Renderer.Render(r.Context(), s.cfg.Controller, schemeID)
		if err != nil {
			writeDataErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write([]byte(svg))
		return
	}

	const influxPrefix = "influx/"
	if len(tail) > len(influxPrefix) && tail[:len(influxPrefix)] == influxPrefix {
		svgID := tail[len(influxPrefix):]
		element, err := s.cfg.Resolver.Element(schemeID, svgID)
		if err != nil {
			writeDataErr(w, err)
			return
		}
		limit := r.URL.Query().Get("limit")
		if limit == "" {
			limit = "-1h"
		}
		csv, err := s.cfg.Influx.QueryCSV(r.Context(), element.InfluxQuery, limit)
		if err != nil {
			writeDataErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(csv))
		return
	}

	http.NotFound(w, r)
}

func valuesToJSON(values map[string]data.Value) map[string]any {
	out := make(map[string]any, len(values))
	for id, v := range values {
		if v.IsMulti {
			out[id] = v.Multi
		} else {
			out[id] = v.Single
		}
	}
	return out
}

func echoesToJSON(results map[string]*data.Value) map[string]any {
	out := make(map[string]any, len(results))
	for id, v := range results {
		if v == nil {
			out[id] = nil
			continue
		}
		if v.IsMulti {
			out[id] = v.Multi
		} else {
			out[id] = v.Single
		}
	}
	return out
}

// wsMessage is the shape of one inbound WebSocket text frame.
type wsMessage struct {
	Command string            `json:"command"`
	DataIDs []string          `json:"data_ids"`
	Data    map[string]string `json:"data"`
}

type wsStatus struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func newSubscriberID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// handleWebSocket implements /ws/{module}: get/set/cov commands over
// one socket scoped to a single module.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	module := pathSegment(r.URL.Path, "/ws/")
	if module == "" {
		http.Error(w, "module not specified", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	sendJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	type subscription struct{ id, subscriberID string }
	var subs []subscription
	ctx := context.Background()

	defer func() {
		for _, sub := range subs {
			if err := s.cfg.Controller.RemoveCOV(ctx, module, sub.id, sub.subscriberID); err != nil {
				s.logger.Error().Err(err).Str("id", sub.id).Msg("remove_cov on disconnect failed")
			}
		}
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(buf, &msg); err != nil {
			_ = sendJSON(wsStatus{400, "Invalid message"})
			continue
		}

		switch msg.Command {
		case "get":
			values, err := s.cfg.Controller.GetValues(ctx, module, msg.DataIDs)
			if err != nil {
				_ = sendJSON(wsStatus{dataerr.KindOf(err).HTTPStatus(), err.Error()})
				continue
			}
			_ = sendJSON(valuesToJSON(values))

		case "set":
			results, err := s.cfg.Controller.SetValues(ctx, module, msg.Data)
			if err != nil {
				_ = sendJSON(wsStatus{dataerr.KindOf(err).HTTPStatus(), err.Error()})
				continue
			}
			_ = sendJSON(echoesToJSON(results))

		case "cov":
			for _, id := range msg.DataIDs {
				id := id
				subscriberID := newSubscriberID()
				cb := func(notifiedID string, value data.Value) {
					payload := map[string]any{}
					if value.IsMulti {
						payload[notifiedID] = value.Multi
					} else {
						payload[notifiedID] = value.Single
					}
					if err := sendJSON(payload); err != nil {
						s.logger.Error().Err(err).Str("id", notifiedID).Msg("cov notification send failed")
					}
				}
				ok, err := s.cfg.Controller.RegisterCOV(ctx, module, id, subscriberID, cb)
				if err != nil {
					_ = sendJSON(wsStatus{dataerr.KindOf(err).HTTPStatus(), err.Error()})
					continue
				}
				if ok {
					subs = append(subs, subscription{id: id, subscriberID: subscriberID})
					_ = sendJSON(wsStatus{200, "Subscribed"})
				} else {
					_ = sendJSON(wsStatus{403, "Module does not support COV messages"})
				}
			}

		default:
			_ = sendJSON(wsStatus{400, "Invalid command '" + msg.Command + "'"})
		}
	}
}
