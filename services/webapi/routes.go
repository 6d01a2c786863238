package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"devicelink-go/errcode"
	"devicelink-go/services/netmgr"
	"devicelink-go/services/ota"
	"devicelink-go/services/status"
	"devicelink-go/types"
)

const maxConfigBody = 4 << 10

// registerRoutes wires all API v1 routes into the server mux.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/time", s.handleTime)

	// Bearers
	s.mux.HandleFunc("GET /api/v1/net/{bearer}", s.handleInfo)
	s.mux.HandleFunc("GET /api/v1/net/{bearer}/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/v1/net/{bearer}/config", s.handleSetConfig)
	s.mux.HandleFunc("POST /api/v1/net/{bearer}/apply", s.handleVerb(netmgr.VerbApply))
	s.mux.HandleFunc("POST /api/v1/net/{bearer}/disconnect", s.handleVerb(netmgr.VerbDisconnect))
	s.mux.HandleFunc("POST /api/v1/net/{bearer}/reconnect", s.handleVerb(netmgr.VerbReconnect))

	// Firmware
	s.mux.HandleFunc("POST /api/v1/ota", s.handleOTA)
}

// statusView is the status document. Phases appear both as names and as
// their stable numeric codes.
type statusView struct {
	status.Snapshot
	BearerCodes  map[string]uint8 `json:"bearer_status"`
	UpdateStatus uint8            `json:"update_status"`
	BuildVersion string           `json:"build_version"`
	BuildTime    string           `json:"build_time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.status.Snapshot()
	codes := make(map[string]uint8, len(snap.Bearers))
	for b, p := range snap.Bearers {
		codes[b] = uint8(p)
	}
	writeJSON(w, http.StatusOK, statusView{
		Snapshot:     snap,
		BearerCodes:  codes,
		UpdateStatus: uint8(snap.Update),
		BuildVersion: s.opts.Build.Version,
		BuildTime:    s.opts.Build.Time,
	})
}

// handleTime reports local time once the clock has been synchronised, and
// an empty string before that.
func (s *Server) handleTime(w http.ResponseWriter, _ *http.Request) {
	t := ""
	if s.status.Snapshot().TimeReady {
		t = s.opts.Clock.Now().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]string{"time": t})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	res, err := s.request(r.Context(), r.PathValue("bearer"), netmgr.VerbInfo, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// configView is the user-facing config: the loose wire form plus the
// hardware address.
type configView struct {
	types.BearerConfigWire
	MAC string `json:"mac,omitempty"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	bearer := r.PathValue("bearer")
	res, err := s.request(r.Context(), bearer, netmgr.VerbGetConfig, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cfg, ok := res.(types.BearerConfig)
	if !ok {
		s.writeError(w, errcode.New(errcode.Error, "webapi.config", "unexpected reply"))
		return
	}
	view := configView{BearerConfigWire: cfg.Wire()}
	if info, err := s.request(r.Context(), bearer, netmgr.VerbInfo, nil); err == nil {
		if bi, ok := info.(types.BearerInfo); ok {
			view.MAC = bi.MAC
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	bearer := r.PathValue("bearer")
	var wire types.BearerConfigWire
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		s.writeError(w, &errcode.E{C: errcode.InvalidPayload, Op: "webapi.config", Msg: "invalid JSON", Err: err})
		return
	}
	cfg, err := wire.Parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.request(r.Context(), bearer, netmgr.VerbSetConfig, cfg); err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{"ok": true, "applied": false}
	if r.URL.Query().Get("apply") == "1" {
		_, err := s.request(r.Context(), bearer, netmgr.VerbApply, nil)
		switch errcode.Of(err) {
		case errcode.OK:
			resp["applied"] = true
		case errcode.NotBound:
			// Stored; it takes effect on the next link-up.
			resp["reason"] = string(errcode.NotBound)
		default:
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerb(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.request(r.Context(), r.PathValue("bearer"), verb, nil); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.OKReply{OK: true})
	}
}

// handleOTA streams a framed image into the update pipeline. The image
// length comes from X-Image-Length, or from Content-Length with the framing
// header deducted.
func (s *Server) handleOTA(w http.ResponseWriter, r *http.Request) {
	req := ota.Request{Body: r.Body}
	if h := r.Header.Get("X-Image-Length"); h != "" {
		n, err := strconv.ParseInt(h, 10, 64)
		if err != nil || n <= 0 {
			s.writeError(w, errcode.New(errcode.InvalidParams, "webapi.ota", "bad X-Image-Length "+h))
			return
		}
		req.Length = n
	} else if r.ContentLength > 0 {
		req.Length = r.ContentLength
		req.LengthIncludesFraming = true
	} else {
		writeJSON(w, http.StatusLengthRequired, apiError{Error: string(errcode.InvalidParams), Message: "length required"})
		return
	}

	res, err := s.updater.Receive(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// request sends verb to the bearer's connection manager and waits for the
// reply. Error replies come back as errcode errors.
func (s *Server) request(ctx context.Context, bearer, verb string, payload any) (any, error) {
	op := "net." + verb
	if !s.bearers[bearer] {
		return nil, errcode.New(errcode.UnknownBearer, op, bearer)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	reply, err := s.conn.RequestWait(ctx, s.conn.NewMessage(netmgr.ControlTopic(bearer, verb), payload, false))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errcode.Wrap(errcode.Timeout, op, err)
		}
		return nil, errcode.Wrap(errcode.Error, op, err)
	}
	if e, ok := reply.Payload.(types.ErrorReply); ok {
		return nil, errcode.New(errcode.Code(e.Error), op, bearer)
	}
	return reply.Payload, nil
}

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

type apiError struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HTTPStatus maps an error code to a response status.
func HTTPStatus(c errcode.Code) int {
	switch c {
	case errcode.OK:
		return http.StatusOK
	case errcode.ConfigInvalid, errcode.InvalidPayload, errcode.InvalidParams,
		errcode.FramingError, errcode.TransferError:
		return http.StatusBadRequest
	case errcode.Busy, errcode.NotBound:
		return http.StatusConflict
	case errcode.NotFound, errcode.UnknownBearer:
		return http.StatusNotFound
	case errcode.Unsupported:
		return http.StatusNotImplemented
	case errcode.Timeout:
		return http.StatusGatewayTimeout
	case errcode.Stopped:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errcode.Of(err)
	st := HTTPStatus(code)
	if st >= http.StatusInternalServerError {
		s.log.Error("request failed", "code", string(code), "err", err)
	}
	writeJSON(w, st, apiError{Error: string(code), Message: err.Error()})
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
