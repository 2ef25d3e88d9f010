package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"feedoracle/core/events"
	"feedoracle/services/oracled/audit"
)

const (
	wsWriteTimeout = 10 * time.Second
	streamBuffer   = 256
)

var errAuditDisabled = errors.New("audit log disabled")

func (s *Server) requireAudit(w http.ResponseWriter) bool {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errAuditDisabled.Error()})
		return false
	}
	return true
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{Type: q.Get("type"), Emitter: q.Get("emitter")}
	if raw := q.Get("feedId"); raw != "" {
		feedID, err := parseUint32(raw)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.FeedID = &feedID
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return audit.Filter{}, errors.New("invalid limit " + strconv.Quote(raw))
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireAudit(w) {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	records, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// exportEvents streams the filtered records as a Parquet file.
func (s *Server) exportEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireAudit(w) {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	records, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="oracled-events.parquet"`)
	if err := audit.WriteParquet(w, records); err != nil {
		s.logger.Error("oracled: parquet export failed", "error", err)
	}
}

func (s *Server) verifyEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireAudit(w) {
		return
	}
	v, err := s.audit.Verify(r.Context())
	if errors.Is(err, audit.ErrChainBroken) {
		writeJSON(w, http.StatusConflict, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "records": v.Records, "head": v.Head})
}

// streamEvents upgrades to a websocket and forwards committed events as they
// are emitted. ?type= takes a comma separated list of event types.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event stream disabled"})
		return
	}
	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	ch, cancel := s.events.Subscribe(streamBuffer, types...)
	defer cancel()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := forwardEvents(ctx, conn, ch); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func forwardEvents(ctx context.Context, conn *websocket.Conn, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			payload, ok := evt.(events.Payload)
			if !ok || payload.Event() == nil {
				continue
			}
			data, err := json.Marshal(payload.Event())
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
