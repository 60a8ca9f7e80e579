package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"returnflow/pkg/audit"
	"returnflow/pkg/engine"
	"returnflow/pkg/httpx"
	"returnflow/pkg/models"
	"returnflow/pkg/store"
	"returnflow/pkg/stream"
)

// statusForKind maps an error kind onto the HTTP status of the envelope.
func statusForKind(kind models.Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case models.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case models.KindUpstreamFailure:
		return http.StatusBadGateway
	case models.KindPolicyNotFound, models.KindSessionNotFound, models.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "server")
	caller, ok := s.Servers[name]
	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown control server "+name)
		return
	}
	var req models.Request
	if err := httpx.DecodeJSON(w, r, &req, s.BodyLimit); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, string(models.KindInvalidRequest), err.Error())
		return
	}
	resp := caller.HandleRequest(r.Context(), req)
	status := http.StatusOK
	if !resp.Success {
		status = statusForKind(resp.ErrorCode)
	}
	httpx.WriteJSON(w, status, resp)
}

const pendingMarker = "pending"

func dedupKey(businessID, decisionID string) string {
	return "decision:" + businessID + ":" + decisionID
}

// handleDecision runs one decision. A request carrying a decisionId (or an
// Idempotency-Key header) is claimed in the cache first; a replay returns
// the stored result instead of deciding twice. Retryable failures are not
// replayed.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var in engine.Request
	if err := httpx.DecodeJSON(w, r, &in, s.BodyLimit); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, string(models.KindInvalidRequest), err.Error())
		return
	}
	if in.BusinessID == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, string(models.KindInvalidRequest), "businessId is required")
		return
	}
	if in.DecisionID == "" {
		in.DecisionID = r.Header.Get("Idempotency-Key")
	}
	if in.AgentID == "" {
		in.AgentID = s.DefaultAgentID
	}
	if in.UserRole == "" {
		in.UserRole = s.DefaultUserRole
	}
	ctx := r.Context()
	key := ""
	if in.DecisionID != "" && s.Cache != nil {
		key = dedupKey(in.BusinessID, in.DecisionID)
		claimed, err := s.Cache.SetNX(ctx, key, pendingMarker, s.DedupTTL)
		if err != nil {
			log.Printf("decision dedup unavailable: %v", err)
			key = ""
		} else if !claimed {
			s.replayDecision(ctx, w, key)
			return
		}
	}
	res := s.Engine.Decide(ctx, in)
	if key != "" {
		s.settle(context.WithoutCancel(ctx), key, res)
	}
	httpx.WriteJSON(w, statusForKind(res.ErrorCode), res)
}

// settle stores a finished result under its dedup key. Retryable failures
// release the key instead so a retry with the same id decides again.
func (s *Server) settle(ctx context.Context, key string, res engine.Result) {
	if res.ErrorCode.Retryable() {
		if err := s.Cache.Del(ctx, key); err != nil {
			log.Printf("decision %s: release dedup key: %v", res.DecisionID, err)
		}
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, key, string(raw), s.DedupTTL); err != nil {
		log.Printf("decision %s: store result: %v", res.DecisionID, err)
	}
}

func (s *Server) replayDecision(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := s.Cache.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrMiss):
		httpx.ErrorCode(w, http.StatusConflict, string(models.KindInvalidRequest), "decision expired while replaying, retry")
		return
	case err != nil:
		httpx.Error(w, http.StatusServiceUnavailable, "decision cache unavailable")
		return
	case raw == pendingMarker:
		httpx.ErrorCode(w, http.StatusConflict, string(models.KindInvalidRequest), "decision already in progress")
		return
	}
	var res engine.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "stored decision unreadable")
		return
	}
	w.Header().Set("Idempotent-Replay", "true")
	httpx.WriteJSON(w, statusForKind(res.ErrorCode), res)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotImplemented, "audit log disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.Audit.List(r.Context(), chi.URLParam(r, "businessId"), limit)
	if err != nil {
		log.Printf("audit list: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"records": recs, "total": len(recs)})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotImplemented, "audit log disabled")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "businessId"), chi.URLParam(r, "decisionId"))
	if err != nil {
		kind := models.KindOf(err)
		if kind != models.KindNotFound {
			log.Printf("audit get: %v", err)
		}
		httpx.ErrorCode(w, statusForKind(kind), string(kind), err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// streamEvents relays hub events for one business, or all businesses when
// businessId is omitted, over a websocket.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSOrigins) > 0 {
		opts.OriginPatterns = s.WSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	businessID := r.URL.Query().Get("businessId")
	sub := s.Events.Subscribe(64, businessID)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", businessID, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
