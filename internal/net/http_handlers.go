// Package net wires the REST surface the polling clients consume and the
// websocket endpoint the realtime channels ride on.
package net

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"strconv"
	"time"

	"sparc/server/internal/adventure"
	"sparc/server/internal/ai"
	"sparc/server/internal/character"
	"sparc/server/internal/dice"
	"sparc/server/internal/game"
	"sparc/server/internal/net/proto"
	"sparc/server/internal/net/ws"
	"sparc/server/internal/realtime"
	"sparc/server/internal/session"
	"sparc/server/internal/storage"
	"sparc/server/internal/telemetry"
	"sparc/server/logging"
)

const defaultRecentRollLimit = 20

// Services bundles everything the HTTP surface fronts.
type Services struct {
	Sessions   *session.Service
	Characters *character.Service
	Dice       *dice.Engine
	Store      *storage.Store
	Hub        *realtime.Hub
	Adventure  *adventure.Tracker
	Narrator   ai.Narrator
	Monitor    *ai.Monitor
	WS         *ws.Handler
}

type HTTPHandlerConfig struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
}

// NewHTTPHandler builds the route table.
func NewHTTPHandler(svc Services, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}

	h := &httpHandlers{svc: svc, logger: logger, publisher: publisher}
	mux := nethttp.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	if svc.WS != nil {
		mux.HandleFunc("GET /ws", svc.WS.Handle)
	}

	mux.HandleFunc("POST /sessions", h.createSession)
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/{id}", h.getSession)
	mux.HandleFunc("POST /sessions/{id}/join", h.joinSession)
	mux.HandleFunc("POST /sessions/{id}/leave", h.leaveSession)
	mux.HandleFunc("POST /sessions/{id}/start", h.startSession)
	mux.HandleFunc("POST /sessions/{id}/turn", h.advanceTurn)
	mux.HandleFunc("POST /sessions/{id}/node", h.setNode)
	mux.HandleFunc("POST /sessions/{id}/pause", h.pauseSession)
	mux.HandleFunc("POST /sessions/{id}/resume", h.resumeSession)
	mux.HandleFunc("POST /sessions/{id}/end", h.endSession)

	mux.HandleFunc("POST /dice/roll/{id}", h.rollDice)
	mux.HandleFunc("GET /dice/recent/{id}", h.recentRolls)
	mux.HandleFunc("GET /dice/stats/{id}", h.diceStats)

	mux.HandleFunc("POST /characters", h.createCharacter)
	mux.HandleFunc("POST /characters/batch", h.characterBatch)

	mux.HandleFunc("GET /ai/performance", h.aiPerformance)
	mux.HandleFunc("POST /ai/narrate", h.narrate)

	mux.HandleFunc("POST /adventure/begin/{id}", h.beginAdventure)
	mux.HandleFunc("POST /adventure/visit/{id}", h.visitNode)
	mux.HandleFunc("GET /adventure/progress/{id}", h.adventureProgress)

	return mux
}

type httpHandlers struct {
	svc       Services
	logger    telemetry.Logger
	publisher logging.Publisher
}

func (h *httpHandlers) createSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		SeerID      string `json:"seerId"`
		Name        string `json:"name"`
		AdventureID string `json:"adventureId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := h.svc.Sessions.Create(r.Context(), req.SeerID, req.Name, req.AdventureID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusCreated, sess)
}

func (h *httpHandlers) listSessions(w nethttp.ResponseWriter, r *nethttp.Request) {
	status := game.SessionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = game.SessionWaiting
	}
	if !status.Valid() {
		httpError(w, "unknown status", nethttp.StatusBadRequest)
		return
	}
	sessions, err := h.svc.Sessions.ListByStatus(r.Context(), status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{"sessions": sessions})
}

func (h *httpHandlers) getSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	sess, err := h.svc.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, sess)
}

func (h *httpHandlers) joinSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		CharacterID string `json:"characterId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := h.svc.Sessions.Join(r.Context(), r.PathValue("id"), req.CharacterID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, sess)
}

func (h *httpHandlers) leaveSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		CharacterID string `json:"characterId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := h.svc.Sessions.Leave(r.Context(), r.PathValue("id"), req.CharacterID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, sess)
}

func (h *httpHandlers) startSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	sess, order, err := h.svc.Sessions.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{"session": sess, "order": order})
}

func (h *httpHandlers) advanceTurn(w nethttp.ResponseWriter, r *nethttp.Request) {
	sess, err := h.svc.Sessions.AdvanceTurn(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"session": sess,
		"round":   h.svc.Sessions.Round(sess.ID),
	})
}

func (h *httpHandlers) setNode(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		NodeID string `json:"nodeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		httpError(w, "missing nodeId", nethttp.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	sess, err := h.svc.Sessions.SetCurrentNode(r.Context(), id, req.NodeID)
	if err != nil {
		h.fail(w, err)
		return
	}
	// Node transitions double as progress visits once the session has an
	// adventure running.
	if h.svc.Adventure != nil {
		if _, err := h.svc.Adventure.RecordVisit(r.Context(), id, req.NodeID); err != nil && !errors.Is(err, adventure.ErrNotStarted) {
			h.logger.Printf("record visit for %s failed: %v", id, err)
		}
	}
	writeJSON(w, nethttp.StatusOK, sess)
}

func (h *httpHandlers) pauseSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	sess, err := h.svc.Sessions.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, sess)
}

func (h *httpHandlers) resumeSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	sess, err := h.svc.Sessions.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, sess)
}

func (h *httpHandlers) endSession(w nethttp.ResponseWriter, r *nethttp.Request) {
	sess, err := h.svc.Sessions.End(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, sess)
}

func (h *httpHandlers) rollDice(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		ActorID    string        `json:"actorId"`
		ActorName  string        `json:"actorName"`
		Kind       game.RollKind `json:"kind"`
		Count      int           `json:"count"`
		Modifier   int           `json:"modifier"`
		Difficulty int           `json:"difficulty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sessionID := r.PathValue("id")

	roll, err := h.svc.Dice.Roll(dice.RollRequest{
		SessionID:  sessionID,
		ActorID:    req.ActorID,
		ActorName:  req.ActorName,
		Kind:       req.Kind,
		Count:      req.Count,
		Modifier:   req.Modifier,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if h.svc.Store != nil {
		if err := h.svc.Store.AppendRoll(r.Context(), roll); err != nil {
			h.logger.Printf("persist roll %s failed: %v", roll.ID, err)
		}
	}
	if h.svc.Hub != nil {
		if payload, err := json.Marshal(roll); err == nil {
			h.svc.Hub.Broadcast(proto.CombatTopic(sessionID), "dice_roll", payload, nil)
		}
	}
	h.publisher.Publish(r.Context(), logging.Event{
		Type:     logging.EventDiceRolled,
		Time:     time.Now().UTC(),
		Actor:    logging.EntityRef{ID: req.ActorID, Kind: logging.EntityKindPlayer},
		Session:  sessionID,
		Category: logging.CategoryDice,
		Severity: logging.SeverityInfo,
		Payload:  roll,
	})
	writeJSON(w, nethttp.StatusOK, roll)
}

func (h *httpHandlers) recentRolls(w nethttp.ResponseWriter, r *nethttp.Request) {
	limit := defaultRecentRollLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpError(w, "invalid limit", nethttp.StatusBadRequest)
			return
		}
		limit = parsed
	}
	rolls, err := h.svc.Store.RecentRolls(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if rolls == nil {
		rolls = []game.DiceRollEvent{}
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{"rolls": rolls})
}

func (h *httpHandlers) diceStats(w nethttp.ResponseWriter, r *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, h.svc.Dice.SessionStats(r.PathValue("id")))
}

func (h *httpHandlers) createCharacter(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		UserID      string              `json:"userId"`
		Name        string              `json:"name"`
		Class       game.CharacterClass `json:"class"`
		PrimaryStat string              `json:"primaryStat"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := h.svc.Characters.Create(r.Context(), req.UserID, req.Name, req.Class, req.PrimaryStat)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusCreated, ch)
}

func (h *httpHandlers) characterBatch(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	characters, err := h.svc.Characters.Batch(r.Context(), req.IDs)
	if err != nil {
		h.fail(w, err)
		return
	}
	if characters == nil {
		characters = []game.Character{}
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{"characters": characters})
}

func (h *httpHandlers) aiPerformance(w nethttp.ResponseWriter, r *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, h.svc.Monitor.Report())
}

func (h *httpHandlers) narrate(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req ai.NarrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	narration, err := h.svc.Narrator.Narrate(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	if h.svc.Monitor != nil {
		h.svc.Monitor.ObserveNarration(narration.Elapsed)
	}
	writeJSON(w, nethttp.StatusOK, narration)
}

func (h *httpHandlers) beginAdventure(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		AdventureID string `json:"adventureId"`
		TotalNodes  int    `json:"totalNodes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	progress, err := h.svc.Adventure.Begin(r.Context(), r.PathValue("id"), req.AdventureID, req.TotalNodes)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusCreated, progress)
}

func (h *httpHandlers) visitNode(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req struct {
		NodeID string `json:"nodeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	progress, err := h.svc.Adventure.RecordVisit(r.Context(), r.PathValue("id"), req.NodeID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, progress)
}

func (h *httpHandlers) adventureProgress(w nethttp.ResponseWriter, r *nethttp.Request) {
	progress, err := h.svc.Adventure.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, progress)
}

// fail maps service errors onto HTTP status codes. Poller clients surface
// the status text as the fetch error, so the text stays short.
func (h *httpHandlers) fail(w nethttp.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, adventure.ErrNotStarted):
		httpError(w, err.Error(), nethttp.StatusNotFound)
	case errors.Is(err, session.ErrNotJoinable),
		errors.Is(err, session.ErrSessionFull),
		errors.Is(err, session.ErrAlreadyJoined),
		errors.Is(err, session.ErrNotJoined),
		errors.Is(err, session.ErrNotStartable),
		errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrNotPaused),
		errors.Is(err, session.ErrAlreadyEnded),
		errors.Is(err, session.ErrNoPlayers):
		httpError(w, err.Error(), nethttp.StatusConflict)
	case errors.Is(err, session.ErrUnknownCharacter),
		errors.Is(err, character.ErrUnknownClass),
		errors.Is(err, character.ErrInvalidPrimary),
		errors.Is(err, character.ErrEmptyName),
		errors.Is(err, dice.ErrInvalidDiceCount),
		errors.Is(err, dice.ErrInvalidDifficulty):
		httpError(w, err.Error(), nethttp.StatusBadRequest)
	default:
		h.logger.Printf("request failed: %v", err)
		httpError(w, "internal error", nethttp.StatusInternalServerError)
	}
}

func decodeBody(w nethttp.ResponseWriter, r *nethttp.Request, dst any) bool {
	if r.Body == nil {
		httpError(w, "missing body", nethttp.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, "invalid payload", nethttp.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w nethttp.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
