package net

import (
	"bytes"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"sparc/server/internal/adventure"
	"sparc/server/internal/ai"
	"sparc/server/internal/character"
	"sparc/server/internal/dice"
	"sparc/server/internal/game"
	"sparc/server/internal/net/ws"
	"sparc/server/internal/realtime"
	"sparc/server/internal/session"
	"sparc/server/internal/storage"
)

type testEnv struct {
	srv   *httptest.Server
	store *storage.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "sparc.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := realtime.NewHub(realtime.Config{})
	engine := dice.NewEngine(dice.WithSeed(11))
	monitor := ai.NewMonitor(engine.Latency())

	handler := NewHTTPHandler(Services{
		Sessions:   session.NewService(store, engine, hub, nil),
		Characters: character.NewService(store),
		Dice:       engine,
		Store:      store,
		Hub:        hub,
		Adventure:  adventure.NewTracker(store),
		Narrator:   ai.NewStubNarrator(ai.WithStubSeed(3)),
		Monitor:    monitor,
		WS:         ws.NewHandler(hub, ws.HandlerConfig{}),
	}, HTTPHandlerConfig{})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) *nethttp.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := nethttp.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := nethttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response for %s %s: %v", method, path, err)
		}
	}
	return resp
}

func (e *testEnv) createCharacter(t *testing.T, userID, name string) game.Character {
	t.Helper()
	var ch game.Character
	resp := e.do(t, "POST", "/characters", map[string]any{
		"userId": userID, "name": name, "class": "warrior", "primaryStat": "str",
	}, &ch)
	if resp.StatusCode != nethttp.StatusCreated {
		t.Fatalf("create character: status %d", resp.StatusCode)
	}
	return ch
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, "GET", "/healthz", nil, nil)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSessionLifecycleOverREST(t *testing.T) {
	env := newTestEnv(t)

	var sess game.Session
	resp := env.do(t, "POST", "/sessions", map[string]any{
		"seerId": "seer-1", "name": "Vale",
	}, &sess)
	if resp.StatusCode != nethttp.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	if sess.Status != game.SessionWaiting {
		t.Fatalf("expected waiting, got %s", sess.Status)
	}

	ch := env.createCharacter(t, "user-1", "Bronn")
	resp = env.do(t, "POST", "/sessions/"+sess.ID+"/join", map[string]any{"characterId": ch.ID}, &sess)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("join: status %d", resp.StatusCode)
	}

	extra := env.createCharacter(t, "user-2", "Lyra")
	env.do(t, "POST", "/sessions/"+sess.ID+"/join", map[string]any{"characterId": extra.ID}, nil)
	resp = env.do(t, "POST", "/sessions/"+sess.ID+"/leave", map[string]any{"characterId": extra.ID}, &sess)
	if resp.StatusCode != nethttp.StatusOK || len(sess.PlayerCharacters) != 1 {
		t.Fatalf("leave: status %d roster %v", resp.StatusCode, sess.PlayerCharacters)
	}
	resp = env.do(t, "POST", "/sessions/"+sess.ID+"/leave", map[string]any{"characterId": extra.ID}, nil)
	if resp.StatusCode != nethttp.StatusConflict {
		t.Fatalf("expected 409 for repeat leave, got %d", resp.StatusCode)
	}

	var started struct {
		Session game.Session           `json:"session"`
		Order   []game.InitiativeEntry `json:"order"`
	}
	resp = env.do(t, "POST", "/sessions/"+sess.ID+"/start", nil, &started)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	if started.Session.Status != game.SessionActive || len(started.Order) != 1 {
		t.Fatalf("unexpected start result %+v", started)
	}

	// Poller fetch path.
	var fetched game.Session
	resp = env.do(t, "GET", "/sessions/"+sess.ID, nil, &fetched)
	if resp.StatusCode != nethttp.StatusOK || fetched.Status != game.SessionActive {
		t.Fatalf("get: status %d session %+v", resp.StatusCode, fetched)
	}

	resp = env.do(t, "POST", "/sessions/"+sess.ID+"/end", nil, &fetched)
	if resp.StatusCode != nethttp.StatusOK || fetched.Status != game.SessionEnded {
		t.Fatalf("end: status %d session %+v", resp.StatusCode, fetched)
	}
}

func TestJoinConflictsSurfaceAsStatusText(t *testing.T) {
	env := newTestEnv(t)

	var sess game.Session
	env.do(t, "POST", "/sessions", map[string]any{"seerId": "seer-1", "name": "Vale"}, &sess)
	ch := env.createCharacter(t, "user-1", "Bronn")
	env.do(t, "POST", "/sessions/"+sess.ID+"/join", map[string]any{"characterId": ch.ID}, nil)
	env.do(t, "POST", "/sessions/"+sess.ID+"/start", nil, nil)

	late := env.createCharacter(t, "user-2", "Lyra")
	resp := env.do(t, "POST", "/sessions/"+sess.ID+"/join", map[string]any{"characterId": late.ID}, nil)
	if resp.StatusCode != nethttp.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp = env.do(t, "GET", "/sessions/no-such-session", nil, nil)
	if resp.StatusCode != nethttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDiceRollAndRecent(t *testing.T) {
	env := newTestEnv(t)

	var roll game.DiceRollEvent
	resp := env.do(t, "POST", "/dice/roll/sess-1", map[string]any{
		"actorId": "char-1", "actorName": "Bronn", "kind": "attack",
		"count": 3, "modifier": 1, "difficulty": 10,
	}, &roll)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("roll: status %d", resp.StatusCode)
	}
	if len(roll.Faces) != 3 || roll.Total < 4 || roll.Total > 19 {
		t.Fatalf("unexpected roll %+v", roll)
	}

	resp = env.do(t, "POST", "/dice/roll/sess-1", map[string]any{
		"actorId": "char-1", "actorName": "Bronn", "kind": "attack", "count": 30,
	}, nil)
	if resp.StatusCode != nethttp.StatusBadRequest {
		t.Fatalf("expected 400 for oversized pool, got %d", resp.StatusCode)
	}

	for i := 0; i < 25; i++ {
		env.do(t, "POST", "/dice/roll/sess-1", map[string]any{
			"actorId": "char-1", "actorName": "Bronn", "kind": "damage", "count": 1,
		}, nil)
	}
	var recent struct {
		Rolls []game.DiceRollEvent `json:"rolls"`
	}
	resp = env.do(t, "GET", "/dice/recent/sess-1", nil, &recent)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("recent: status %d", resp.StatusCode)
	}
	if len(recent.Rolls) != 20 {
		t.Fatalf("expected default limit 20, got %d", len(recent.Rolls))
	}
}

func TestCharacterBatchSkipsUnknownIDs(t *testing.T) {
	env := newTestEnv(t)

	a := env.createCharacter(t, "user-1", "Bronn")
	b := env.createCharacter(t, "user-2", "Lyra")

	var out struct {
		Characters []game.Character `json:"characters"`
	}
	resp := env.do(t, "POST", "/characters/batch", map[string]any{
		"ids": []string{a.ID, "char-missing", b.ID},
	}, &out)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("batch: status %d", resp.StatusCode)
	}
	if len(out.Characters) != 2 {
		t.Fatalf("expected 2 characters, got %d", len(out.Characters))
	}
}

func TestAIPerformanceReport(t *testing.T) {
	env := newTestEnv(t)

	var narration ai.Narration
	resp := env.do(t, "POST", "/ai/narrate", map[string]any{
		"sessionId": "sess-1", "prompt": "the gate swings wide",
	}, &narration)
	if resp.StatusCode != nethttp.StatusOK || narration.Text == "" {
		t.Fatalf("narrate: status %d narration %+v", resp.StatusCode, narration)
	}

	var report ai.Report
	resp = env.do(t, "GET", "/ai/performance", nil, &report)
	if resp.StatusCode != nethttp.StatusOK {
		t.Fatalf("performance: status %d", resp.StatusCode)
	}
	if report.Narration.Samples != 1 {
		t.Fatalf("expected 1 narration sample, got %d", report.Narration.Samples)
	}
	if report.Dice.TargetMS != 100 || report.Narration.TargetMS != 3000 {
		t.Fatalf("unexpected targets %+v", report)
	}
}

func TestAdventureProgressEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/adventure/progress/sess-1", nil, nil)
	if resp.StatusCode != nethttp.StatusNotFound {
		t.Fatalf("expected 404 before begin, got %d", resp.StatusCode)
	}

	var progress game.AdventureProgress
	resp = env.do(t, "POST", "/adventure/begin/sess-1", map[string]any{
		"adventureId": "adv-1", "totalNodes": 4,
	}, &progress)
	if resp.StatusCode != nethttp.StatusCreated {
		t.Fatalf("begin: status %d", resp.StatusCode)
	}

	for i, node := range []string{"node-a", "node-b"} {
		resp = env.do(t, "POST", "/adventure/visit/sess-1", map[string]any{"nodeId": node}, &progress)
		if resp.StatusCode != nethttp.StatusOK {
			t.Fatalf("visit %d: status %d", i, resp.StatusCode)
		}
	}
	if progress.Percent != 50 {
		t.Fatalf("expected 50%%, got %v", progress.Percent)
	}
}

func TestNodeTransitionRecordsVisit(t *testing.T) {
	env := newTestEnv(t)

	var sess game.Session
	env.do(t, "POST", "/sessions", map[string]any{"seerId": "seer-1", "name": "Vale"}, &sess)
	env.do(t, "POST", "/adventure/begin/"+sess.ID, map[string]any{"adventureId": "adv-1", "totalNodes": 2}, nil)

	resp := env.do(t, "POST", "/sessions/"+sess.ID+"/node", map[string]any{"nodeId": "node-a"}, &sess)
	if resp.StatusCode != nethttp.StatusOK || sess.CurrentNodeID != "node-a" {
		t.Fatalf("node: status %d session %+v", resp.StatusCode, sess)
	}

	var progress game.AdventureProgress
	env.do(t, "GET", "/adventure/progress/"+sess.ID, nil, &progress)
	if len(progress.VisitedNodes) != 1 || progress.VisitedNodes[0] != "node-a" {
		t.Fatalf("visit not recorded: %+v", progress)
	}
}

func TestListSessionsByStatus(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.do(t, "POST", "/sessions", map[string]any{"seerId": "seer-1", "name": fmt.Sprintf("Vale %d", i)}, nil)
	}
	var out struct {
		Sessions []game.Session `json:"sessions"`
	}
	resp := env.do(t, "GET", "/sessions?status=waiting", nil, &out)
	if resp.StatusCode != nethttp.StatusOK || len(out.Sessions) != 3 {
		t.Fatalf("list: status %d sessions %d", resp.StatusCode, len(out.Sessions))
	}

	resp = env.do(t, "GET", "/sessions?status=loud", nil, nil)
	if resp.StatusCode != nethttp.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", resp.StatusCode)
	}
}
