package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crucible/internal/protocol"
	"crucible/internal/sim/engine"
	"crucible/internal/sim/tuning"
	"crucible/internal/sim/worldstate"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := worldstate.NewStore(worldstate.Config{
		Simulations: []worldstate.SimSpec{
			{
				ID:           "sim_a",
				Security:     1,
				NativeImpact: 20,
				Zones:        []worldstate.ZoneSpec{{ID: "z1", Stability: 0.8}},
				Embassies:    []worldstate.EmbassySpec{{To: "sim_b", Effectiveness: 0.6}},
			},
			{
				ID:           "sim_b",
				Security:     1,
				NativeImpact: 20,
				Zones:        []worldstate.ZoneSpec{{ID: "z1", Stability: 0.4}},
			},
		},
		Connections: []worldstate.ConnectionSpec{
			{From: "sim_a", To: "sim_b", Strength: 0.8},
		},
	})
	seq := 0
	mgr := engine.NewManager(engine.Options{
		Tune:   tuning.Defaults(),
		World:  store,
		Writer: store,
		Graph:  store,
		Gen:    worldstate.StaticGenerator{},
		Clock:  time.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("%06d", seq)
		},
		Logger: log.New(io.Discard, "", 0),
	})
	mux := http.NewServeMux()
	NewServer(mgr, log.New(io.Discard, "", 0)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, []byte) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func getJSON(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func createEpoch(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, raw := postJSON(t, srv, "/v1/epochs", map[string]any{"creator_id": "admin", "preset": "BALANCED", "seed": 1})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, raw)
	}
	var snap struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("empty epoch id")
	}
	return snap.ID
}

func TestEpochLifecycleOverHTTP(t *testing.T) {
	srv := testServer(t)
	id := createEpoch(t, srv)

	for _, sim := range []string{"sim_a", "sim_b"} {
		resp, raw := postJSON(t, srv, "/v1/epochs/"+id+"/join", map[string]string{"simulation_id": sim})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("join %s status %d: %s", sim, resp.StatusCode, raw)
		}
	}

	resp, raw := getJSON(t, srv, "/v1/epochs/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %d", resp.StatusCode)
	}
	var snap struct {
		Phase        string `json:"phase"`
		Participants []struct {
			SimulationID string `json:"simulation_id"`
		} `json:"participants"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Phase != "LOBBY" || len(snap.Participants) != 2 {
		t.Fatalf("snapshot phase=%s participants=%d", snap.Phase, len(snap.Participants))
	}

	resp, raw = postJSON(t, srv, "/v1/epochs/"+id+"/advance", map[string]string{"actor_id": "admin"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode advance: %v", err)
	}
	if snap.Phase != "FOUNDATION" {
		t.Fatalf("phase after advance = %s", snap.Phase)
	}

	resp, _ = getJSON(t, srv, "/v1/epochs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
}

func TestReadyResolvesCycleOverHTTP(t *testing.T) {
	srv := testServer(t)
	id := createEpoch(t, srv)
	for _, sim := range []string{"sim_a", "sim_b"} {
		postJSON(t, srv, "/v1/epochs/"+id+"/join", map[string]string{"simulation_id": sim})
	}
	// lobby -> foundation -> competition
	postJSON(t, srv, "/v1/epochs/"+id+"/advance", map[string]string{"actor_id": "admin"})
	postJSON(t, srv, "/v1/epochs/"+id+"/advance", map[string]string{"actor_id": "admin"})

	resp, raw := postJSON(t, srv, "/v1/epochs/"+id+"/ready", map[string]any{"simulation_id": "sim_a", "ready": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d: %s", resp.StatusCode, raw)
	}
	var readiness struct {
		Ready int `json:"ready"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(raw, &readiness); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if readiness.Ready != 1 || readiness.Total != 2 {
		t.Fatalf("readiness %d/%d", readiness.Ready, readiness.Total)
	}

	postJSON(t, srv, "/v1/epochs/"+id+"/ready", map[string]any{"simulation_id": "sim_b", "ready": true})

	_, raw = getJSON(t, srv, "/v1/epochs/"+id)
	var snap struct {
		Cycle int `json:"cycle"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Cycle != 1 {
		t.Fatalf("cycle = %d, want 1 after full readiness", snap.Cycle)
	}
}

func TestDeployAndMissionsOverHTTP(t *testing.T) {
	srv := testServer(t)
	id := createEpoch(t, srv)
	for _, sim := range []string{"sim_a", "sim_b"} {
		postJSON(t, srv, "/v1/epochs/"+id+"/join", map[string]string{"simulation_id": sim})
	}
	postJSON(t, srv, "/v1/epochs/"+id+"/advance", map[string]string{"actor_id": "admin"})
	postJSON(t, srv, "/v1/epochs/"+id+"/advance", map[string]string{"actor_id": "admin"})

	resp, raw := postJSON(t, srv, "/v1/epochs/"+id+"/operatives", map[string]string{
		"type": "SPY", "source_sim": "sim_a", "target_sim": "sim_b",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deploy status %d: %s", resp.StatusCode, raw)
	}
	var mission struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &mission); err != nil {
		t.Fatalf("decode mission: %v", err)
	}
	if mission.Status != "DEPLOYING" {
		t.Fatalf("mission status = %s", mission.Status)
	}

	resp, raw = getJSON(t, srv, "/v1/epochs/"+id+"/missions?simulation_id=sim_a")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("missions status %d", resp.StatusCode)
	}
	var missions struct {
		Missions []json.RawMessage `json:"missions"`
	}
	if err := json.Unmarshal(raw, &missions); err != nil {
		t.Fatalf("decode missions: %v", err)
	}
	if len(missions.Missions) != 1 {
		t.Fatalf("missions = %d, want 1", len(missions.Missions))
	}

	resp, raw = postJSON(t, srv, "/v1/epochs/"+id+"/operatives/"+mission.ID+"/recall", map[string]string{"simulation_id": "sim_a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recall status %d: %s", resp.StatusCode, raw)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := testServer(t)

	cases := []struct {
		name   string
		do     func(id string) (*http.Response, []byte)
		status int
		code   string
	}{
		{
			name: "unknown epoch",
			do: func(string) (*http.Response, []byte) {
				resp, raw := getJSON(t, srv, "/v1/epochs/nope")
				return resp, raw
			},
			status: http.StatusNotFound,
			code:   protocol.ErrEpochNotFound,
		},
		{
			name: "advance by non-creator",
			do: func(id string) (*http.Response, []byte) {
				return postJSON(t, srv, "/v1/epochs/"+id+"/advance", map[string]string{"actor_id": "sim_a"})
			},
			status: http.StatusForbidden,
			code:   protocol.ErrNoPermission,
		},
		{
			name: "deploy outside active phase",
			do: func(id string) (*http.Response, []byte) {
				return postJSON(t, srv, "/v1/epochs/"+id+"/operatives", map[string]string{
					"type": "SPY", "source_sim": "sim_a", "target_sim": "sim_b",
				})
			},
			status: http.StatusConflict,
			code:   protocol.ErrPhaseTransition,
		},
		{
			name: "malformed body",
			do: func(id string) (*http.Response, []byte) {
				resp, err := http.Post(srv.URL+"/v1/epochs/"+id+"/join", "application/json", bytes.NewReader([]byte("{")))
				if err != nil {
					t.Fatalf("POST: %v", err)
				}
				defer resp.Body.Close()
				raw, _ := io.ReadAll(resp.Body)
				return resp, raw
			},
			status: http.StatusBadRequest,
			code:   protocol.ErrProtoBadRequest,
		},
	}

	id := createEpoch(t, srv)
	for _, sim := range []string{"sim_a", "sim_b"} {
		postJSON(t, srv, "/v1/epochs/"+id+"/join", map[string]string{"simulation_id": sim})
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := tc.do(id)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tc.status, raw)
			}
			var ack protocol.AckMsg
			if err := json.Unmarshal(raw, &ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			if ack.OK || ack.Code != tc.code {
				t.Fatalf("ack = %+v, want code %s", ack, tc.code)
			}
		})
	}
}

func TestTeamsOverHTTP(t *testing.T) {
	srv := testServer(t)
	id := createEpoch(t, srv)
	for _, sim := range []string{"sim_a", "sim_b"} {
		postJSON(t, srv, "/v1/epochs/"+id+"/join", map[string]string{"simulation_id": sim})
	}
	postJSON(t, srv, "/v1/epochs/"+id+"/advance", map[string]string{"actor_id": "admin"})

	resp, raw := postJSON(t, srv, "/v1/epochs/"+id+"/teams", map[string]string{"simulation_id": "sim_a", "name": "axis"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create team status %d: %s", resp.StatusCode, raw)
	}
	var created struct {
		TeamID string `json:"team_id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, raw = postJSON(t, srv, "/v1/epochs/"+id+"/teams/"+created.TeamID+"/join", map[string]string{"simulation_id": "sim_b"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join team status %d: %s", resp.StatusCode, raw)
	}

	_, raw = getJSON(t, srv, "/v1/epochs/"+id+"/teams")
	var teams struct {
		Teams []struct {
			ID string `json:"id"`
		} `json:"teams"`
	}
	if err := json.Unmarshal(raw, &teams); err != nil {
		t.Fatalf("decode teams: %v", err)
	}
	if len(teams.Teams) != 1 || teams.Teams[0].ID != created.TeamID {
		t.Fatalf("teams = %+v", teams)
	}

	_, raw = getJSON(t, srv, "/v1/epochs/"+id)
	var snap struct {
		Participants []struct {
			SimulationID string `json:"simulation_id"`
			TeamID       string `json:"team_id"`
		} `json:"participants"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	for _, p := range snap.Participants {
		if p.TeamID != created.TeamID {
			t.Fatalf("participant %s team = %q", p.SimulationID, p.TeamID)
		}
	}
}
