// Synthetic driver: creates an epoch, joins simulations, walks the phases and
// deploys a few operatives while watching the event feed. Useful for smoke
// testing a running server.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crucible/internal/protocol"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "server base url")
		creator = flag.String("creator", "driver", "creator id")
		sims    = flag.String("sims", "meridian,kestrel", "comma-separated simulation ids to enroll")
		preset  = flag.String("preset", "BALANCED", "score preset")
		cycles  = flag.Int("cycles", 3, "cycles to force-resolve per active phase")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	simIDs := strings.Split(*sims, ",")
	if len(simIDs) < 2 {
		logger.Fatalf("need at least two simulations, got %q", *sims)
	}

	epochID := createEpoch(logger, *baseURL, *creator, *preset)
	logger.Printf("created epoch %s", epochID)

	go watchEvents(logger, *baseURL, epochID)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for _, sim := range simIDs {
		post(logger, *baseURL, "/v1/epochs/"+epochID+"/join", map[string]string{"simulation_id": sim})
	}

	// lobby -> foundation
	post(logger, *baseURL, "/v1/epochs/"+epochID+"/advance", map[string]string{"actor_id": *creator})
	post(logger, *baseURL, "/v1/epochs/"+epochID+"/operatives", map[string]string{
		"type": "GUARDIAN", "source_sim": simIDs[0],
	})

	// foundation -> competition
	post(logger, *baseURL, "/v1/epochs/"+epochID+"/advance", map[string]string{"actor_id": *creator})
	post(logger, *baseURL, "/v1/epochs/"+epochID+"/operatives", map[string]string{
		"type": "SPY", "source_sim": simIDs[0], "target_sim": simIDs[1],
	})
	post(logger, *baseURL, "/v1/epochs/"+epochID+"/operatives", map[string]string{
		"type": "PROPAGANDIST", "source_sim": simIDs[1], "target_sim": simIDs[0],
	})

	for i := 0; i < *cycles; i++ {
		select {
		case <-stop:
			return
		case <-time.After(time.Second):
		}
		post(logger, *baseURL, "/v1/epochs/"+epochID+"/resolve", map[string]string{"actor_id": *creator})
	}

	// competition -> reckoning, a few more cycles, then completion
	post(logger, *baseURL, "/v1/epochs/"+epochID+"/advance", map[string]string{"actor_id": *creator})
	for i := 0; i < *cycles; i++ {
		time.Sleep(time.Second)
		post(logger, *baseURL, "/v1/epochs/"+epochID+"/resolve", map[string]string{"actor_id": *creator})
	}
	post(logger, *baseURL, "/v1/epochs/"+epochID+"/advance", map[string]string{"actor_id": *creator})

	resp, err := http.Get(*baseURL + "/v1/epochs/" + epochID + "/leaderboard")
	if err != nil {
		logger.Fatalf("leaderboard: %v", err)
	}
	defer resp.Body.Close()
	var board struct {
		Leaderboard []struct {
			SimulationID string   `json:"simulation_id"`
			Rank         int      `json:"rank"`
			Composite    float64  `json:"composite"`
			Titles       []string `json:"titles,omitempty"`
		} `json:"leaderboard"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&board)
	for _, e := range board.Leaderboard {
		logger.Printf("#%d %s composite=%.1f titles=%v", e.Rank, e.SimulationID, e.Composite, e.Titles)
	}
}

func createEpoch(logger *log.Logger, baseURL, creator, preset string) string {
	body, _ := json.Marshal(map[string]string{"creator_id": creator, "preset": preset})
	resp, err := http.Post(baseURL+"/v1/epochs", "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Fatalf("create epoch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		logger.Fatalf("create epoch: status %d", resp.StatusCode)
	}
	var snap struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		logger.Fatalf("decode epoch: %v", err)
	}
	return snap.ID
}

func post(logger *log.Logger, baseURL, path string, body any) {
	raw, _ := json.Marshal(body)
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		logger.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var ack protocol.AckMsg
		_ = json.NewDecoder(resp.Body).Decode(&ack)
		logger.Printf("POST %s: %d %s %s", path, resp.StatusCode, ack.Code, ack.Message)
	}
}

func watchEvents(logger *log.Logger, baseURL, epochID string) {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		logger.Printf("dial ws: %v", err)
		return
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		EpochID:         epochID,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 32},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Printf("send HELLO: %v", err)
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME epoch=%s phase=%s cycle=%d participants=%d", w.EpochID, w.Phase, w.Cycle, w.Participants)

		case protocol.TypeEvent:
			var ev protocol.EventMsg
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			logger.Printf("EVENT %s cycle=%d %s", ev.Kind, ev.Cycle, compactPayload(ev.Payload))
		}
	}
}

func compactPayload(p map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}
	return string(b)
}
