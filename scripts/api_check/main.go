package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// api_check probes a running signal-engine instance over the public
// HTTP surface. Read-only by default; session mutation sits behind an
// explicit gate.
//
// Usage (with the engine running locally):
//
//	go run ./scripts/api_check
//
// Environment:
//
//	API_CHECK_BASE           (default "http://localhost:8080")
//	API_CHECK_EMAIL          (default: throwaway per-run address)
//	API_CHECK_PASSWORD       (default "check-me-please")
//	API_CHECK_SYMBOL         (default "BTC_USDT")
//	API_CHECK_START_SESSION  (default "false")
//	     false: query endpoints only
//	     true : start one paper session, watch its state change on the
//	            websocket, then stop it

func main() {
	log.Println("=== API check starting ===")

	base := strings.TrimRight(getenv("API_CHECK_BASE", "http://localhost:8080"), "/")
	email := getenv("API_CHECK_EMAIL", fmt.Sprintf("check-%d@example.com", time.Now().UnixNano()))
	password := getenv("API_CHECK_PASSWORD", "check-me-please")
	symbol := getenv("API_CHECK_SYMBOL", "BTC_USDT")
	startSession := getenv("API_CHECK_START_SESSION", "false") == "true"

	c := &checker{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	log.Println("[1] system status (public)")
	status := c.get("/api/v1/system/status")
	log.Printf("    ✓ version=%v sessions=%v uptime_sec=%v",
		status["version"], status["sessions"], status["uptime_sec"])

	log.Println("[2] auth")
	reg, code := c.postStatus("/api/v1/auth/register", map[string]any{"email": email, "password": password})
	switch code {
	case http.StatusCreated:
		log.Printf("    ✓ registered %v", reg["email"])
	case http.StatusConflict:
		log.Printf("    ✓ %s already registered, logging in", email)
	default:
		log.Fatalf("register failed with %d: %v", code, reg)
	}
	login, code := c.postStatus("/api/v1/auth/login", map[string]any{"email": email, "password": password})
	if code != http.StatusOK {
		log.Fatalf("login failed with %d: %v", code, login)
	}
	c.token, _ = login["token"].(string)
	if c.token == "" {
		log.Fatalf("login response carried no token: %v", login)
	}
	log.Printf("    ✓ token issued, expires %v", login["expires_at"])

	log.Println("[3] read endpoints")
	sessions := c.get("/api/v1/sessions")
	log.Printf("    ✓ sessions count=%v", sessions["count"])
	positions := c.get("/api/v1/positions")
	log.Printf("    ✓ positions count=%v", positions["count"])
	riskState := c.get("/api/v1/risk")
	log.Printf("    ✓ risk limits present=%v", riskState["limits"] != nil)
	bal := c.get("/api/v1/balance")
	log.Printf("    ✓ balance total=%v available=%v", bal["Total"], bal["Available"])
	res := c.get("/api/v1/resources")
	log.Printf("    ✓ resources slots=%v/%v", res["SlotsInUse"], res["SlotCapacity"])
	indicator := c.get("/api/v1/indicators/" + symbol + "/sma?period=10")
	log.Printf("    ✓ sma(10) on %s ready=%v value=%v", symbol, indicator["ready"], indicator["value"])
	price := c.getStatusTolerant("/api/v1/market/"+symbol+"/price", http.StatusNotFound)
	if price == nil {
		log.Printf("    ✓ no price for %s yet (no feed data)", symbol)
	} else {
		log.Printf("    ✓ last price %v", price["price"])
	}

	if !startSession {
		log.Println("[4] session flow skipped (API_CHECK_START_SESSION=false)")
		log.Println("=== API check finished ===")
		return
	}

	log.Println("[4] session flow")
	wsURL := strings.Replace(base, "http", "ws", 1) + "/ws?topics=session.state_changed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	created, code := c.postStatus("/api/v1/sessions", map[string]any{
		"mode":    "paper",
		"symbols": []string{symbol},
	})
	if code != http.StatusCreated {
		log.Fatalf("start session failed with %d: %v", code, created)
	}
	id, _ := created["id"].(string)
	log.Printf("    ✓ session %s started in %v mode", id, created["mode"])

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var frame struct {
		Topic string         `json:"topic"`
		Data  map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		log.Fatalf("websocket read: %v", err)
	}
	log.Printf("    ✓ stream frame %s: %v", frame.Topic, frame.Data)

	stopped, code := c.deleteStatus("/api/v1/sessions/" + id)
	if code != http.StatusOK {
		log.Fatalf("stop session failed with %d: %v", code, stopped)
	}
	log.Printf("    ✓ session %s %v", id, stopped["state"])

	log.Println("=== API check finished ===")
}

type checker struct {
	base  string
	token string
	http  *http.Client
}

func (c *checker) do(method, path string, body any) (map[string]any, int) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("encode %s %s: %v", method, path, err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		log.Fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		log.Fatalf("decode %s %s: %v", method, path, err)
	}
	return decoded, resp.StatusCode
}

func (c *checker) get(path string) map[string]any {
	decoded, code := c.do(http.MethodGet, path, nil)
	if code != http.StatusOK {
		log.Fatalf("GET %s returned %d: %v", path, code, decoded)
	}
	return decoded
}

// getStatusTolerant returns nil when the endpoint answers with the
// tolerated status instead of 200.
func (c *checker) getStatusTolerant(path string, tolerated int) map[string]any {
	decoded, code := c.do(http.MethodGet, path, nil)
	if code == tolerated {
		return nil
	}
	if code != http.StatusOK {
		log.Fatalf("GET %s returned %d: %v", path, code, decoded)
	}
	return decoded
}

func (c *checker) postStatus(path string, body any) (map[string]any, int) {
	return c.do(http.MethodPost, path, body)
}

func (c *checker) deleteStatus(path string) (map[string]any, int) {
	return c.do(http.MethodDelete, path, nil)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
