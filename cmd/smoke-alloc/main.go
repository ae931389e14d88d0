package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Smoke client: drives the happy allocation path against a running alloq-api
// and fails loudly on any divergence.

type client struct {
	base string
	http *http.Client
}

func main() {
	base := os.Getenv("ALLOQ_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	admin := os.Getenv("ALLOQ_ADMIN")
	if admin == "" {
		admin = "gov"
	}
	maxOp := int64(1_000_000)
	if raw := os.Getenv("ALLOQ_MAX_OP_AMOUNT"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Fatalf("parse ALLOQ_MAX_OP_AMOUNT: %v", err)
		}
		maxOp = parsed
	}

	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	govTok := c.token(admin, []string{"admin"})
	requester := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	reqTok := c.token(requester, nil)

	// Initialize once; a 409 means a previous run already did.
	status, _ := c.post("/v1/system/init", govTok, map[string]any{
		"max_op_amount":     maxOp,
		"emergency_contact": "smoke@alloq.example",
	})
	if status != http.StatusOK && status != http.StatusConflict {
		log.Fatalf("init: unexpected status %d", status)
	}

	resourceID := time.Now().Unix()
	status, _ = c.post("/v1/resources", govTok, map[string]any{
		"id":             resourceID,
		"name":           "smoke-pool",
		"supply":         1000,
		"unit_price":     7,
		"min_allocation": 1,
		"max_allocation": 500,
		"priority_floor": 1,
	})
	if status != http.StatusCreated {
		log.Fatalf("register resource: unexpected status %d", status)
	}

	var submitted struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
	}
	status, body := c.post("/v1/requests", reqTok, map[string]any{
		"resource_id": resourceID,
		"amount":      250,
		"purpose":     "smoke run",
	})
	if status != http.StatusCreated {
		log.Fatalf("submit: unexpected status %d", status)
	}
	mustDecode(body, &submitted)
	if submitted.Status != "PENDING" {
		log.Fatalf("submit: expected PENDING, got %s", submitted.Status)
	}

	path := fmt.Sprintf("/v1/requests/%d/approve", submitted.ID)
	if status, _ = c.post(path, govTok, nil); status != http.StatusOK {
		log.Fatalf("approve: unexpected status %d", status)
	}

	var bal struct {
		Amount int64 `json:"amount"`
	}
	status, body = c.get(fmt.Sprintf("/v1/actors/%s/balance?resource=%d", requester, resourceID), reqTok)
	if status != http.StatusOK {
		log.Fatalf("balance: unexpected status %d", status)
	}
	mustDecode(body, &bal)
	if bal.Amount != 250 {
		log.Fatalf("balance: expected 250, got %d", bal.Amount)
	}

	if status, _ = c.post("/v1/returns", reqTok, map[string]any{
		"resource_id": resourceID,
		"amount":      100,
	}); status != http.StatusOK {
		log.Fatalf("return: unexpected status %d", status)
	}

	status, body = c.get(fmt.Sprintf("/v1/actors/%s/balance?resource=%d", requester, resourceID), reqTok)
	if status != http.StatusOK {
		log.Fatalf("balance after return: unexpected status %d", status)
	}
	mustDecode(body, &bal)
	if bal.Amount != 150 {
		log.Fatalf("balance after return: expected 150, got %d", bal.Amount)
	}

	fmt.Printf("✅ alloq smoke test passed: requester=%s resource=%d\n", requester, resourceID)
}

func (c *client) token(actor string, roles []string) string {
	status, body := c.post("/v1/auth/token", "", map[string]any{
		"actor": actor,
		"roles": roles,
	})
	if status != http.StatusOK {
		log.Fatalf("token for %s: unexpected status %d", actor, status)
	}
	var payload struct {
		Token string `json:"token"`
	}
	mustDecode(body, &payload)
	if payload.Token == "" {
		log.Fatalf("token for %s: empty token", actor)
	}
	return payload.Token
}

func (c *client) post(path, token string, payload any) (int, []byte) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			log.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req)
}

func (c *client) get(path, token string) (int, []byte) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req)
}

func (c *client) do(req *http.Request) (int, []byte) {
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		log.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, buf.Bytes()
}

func mustDecode(body []byte, dst any) {
	if err := json.Unmarshal(body, dst); err != nil {
		log.Fatalf("decode response %q: %v", string(body), err)
	}
}
