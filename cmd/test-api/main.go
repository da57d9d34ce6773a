// Package main is a smoke test against a running server: it registers a
// throwaway account, logs in, ingests one reading and lists readings back,
// printing each status. It exits non-zero as soon as a step fails.
//
// The base URL defaults to http://localhost:3000 and can be set with
// SHB_TEST_API_URL, either in the environment or in a local .env file.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	_ = godotenv.Load()

	base := os.Getenv("SHB_TEST_API_URL")
	if base == "" {
		base = "http://localhost:3000"
	}

	suffix := uuid.NewString()[:8]
	username := "smoke-" + suffix
	password := "smoke-" + uuid.NewString()

	call(http.MethodPost, base+"/register", "", map[string]string{
		"username": username, "password": password, "recovery_secret": "smoke-pet-" + suffix,
	}, http.StatusCreated)

	body := call(http.MethodPost, base+"/login", "", map[string]string{
		"username": username, "password": password,
	}, http.StatusOK)
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		log.Fatalf("login returned no token: %s", body)
	}

	call(http.MethodPost, base+"/sensor-readings", login.Token, map[string]interface{}{
		"sensor_id": 1, "sensor_type": "temperature", "environment": "smoke-test", "value": 21.5,
	}, http.StatusCreated)

	body = call(http.MethodGet, base+"/sensor-readings", login.Token, nil, http.StatusOK)
	fmt.Printf("Response:\n%s\n", body)
}

func call(method, url, token string, payload interface{}, want int) []byte {
	var rd io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading body: %v", err)
	}
	fmt.Printf("%s %s -> %d\n", method, url, resp.StatusCode)
	if resp.StatusCode != want {
		log.Fatalf("want %d, got %d: %s", want, resp.StatusCode, body)
	}
	return body
}
