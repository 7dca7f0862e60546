// Command smoke exercises a running API end to end: it registers a blood
// bank and a donor, posts a request, books a linked donation and verifies
// the request's response count and fulfillment transition.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("HEMOLINK_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	run := rand.New(rand.NewSource(time.Now().UnixNano())).Int31()

	bankEmail := fmt.Sprintf("smoke-bank-%d@hemolink.example", run)
	donorEmail := fmt.Sprintf("smoke-donor-%d@hemolink.example", run)

	register(client, base, map[string]any{
		"name": "Smoke Bank", "email": bankEmail, "password": "smoke-pass",
		"phone": "5550000001", "user_type": "bloodBank",
	})
	register(client, base, map[string]any{
		"name": "Smoke Donor", "email": donorEmail, "password": "smoke-pass",
		"phone": "5550000002", "user_type": "donor",
	})

	bankToken := login(client, base, bankEmail)
	donorToken := login(client, base, donorEmail)

	created := call(client, base, http.MethodPost, "/v1/blood-requests", bankToken, map[string]any{
		"patient_name":  "Smoke Patient",
		"hospital_name": "Smoke General",
		"blood_type":    "O-",
		"units_needed":  2,
		"urgency":       "urgent",
		"reason":        "smoke check of the request workflow",
		"contact_name":  "Smoke Contact",
		"contact_phone": "5550000003",
		"contact_email": "contact@hemolink.example",
	}, http.StatusCreated)
	reqID := created["id"].(string)

	call(client, base, http.MethodPost, "/v1/donations", donorToken, map[string]any{
		"name":              "Smoke Donor",
		"email":             donorEmail,
		"phone":             "5550000002",
		"age":               30,
		"blood_type":        "O-",
		"donation_date":     time.Now().AddDate(0, 0, 2).Format("2006-01-02"),
		"donation_time":     "11:00",
		"donation_center":   "Smoke Center",
		"previous_donation": "no",
		"blood_request_id":  reqID,
	}, http.StatusCreated)

	fetched := call(client, base, http.MethodGet, "/v1/blood-requests/"+reqID, "", nil, http.StatusOK)
	if fetched["response_count"].(float64) != 1 {
		log.Fatalf("response_count: want 1, got %v", fetched["response_count"])
	}

	fulfilled := call(client, base, http.MethodPost, "/v1/blood-requests/"+reqID+"/fulfill", bankToken, nil, http.StatusOK)
	if fulfilled["status"] != "fulfilled" {
		log.Fatalf("status after fulfill: want fulfilled, got %v", fulfilled["status"])
	}

	fmt.Printf("smoke test passed: request=%s\n", reqID)
}

func register(client *http.Client, base string, body map[string]any) {
	call(client, base, http.MethodPost, "/v1/auth/register", "", body, http.StatusCreated)
}

func login(client *http.Client, base, email string) string {
	session := call(client, base, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email": email, "password": "smoke-pass",
	}, http.StatusOK)
	token, _ := session["token"].(string)
	if token == "" {
		log.Fatalf("login %s: empty token", email)
	}
	return token
}

func call(client *http.Client, base, method, path, token string, body map[string]any, wantStatus int) map[string]any {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", path, err)
		}
	}
	req, err := http.NewRequest(method, base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode %s: %v", path, err)
	}
	return out
}
