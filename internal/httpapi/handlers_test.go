package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"hemolink.org/internal/auth"
	"hemolink.org/internal/donation"
	"hemolink.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("HEMOLINK_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	store := donation.NewInMemory()
	api := New(ReadyProbe{}, "test", store, auth.NewGateway(store), stream.New())
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// register creates an account and returns its id plus an auth header.
func (c *apiClient) register(name, email, role string) (string, map[string]string) {
	c.t.Helper()
	resp := c.post("/v1/auth/register", map[string]any{
		"name":      name,
		"email":     email,
		"password":  "s3cret-password",
		"phone":     "5551002000",
		"user_type": role,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register %s: unexpected status %d", email, resp.StatusCode)
	}
	identity := decode[map[string]any](c.t, resp)
	id := identity["id"].(string)

	resp = c.post("/v1/auth/login", map[string]any{
		"email":    email,
		"password": "s3cret-password",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login %s: unexpected status %d", email, resp.StatusCode)
	}
	session := decode[map[string]any](c.t, resp)
	token, _ := session["token"].(string)
	if token == "" {
		c.t.Fatalf("login %s: empty token", email)
	}
	return id, map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func validRequestBody() map[string]any {
	return map[string]any{
		"patient_name":  "Jane Roe",
		"hospital_name": "City General",
		"blood_type":    "O-",
		"units_needed":  3,
		"urgency":       "urgent",
		"reason":        "emergency surgery scheduled for tomorrow morning",
		"contact_name":  "Nurse Lee",
		"contact_phone": "5551002000",
		"contact_email": "lee@city.example",
	}
}

func validDonationBody(requestID string) map[string]any {
	body := map[string]any{
		"name":              "Sam Donor",
		"email":             "sam@donors.example",
		"phone":             "5551003000",
		"age":               30,
		"blood_type":        "O-",
		"donation_date":     "2027-06-15",
		"donation_time":     "10:30",
		"donation_center":   "Downtown Center",
		"previous_donation": "no",
	}
	if requestID != "" {
		body["blood_request_id"] = requestID
	}
	return body
}

func TestAPIRequestDonationFlow(t *testing.T) {
	api := newTestAPI(t)
	bankID, bankAuth := api.register("Metro Blood Bank", "ops@metro.example", "bloodBank")
	_, donorAuth := api.register("Sam Donor", "sam@donors.example", "donor")

	// Bank posts a request.
	resp := api.post("/v1/blood-requests", validRequestBody(), bankAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create request: unexpected status %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") == "" {
		t.Fatalf("missing Location header")
	}
	created := decode[map[string]any](t, resp)
	reqID := created["id"].(string)
	if created["status"] != "pending" {
		t.Fatalf("unexpected status %v", created["status"])
	}
	if created["blood_bank_id"] != bankID {
		t.Fatalf("request not attributed to caller")
	}

	// Open requests are public.
	resp = api.get("/v1/blood-requests", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list open: unexpected status %d", resp.StatusCode)
	}
	open := decode[[]map[string]any](t, resp)
	if len(open) != 1 || open[0]["id"] != reqID {
		t.Fatalf("unexpected open list: %v", open)
	}

	// Donor schedules against the request.
	resp = api.post("/v1/donations", validDonationBody(reqID), donorAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("schedule donation: unexpected status %d", resp.StatusCode)
	}
	appt := decode[map[string]any](t, resp)
	apptID := appt["id"].(string)
	if appt["status"] != "scheduled" {
		t.Fatalf("unexpected appointment status %v", appt["status"])
	}

	// Response count reflects the booking.
	resp = api.get("/v1/blood-requests/"+reqID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get request: unexpected status %d", resp.StatusCode)
	}
	fetched := decode[map[string]any](t, resp)
	if fetched["response_count"].(float64) != 1 {
		t.Fatalf("unexpected response_count: %v", fetched["response_count"])
	}

	// Bank fulfills the request.
	resp = api.post("/v1/blood-requests/"+reqID+"/fulfill", nil, bankAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fulfill: unexpected status %d", resp.StatusCode)
	}
	fulfilled := decode[map[string]any](t, resp)
	if fulfilled["status"] != "fulfilled" {
		t.Fatalf("unexpected status after fulfill: %v", fulfilled["status"])
	}

	// Fulfilled requests drop out of the open feed.
	resp = api.get("/v1/blood-requests", nil, nil)
	open = decode[[]map[string]any](t, resp)
	if len(open) != 0 {
		t.Fatalf("fulfilled request still listed: %v", open)
	}

	// A second fulfill is a conflict.
	resp = api.post("/v1/blood-requests/"+reqID+"/fulfill", nil, bankAuth)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double fulfill: expected 409, got %d", resp.StatusCode)
	}

	// Donor completes the appointment.
	resp = api.post("/v1/donations/"+apptID+"/complete", nil, donorAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: unexpected status %d", resp.StatusCode)
	}
	done := decode[map[string]any](t, resp)
	if done["status"] != "completed" {
		t.Fatalf("unexpected status after complete: %v", done["status"])
	}
}

func TestAPIRoleEnforcement(t *testing.T) {
	api := newTestAPI(t)
	_, bankAuth := api.register("Metro Blood Bank", "ops@metro.example", "bloodBank")
	donorID, donorAuth := api.register("Sam Donor", "sam@donors.example", "donor")

	// Donors cannot post blood requests.
	resp := api.post("/v1/blood-requests", validRequestBody(), donorAuth)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("donor create request: expected 403, got %d", resp.StatusCode)
	}

	// Banks cannot schedule donations.
	resp = api.post("/v1/donations", validDonationBody(""), bankAuth)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bank schedule donation: expected 403, got %d", resp.StatusCode)
	}

	// A donor only sees their own history.
	resp = api.get("/v1/donations/donor/"+donorID, nil, bankAuth)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign donor history: expected 403, got %d", resp.StatusCode)
	}
	resp = api.get("/v1/donations/donor/"+donorID, nil, donorAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own donor history: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIRequestOwnership(t *testing.T) {
	api := newTestAPI(t)
	_, bankAuth := api.register("Metro Blood Bank", "ops@metro.example", "bloodBank")
	_, otherAuth := api.register("Rival Bank", "ops@rival.example", "bloodBank")

	resp := api.post("/v1/blood-requests", validRequestBody(), bankAuth)
	created := decode[map[string]any](t, resp)
	reqID := created["id"].(string)

	resp = api.post("/v1/blood-requests/"+reqID+"/cancel", nil, otherAuth)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel: expected 403, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/blood-requests/"+reqID+"/cancel", nil, bankAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner cancel: expected 200, got %d", resp.StatusCode)
	}
	cancelled := decode[map[string]any](t, resp)
	if cancelled["status"] != "cancelled" {
		t.Fatalf("unexpected status: %v", cancelled["status"])
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/blood-requests", validRequestBody(), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate header")
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestAPIValidationErrors(t *testing.T) {
	api := newTestAPI(t)
	_, bankAuth := api.register("Metro Blood Bank", "ops@metro.example", "bloodBank")
	_, donorAuth := api.register("Sam Donor", "sam@donors.example", "donor")

	body := validRequestBody()
	body["units_needed"] = 11
	resp := api.post("/v1/blood-requests", body, bankAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("units out of range: expected 400, got %d", resp.StatusCode)
	}

	body = validRequestBody()
	body["unexpected"] = true
	resp = api.post("/v1/blood-requests", body, bankAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.StatusCode)
	}

	// Linking to a request that does not exist is unprocessable.
	resp = api.post("/v1/donations", validDonationBody("no-such-request"), donorAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("dangling link: expected 422, got %d", resp.StatusCode)
	}
}

func TestAPIDuplicateEmailConflict(t *testing.T) {
	api := newTestAPI(t)
	api.register("Sam Donor", "sam@donors.example", "donor")

	resp := api.post("/v1/auth/register", map[string]any{
		"name":      "Sam Again",
		"email":     "SAM@donors.example",
		"password":  "another-password",
		"phone":     "5551003000",
		"user_type": "donor",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate email: expected 409, got %d", resp.StatusCode)
	}
}

func TestAPILoginRejectsBadPassword(t *testing.T) {
	api := newTestAPI(t)
	api.register("Sam Donor", "sam@donors.example", "donor")

	resp := api.post("/v1/auth/login", map[string]any{
		"email":    "sam@donors.example",
		"password": "wrong-password",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", resp.StatusCode)
	}
}

func TestAPIHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info: expected 200, got %d", resp.StatusCode)
	}
	info := decode[map[string]any](t, resp)
	if info["version"] != "test" {
		t.Fatalf("unexpected version: %v", info["version"])
	}
}
