package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"hemolink.org/internal/auth"
	"hemolink.org/internal/donation"
	"hemolink.org/internal/obs"
	"hemolink.org/internal/stream"
)

type createRequestRequest struct {
	PatientName  string `json:"patient_name"`
	HospitalName string `json:"hospital_name"`
	BloodType    string `json:"blood_type"`
	UnitsNeeded  int    `json:"units_needed"`
	Urgency      string `json:"urgency"`
	Reason       string `json:"reason"`
	ContactName  string `json:"contact_name"`
	ContactPhone string `json:"contact_phone"`
	ContactEmail string `json:"contact_email"`
}

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createBloodRequest(w, r)
	case http.MethodGet:
		a.listOpenRequests(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/blood-requests/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if path == "stream" {
		a.streamRequests(w, r)
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case parts[0] == "bloodbank" && len(parts) == 2:
		a.listRequestsForBank(w, r, parts[1])
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBloodRequest(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "fulfill":
		a.transitionRequest(w, r, parts[0], donation.RequestFulfilled)
	case len(parts) == 2 && parts[1] == "cancel":
		a.transitionRequest(w, r, parts[0], donation.RequestCancelled)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createBloodRequest(w http.ResponseWriter, r *http.Request) {
	bankID, ok := a.requireRole(w, r, donation.RoleBloodBank)
	if !ok {
		return
	}
	var req createRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.store.CreateRequest(r.Context(), donation.NewRequest{
		PatientName:  req.PatientName,
		HospitalName: req.HospitalName,
		BloodType:    req.BloodType,
		UnitsNeeded:  req.UnitsNeeded,
		Urgency:      req.Urgency,
		Reason:       req.Reason,
		Contact: donation.Contact{
			Name:  req.ContactName,
			Phone: req.ContactPhone,
			Email: req.ContactEmail,
		},
		BloodBankID: bankID,
	})
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	obs.CountRequestCreated(created.Urgency)
	if a.stream != nil {
		a.stream.Publish(stream.RequestEvent{
			RequestID:    created.ID,
			BloodType:    created.BloodType,
			Urgency:      created.Urgency,
			UnitsNeeded:  created.UnitsNeeded,
			HospitalName: created.HospitalName,
			Timestamp:    time.Now().UTC(),
		})
	}
	a.audit(r.Context(), "bloodrequest.create", "blood_request", created.ID, map[string]string{
		"blood_type":   created.BloodType,
		"urgency":      created.Urgency,
		"units_needed": strconv.Itoa(created.UnitsNeeded),
	})

	w.Header().Set("Location", "/v1/blood-requests/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listOpenRequests(w http.ResponseWriter, r *http.Request) {
	items, err := a.store.ListOpenRequests(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) getBloodRequest(w http.ResponseWriter, r *http.Request, id string) {
	req, err := a.store.GetRequest(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) listRequestsForBank(w http.ResponseWriter, r *http.Request, bankID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.store.ListRequestsForBank(r.Context(), bankID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// transitionRequest applies a bank-side status change. Only the owning blood
// bank may fulfil or cancel its request.
func (a *API) transitionRequest(w http.ResponseWriter, r *http.Request, id, target string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	bankID, ok := a.requireRole(w, r, donation.RoleBloodBank)
	if !ok {
		return
	}
	current, err := a.store.GetRequest(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if current.BloodBankID != bankID {
		writeError(w, r, http.StatusForbidden, "request belongs to another blood bank")
		return
	}

	var updated donation.BloodRequest
	switch target {
	case donation.RequestFulfilled:
		updated, err = a.store.MarkRequestFulfilled(r.Context(), id)
	case donation.RequestCancelled:
		updated, err = a.store.CancelRequest(r.Context(), id)
	}
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	a.audit(r.Context(), "bloodrequest."+target, "blood_request", updated.ID, nil)
	writeJSON(w, http.StatusOK, updated)
}

// requireRole returns the authenticated user id when the context carries the
// wanted role, writing the error response otherwise.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, role string) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="hemolink"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	if !auth.HasRole(r.Context(), role) {
		writeError(w, r, http.StatusForbidden, "insufficient role")
		return "", false
	}
	return userID, true
}
