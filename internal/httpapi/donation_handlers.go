package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"hemolink.org/internal/donation"
	"hemolink.org/internal/obs"
)

type scheduleDonationRequest struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	Age               int    `json:"age"`
	BloodType         string `json:"blood_type"`
	DonationDate      string `json:"donation_date"`
	DonationTime      string `json:"donation_time"`
	DonationCenter    string `json:"donation_center"`
	PreviousDonation  string `json:"previous_donation"`
	MedicalConditions string `json:"medical_conditions"`
	BloodRequestID    string `json:"blood_request_id"`
}

func (a *API) handleDonationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.scheduleDonation(w, r)
	case http.MethodGet:
		a.listDonations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDonationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/donations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case parts[0] == "donor" && len(parts) == 2:
		a.listDonationsForDonor(w, r, parts[1])
	case len(parts) == 2 && parts[1] == "cancel":
		a.transitionDonation(w, r, parts[0], donation.AppointmentCancelled)
	case len(parts) == 2 && parts[1] == "complete":
		a.transitionDonation(w, r, parts[0], donation.AppointmentCompleted)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) scheduleDonation(w http.ResponseWriter, r *http.Request) {
	donorID, ok := a.requireRole(w, r, donation.RoleDonor)
	if !ok {
		return
	}
	var req scheduleDonationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	date, err := parseDonationDate(req.DonationDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	appt, err := a.store.ScheduleAppointment(r.Context(), donation.NewAppointment{
		DonorID:           donorID,
		Name:              req.Name,
		Email:             req.Email,
		Phone:             req.Phone,
		Age:               req.Age,
		BloodType:         req.BloodType,
		DonationDate:      date,
		DonationTime:      req.DonationTime,
		DonationCenter:    req.DonationCenter,
		PreviousDonation:  req.PreviousDonation,
		MedicalConditions: req.MedicalConditions,
		BloodRequestID:    strings.TrimSpace(req.BloodRequestID),
	})
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	obs.CountDonationScheduled(appt.BloodRequestID != "")
	meta := map[string]string{
		"blood_type":      appt.BloodType,
		"donation_center": appt.DonationCenter,
	}
	if appt.BloodRequestID != "" {
		meta["blood_request_id"] = appt.BloodRequestID
	}
	a.audit(r.Context(), "donation.schedule", "appointment", appt.ID, meta)

	w.Header().Set("Location", "/v1/donations/"+appt.ID)
	writeJSON(w, http.StatusCreated, appt)
}

func (a *API) listDonations(w http.ResponseWriter, r *http.Request) {
	items, err := a.store.ListAppointments(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) listDonationsForDonor(w http.ResponseWriter, r *http.Request, donorID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := a.requireRole(w, r, donation.RoleDonor)
	if !ok {
		return
	}
	if userID != donorID {
		writeError(w, r, http.StatusForbidden, "appointments belong to another donor")
		return
	}
	items, err := a.store.ListAppointmentsForDonor(r.Context(), donorID)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// transitionDonation applies a donor-side status change. Only the booking
// donor may cancel or complete the appointment.
func (a *API) transitionDonation(w http.ResponseWriter, r *http.Request, id, target string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	donorID, ok := a.requireRole(w, r, donation.RoleDonor)
	if !ok {
		return
	}
	current, err := a.store.GetAppointment(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if current.DonorID != donorID {
		writeError(w, r, http.StatusForbidden, "appointment belongs to another donor")
		return
	}

	var updated donation.Appointment
	switch target {
	case donation.AppointmentCancelled:
		updated, err = a.store.CancelAppointment(r.Context(), id)
	case donation.AppointmentCompleted:
		updated, err = a.store.CompleteAppointment(r.Context(), id)
	}
	if err != nil {
		handleStoreError(w, r, err)
		return
	}

	a.audit(r.Context(), "donation."+target, "appointment", updated.ID, nil)
	writeJSON(w, http.StatusOK, updated)
}

func parseDonationDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("donation_date is required")
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("donation_date must be YYYY-MM-DD or RFC 3339")
}
