package donation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles a registered user can hold.
const (
	RoleDonor     = "donor"
	RoleBloodBank = "bloodBank"
)

// Blood request status lifecycle: pending is the only non-terminal state.
const (
	RequestPending   = "pending"
	RequestFulfilled = "fulfilled"
	RequestCancelled = "cancelled"
)

// Donation appointment status lifecycle: scheduled is the only non-terminal state.
const (
	AppointmentScheduled = "scheduled"
	AppointmentCompleted = "completed"
	AppointmentCancelled = "cancelled"
)

// Urgency levels, most critical first. urgencyRank drives the open-request
// sort order: lower rank sorts earlier.
const (
	UrgencyUrgent = "urgent"
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

var urgencyRank = map[string]int{
	UrgencyUrgent: 0,
	UrgencyHigh:   1,
	UrgencyMedium: 2,
	UrgencyLow:    3,
}

// UrgencyRank returns the sort rank for an urgency level (0 = most critical).
// Unknown values rank last.
func UrgencyRank(urgency string) int {
	if r, ok := urgencyRank[urgency]; ok {
		return r
	}
	return len(urgencyRank)
}

var bloodTypes = map[string]struct{}{
	"A+": {}, "A-": {}, "B+": {}, "B-": {},
	"AB+": {}, "AB-": {}, "O+": {}, "O-": {},
}

// ValidBloodType reports whether bt is one of the eight ABO/Rh groups.
func ValidBloodType(bt string) bool {
	_, ok := bloodTypes[bt]
	return ok
}

const (
	minUnitsNeeded = 1
	maxUnitsNeeded = 10
	minReasonLen   = 10
	maxReasonLen   = 500
	minDonorAge    = 18
	maxDonorAge    = 65
)

// User is a registered account, either a donor or a blood bank.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Phone        string    `json:"phone"`
	Role         string    `json:"user_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// Contact is the point of contact published on a blood request.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// BloodRequest is a demand for blood units posted by a blood bank.
// ResponseCount tracks the number of non-cancelled appointments linked to it.
type BloodRequest struct {
	ID            string    `json:"id"`
	PatientName   string    `json:"patient_name"`
	HospitalName  string    `json:"hospital_name"`
	BloodType     string    `json:"blood_type"`
	UnitsNeeded   int       `json:"units_needed"`
	Urgency       string    `json:"urgency"`
	Reason        string    `json:"reason"`
	Contact       Contact   `json:"contact"`
	BloodBankID   string    `json:"blood_bank_id"`
	Status        string    `json:"status"`
	ResponseCount int       `json:"response_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Appointment is a scheduled donation. Donor contact fields are snapshotted at
// booking time so the record stays meaningful if the account changes later.
type Appointment struct {
	ID                string    `json:"id"`
	DonorID           string    `json:"donor_id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone"`
	Age               int       `json:"age"`
	BloodType         string    `json:"blood_type"`
	DonationDate      time.Time `json:"donation_date"`
	DonationTime      string    `json:"donation_time"`
	DonationCenter    string    `json:"donation_center"`
	PreviousDonation  string    `json:"previous_donation"`
	MedicalConditions string    `json:"medical_conditions,omitempty"`
	BloodRequestID    string    `json:"blood_request_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewUser carries the fields required to register an account.
// PasswordHash must already be hashed; the store never sees plaintext.
type NewUser struct {
	Name         string
	Email        string
	PasswordHash string
	Phone        string
	Role         string
}

// NewRequest carries the fields required to post a blood request.
type NewRequest struct {
	PatientName  string
	HospitalName string
	BloodType    string
	UnitsNeeded  int
	Urgency      string
	Reason       string
	Contact      Contact
	BloodBankID  string
}

// NewAppointment carries the fields required to schedule a donation.
// BloodRequestID is optional; when set the appointment is linked to that
// request and counted in its responses.
type NewAppointment struct {
	DonorID           string
	Name              string
	Email             string
	Phone             string
	Age               int
	BloodType         string
	DonationDate      time.Time
	DonationTime      string
	DonationCenter    string
	PreviousDonation  string
	MedicalConditions string
	BloodRequestID    string
}

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("resource conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidReference  = errors.New("invalid reference")
)

// ValidateNewUser checks registration fields. Both store implementations call
// this before any write.
func ValidateNewUser(n NewUser) error {
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	email := strings.TrimSpace(strings.ToLower(n.Email))
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	if n.PasswordHash == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	if strings.TrimSpace(n.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrValidation)
	}
	if n.Role != RoleDonor && n.Role != RoleBloodBank {
		return fmt.Errorf("%w: user_type must be %s or %s", ErrValidation, RoleDonor, RoleBloodBank)
	}
	return nil
}

// ValidateNewRequest checks blood request fields against the creation bounds.
func ValidateNewRequest(n NewRequest) error {
	if strings.TrimSpace(n.PatientName) == "" {
		return fmt.Errorf("%w: patient_name is required", ErrValidation)
	}
	if strings.TrimSpace(n.HospitalName) == "" {
		return fmt.Errorf("%w: hospital_name is required", ErrValidation)
	}
	if !ValidBloodType(n.BloodType) {
		return fmt.Errorf("%w: unknown blood_type %q", ErrValidation, n.BloodType)
	}
	if n.UnitsNeeded < minUnitsNeeded || n.UnitsNeeded > maxUnitsNeeded {
		return fmt.Errorf("%w: units_needed must be between %d and %d", ErrValidation, minUnitsNeeded, maxUnitsNeeded)
	}
	if _, ok := urgencyRank[n.Urgency]; !ok {
		return fmt.Errorf("%w: unknown urgency %q", ErrValidation, n.Urgency)
	}
	if l := len(strings.TrimSpace(n.Reason)); l < minReasonLen || l > maxReasonLen {
		return fmt.Errorf("%w: reason must be between %d and %d characters", ErrValidation, minReasonLen, maxReasonLen)
	}
	if strings.TrimSpace(n.Contact.Name) == "" || strings.TrimSpace(n.Contact.Phone) == "" || strings.TrimSpace(n.Contact.Email) == "" {
		return fmt.Errorf("%w: contact name, phone and email are required", ErrValidation)
	}
	if strings.TrimSpace(n.BloodBankID) == "" {
		return fmt.Errorf("%w: blood_bank_id is required", ErrValidation)
	}
	return nil
}

// ValidateNewAppointment checks eligibility and scheduling fields. now anchors
// the date-in-the-past check; appointments on the current day are allowed.
func ValidateNewAppointment(n NewAppointment, now time.Time) error {
	if strings.TrimSpace(n.DonorID) == "" {
		return fmt.Errorf("%w: donor_id is required", ErrValidation)
	}
	if strings.TrimSpace(n.Name) == "" || strings.TrimSpace(n.Email) == "" || strings.TrimSpace(n.Phone) == "" {
		return fmt.Errorf("%w: name, email and phone are required", ErrValidation)
	}
	if n.Age < minDonorAge || n.Age > maxDonorAge {
		return fmt.Errorf("%w: age must be between %d and %d", ErrValidation, minDonorAge, maxDonorAge)
	}
	if !ValidBloodType(n.BloodType) {
		return fmt.Errorf("%w: unknown blood_type %q", ErrValidation, n.BloodType)
	}
	if n.DonationDate.IsZero() {
		return fmt.Errorf("%w: donation_date is required", ErrValidation)
	}
	if n.DonationDate.Before(startOfDay(now)) {
		return fmt.Errorf("%w: donation_date must not be in the past", ErrValidation)
	}
	if strings.TrimSpace(n.DonationTime) == "" {
		return fmt.Errorf("%w: donation_time is required", ErrValidation)
	}
	if strings.TrimSpace(n.DonationCenter) == "" {
		return fmt.Errorf("%w: donation_center is required", ErrValidation)
	}
	if n.PreviousDonation != "yes" && n.PreviousDonation != "no" {
		return fmt.Errorf("%w: previous_donation must be yes or no", ErrValidation)
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
