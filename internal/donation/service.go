package donation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hemolink.org/internal/ids"
)

// Service defines the coordination operations over users, blood requests and
// donation appointments. Every mutation keeps the request/appointment pair
// consistent as a single atomic unit: linking an appointment increments the
// request's response count in the same operation, cancelling it decrements.
type Service interface {
	CreateUser(ctx context.Context, n NewUser) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	CreateRequest(ctx context.Context, n NewRequest) (BloodRequest, error)
	GetRequest(ctx context.Context, id string) (BloodRequest, error)
	ListOpenRequests(ctx context.Context) ([]BloodRequest, error)
	ListRequestsForBank(ctx context.Context, bankID string) ([]BloodRequest, error)
	MarkRequestFulfilled(ctx context.Context, id string) (BloodRequest, error)
	CancelRequest(ctx context.Context, id string) (BloodRequest, error)

	ScheduleAppointment(ctx context.Context, n NewAppointment) (Appointment, error)
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	ListAppointments(ctx context.Context) ([]Appointment, error)
	ListAppointmentsForDonor(ctx context.Context, donorID string) ([]Appointment, error)
	CompleteAppointment(ctx context.Context, id string) (Appointment, error)
	CancelAppointment(ctx context.Context, id string) (Appointment, error)
}

// InMemory implements Service with in-process concurrency safety. A single
// lock covers all three collections so cross-entity invariants (appointment
// status + request response count) never observe partial updates.
type InMemory struct {
	mu       sync.RWMutex
	users    map[string]*User
	byEmail  map[string]string // lower-cased email -> user id
	requests map[string]*BloodRequest
	appts    map[string]*Appointment
	now      func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users:    make(map[string]*User),
		byEmail:  make(map[string]string),
		requests: make(map[string]*BloodRequest),
		appts:    make(map[string]*Appointment),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Only intended for test use.
func (s *InMemory) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *InMemory) CreateUser(ctx context.Context, n NewUser) (User, error) {
	if err := ValidateNewUser(n); err != nil {
		return User{}, err
	}
	email := strings.TrimSpace(strings.ToLower(n.Email))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return User{}, fmt.Errorf("%w: email %s already registered", ErrConflict, email)
	}
	u := &User{
		ID:           ids.New(),
		Name:         strings.TrimSpace(n.Name),
		Email:        email,
		PasswordHash: n.PasswordHash,
		Phone:        strings.TrimSpace(n.Phone),
		Role:         n.Role,
		CreatedAt:    s.now().UTC(),
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return *u, nil
}

func (s *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return *u, nil
}

func (s *InMemory) GetUserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, email)
	}
	return *s.users[id], nil
}

func (s *InMemory) CreateRequest(ctx context.Context, n NewRequest) (BloodRequest, error) {
	if err := ValidateNewRequest(n); err != nil {
		return BloodRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bank, ok := s.users[n.BloodBankID]
	if !ok || bank.Role != RoleBloodBank {
		return BloodRequest{}, fmt.Errorf("%w: blood bank %s", ErrInvalidReference, n.BloodBankID)
	}
	r := &BloodRequest{
		ID:           ids.New(),
		PatientName:  strings.TrimSpace(n.PatientName),
		HospitalName: strings.TrimSpace(n.HospitalName),
		BloodType:    n.BloodType,
		UnitsNeeded:  n.UnitsNeeded,
		Urgency:      n.Urgency,
		Reason:       strings.TrimSpace(n.Reason),
		Contact:      n.Contact,
		BloodBankID:  n.BloodBankID,
		Status:       RequestPending,
		CreatedAt:    s.now().UTC(),
	}
	s.requests[r.ID] = r
	return *r, nil
}

func (s *InMemory) GetRequest(ctx context.Context, id string) (BloodRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return BloodRequest{}, fmt.Errorf("%w: blood request %s", ErrNotFound, id)
	}
	return *r, nil
}

// ListOpenRequests returns pending requests ordered by urgency rank, then by
// creation time ascending, so the most critical longest-waiting request
// surfaces first.
func (s *InMemory) ListOpenRequests(ctx context.Context) ([]BloodRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]BloodRequest, 0)
	for _, r := range s.requests {
		if r.Status == RequestPending {
			res = append(res, *r)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		ri, rj := UrgencyRank(res[i].Urgency), UrgencyRank(res[j].Urgency)
		if ri != rj {
			return ri < rj
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *InMemory) ListRequestsForBank(ctx context.Context, bankID string) ([]BloodRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]BloodRequest, 0)
	for _, r := range s.requests {
		if r.BloodBankID == bankID {
			res = append(res, *r)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *InMemory) MarkRequestFulfilled(ctx context.Context, id string) (BloodRequest, error) {
	return s.transitionRequest(id, RequestFulfilled)
}

func (s *InMemory) CancelRequest(ctx context.Context, id string) (BloodRequest, error) {
	return s.transitionRequest(id, RequestCancelled)
}

func (s *InMemory) transitionRequest(id, target string) (BloodRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return BloodRequest{}, fmt.Errorf("%w: blood request %s", ErrNotFound, id)
	}
	if r.Status != RequestPending {
		return BloodRequest{}, fmt.Errorf("%w: blood request is %s", ErrInvalidTransition, r.Status)
	}
	r.Status = target
	return *r, nil
}

// ScheduleAppointment validates eligibility, verifies the optional request
// link and records the appointment. Appointment insertion and the linked
// request's response count move together under the store lock.
func (s *InMemory) ScheduleAppointment(ctx context.Context, n NewAppointment) (Appointment, error) {
	if err := ValidateNewAppointment(n, s.now()); err != nil {
		return Appointment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	donor, ok := s.users[n.DonorID]
	if !ok || donor.Role != RoleDonor {
		return Appointment{}, fmt.Errorf("%w: donor %s", ErrInvalidReference, n.DonorID)
	}
	var linked *BloodRequest
	if n.BloodRequestID != "" {
		linked, ok = s.requests[n.BloodRequestID]
		if !ok {
			return Appointment{}, fmt.Errorf("%w: blood request %s", ErrInvalidReference, n.BloodRequestID)
		}
		if linked.Status != RequestPending {
			return Appointment{}, fmt.Errorf("%w: blood request is %s", ErrInvalidReference, linked.Status)
		}
	}

	a := &Appointment{
		ID:                ids.New(),
		DonorID:           n.DonorID,
		Name:              strings.TrimSpace(n.Name),
		Email:             strings.TrimSpace(strings.ToLower(n.Email)),
		Phone:             strings.TrimSpace(n.Phone),
		Age:               n.Age,
		BloodType:         n.BloodType,
		DonationDate:      n.DonationDate.UTC(),
		DonationTime:      strings.TrimSpace(n.DonationTime),
		DonationCenter:    strings.TrimSpace(n.DonationCenter),
		PreviousDonation:  n.PreviousDonation,
		MedicalConditions: strings.TrimSpace(n.MedicalConditions),
		BloodRequestID:    n.BloodRequestID,
		Status:            AppointmentScheduled,
		CreatedAt:         s.now().UTC(),
	}
	s.appts[a.ID] = a
	if linked != nil {
		linked.ResponseCount++
	}
	return *a, nil
}

func (s *InMemory) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appts[id]
	if !ok {
		return Appointment{}, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
	}
	return *a, nil
}

func (s *InMemory) ListAppointments(ctx context.Context) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Appointment, 0, len(s.appts))
	for _, a := range s.appts {
		res = append(res, *a)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].DonationDate.Before(res[j].DonationDate)
	})
	return res, nil
}

func (s *InMemory) ListAppointmentsForDonor(ctx context.Context, donorID string) ([]Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Appointment, 0)
	for _, a := range s.appts {
		if a.DonorID == donorID {
			res = append(res, *a)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].DonationDate.After(res[j].DonationDate)
	})
	return res, nil
}

func (s *InMemory) CompleteAppointment(ctx context.Context, id string) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return Appointment{}, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
	}
	if a.Status != AppointmentScheduled {
		return Appointment{}, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	a.Status = AppointmentCompleted
	return *a, nil
}

// CancelAppointment moves a scheduled appointment to cancelled and, when the
// appointment is linked, removes it from the request's response count in the
// same critical section.
func (s *InMemory) CancelAppointment(ctx context.Context, id string) (Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return Appointment{}, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
	}
	if a.Status != AppointmentScheduled {
		return Appointment{}, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}
	a.Status = AppointmentCancelled
	if a.BloodRequestID != "" {
		if r, ok := s.requests[a.BloodRequestID]; ok && r.ResponseCount > 0 {
			r.ResponseCount--
		}
	}
	return *a, nil
}
