package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"hemolink.org/internal/donation"
	"hemolink.org/internal/ids"
)

// Store is the durable implementation of donation.Service over PostgreSQL.
// Coordinator mutations run inside a transaction that locks the affected
// blood request row, so appointment status and response count never diverge.
type Store struct {
	db *sql.DB
}

var _ donation.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- users ---

func (s *Store) CreateUser(ctx context.Context, n donation.NewUser) (donation.User, error) {
	if err := donation.ValidateNewUser(n); err != nil {
		return donation.User{}, err
	}
	u := donation.User{
		ID:           ids.New(),
		Name:         strings.TrimSpace(n.Name),
		Email:        strings.TrimSpace(strings.ToLower(n.Email)),
		PasswordHash: n.PasswordHash,
		Phone:        strings.TrimSpace(n.Phone),
		Role:         n.Role,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, name, email, password_hash, phone, role, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Phone, u.Role, u.CreatedAt)
	if isUniqueViolation(err) {
		return donation.User{}, fmt.Errorf("%w: email %s already registered", donation.ErrConflict, u.Email)
	}
	if err != nil {
		return donation.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (donation.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, name, email, password_hash, phone, role, created_at
		from users where id=$1
	`, id), id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (donation.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, name, email, password_hash, phone, role, created_at
		from users where email=$1
	`, email), email)
}

func (s *Store) scanUser(row *sql.Row, key string) (donation.User, error) {
	var u donation.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Phone, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return donation.User{}, fmt.Errorf("%w: user %s", donation.ErrNotFound, key)
	}
	if err != nil {
		return donation.User{}, err
	}
	return u, nil
}

// --- blood requests ---

const requestColumns = `id, patient_name, hospital_name, blood_type, units_needed, urgency, reason,
	contact_name, contact_phone, contact_email, blood_bank_id, status, response_count, created_at`

func (s *Store) CreateRequest(ctx context.Context, n donation.NewRequest) (donation.BloodRequest, error) {
	if err := donation.ValidateNewRequest(n); err != nil {
		return donation.BloodRequest{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return donation.BloodRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var role string
	err = tx.QueryRowContext(ctx, `select role from users where id=$1`, n.BloodBankID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && role != donation.RoleBloodBank) {
		return donation.BloodRequest{}, fmt.Errorf("%w: blood bank %s", donation.ErrInvalidReference, n.BloodBankID)
	}
	if err != nil {
		return donation.BloodRequest{}, err
	}

	r := donation.BloodRequest{
		ID:           ids.New(),
		PatientName:  strings.TrimSpace(n.PatientName),
		HospitalName: strings.TrimSpace(n.HospitalName),
		BloodType:    n.BloodType,
		UnitsNeeded:  n.UnitsNeeded,
		Urgency:      n.Urgency,
		Reason:       strings.TrimSpace(n.Reason),
		Contact:      n.Contact,
		BloodBankID:  n.BloodBankID,
		Status:       donation.RequestPending,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into blood_requests(`+requestColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, r.PatientName, r.HospitalName, r.BloodType, r.UnitsNeeded, r.Urgency, r.Reason,
		r.Contact.Name, r.Contact.Phone, r.Contact.Email, r.BloodBankID, r.Status, 0, r.CreatedAt); err != nil {
		return donation.BloodRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return donation.BloodRequest{}, err
	}
	return r, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (donation.BloodRequest, error) {
	row := s.db.QueryRowContext(ctx, `select `+requestColumns+` from blood_requests where id=$1`, id)
	r, err := scanRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return donation.BloodRequest{}, fmt.Errorf("%w: blood request %s", donation.ErrNotFound, id)
	}
	return r, err
}

func (s *Store) ListOpenRequests(ctx context.Context) ([]donation.BloodRequest, error) {
	// Urgency rank is ordered in SQL so pagination stays possible later.
	rows, err := s.db.QueryContext(ctx, `
		select `+requestColumns+` from blood_requests
		where status=$1
		order by case urgency
			when 'urgent' then 0
			when 'high' then 1
			when 'medium' then 2
			else 3
		end, created_at asc
	`, donation.RequestPending)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (s *Store) ListRequestsForBank(ctx context.Context, bankID string) ([]donation.BloodRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+requestColumns+` from blood_requests
		where blood_bank_id=$1
		order by created_at desc
	`, bankID)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (s *Store) MarkRequestFulfilled(ctx context.Context, id string) (donation.BloodRequest, error) {
	return s.transitionRequest(ctx, id, donation.RequestFulfilled)
}

func (s *Store) CancelRequest(ctx context.Context, id string) (donation.BloodRequest, error) {
	return s.transitionRequest(ctx, id, donation.RequestCancelled)
}

func (s *Store) transitionRequest(ctx context.Context, id, target string) (donation.BloodRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return donation.BloodRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `select status from blood_requests where id=$1 for update`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return donation.BloodRequest{}, fmt.Errorf("%w: blood request %s", donation.ErrNotFound, id)
	}
	if err != nil {
		return donation.BloodRequest{}, err
	}
	if status != donation.RequestPending {
		return donation.BloodRequest{}, fmt.Errorf("%w: blood request is %s", donation.ErrInvalidTransition, status)
	}
	if _, err := tx.ExecContext(ctx, `update blood_requests set status=$2 where id=$1`, id, target); err != nil {
		return donation.BloodRequest{}, err
	}
	row := tx.QueryRowContext(ctx, `select `+requestColumns+` from blood_requests where id=$1`, id)
	r, err := scanRequest(row.Scan)
	if err != nil {
		return donation.BloodRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return donation.BloodRequest{}, err
	}
	return r, nil
}

// --- appointments ---

const appointmentColumns = `id, donor_id, name, email, phone, age, blood_type, donation_date,
	donation_time, donation_center, previous_donation, medical_conditions, blood_request_id, status, created_at`

// ScheduleAppointment inserts the appointment and bumps the linked request's
// response count inside one transaction. The request row is locked first so a
// concurrent transition cannot slip between the status check and the insert.
func (s *Store) ScheduleAppointment(ctx context.Context, n donation.NewAppointment) (donation.Appointment, error) {
	if err := donation.ValidateNewAppointment(n, time.Now()); err != nil {
		return donation.Appointment{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return donation.Appointment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var role string
	err = tx.QueryRowContext(ctx, `select role from users where id=$1`, n.DonorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && role != donation.RoleDonor) {
		return donation.Appointment{}, fmt.Errorf("%w: donor %s", donation.ErrInvalidReference, n.DonorID)
	}
	if err != nil {
		return donation.Appointment{}, err
	}

	if n.BloodRequestID != "" {
		var status string
		err = tx.QueryRowContext(ctx, `select status from blood_requests where id=$1 for update`, n.BloodRequestID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return donation.Appointment{}, fmt.Errorf("%w: blood request %s", donation.ErrInvalidReference, n.BloodRequestID)
		}
		if err != nil {
			return donation.Appointment{}, err
		}
		if status != donation.RequestPending {
			return donation.Appointment{}, fmt.Errorf("%w: blood request is %s", donation.ErrInvalidReference, status)
		}
	}

	a := donation.Appointment{
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
		Status:            donation.AppointmentScheduled,
		CreatedAt:         time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into donation_appointments(`+appointmentColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,nullif($12,''),nullif($13,''),$14,$15)
	`, a.ID, a.DonorID, a.Name, a.Email, a.Phone, a.Age, a.BloodType, a.DonationDate,
		a.DonationTime, a.DonationCenter, a.PreviousDonation, a.MedicalConditions,
		a.BloodRequestID, a.Status, a.CreatedAt); err != nil {
		return donation.Appointment{}, err
	}
	if a.BloodRequestID != "" {
		if _, err := tx.ExecContext(ctx, `
			update blood_requests set response_count = response_count + 1 where id=$1
		`, a.BloodRequestID); err != nil {
			return donation.Appointment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return donation.Appointment{}, err
	}
	return a, nil
}

func (s *Store) GetAppointment(ctx context.Context, id string) (donation.Appointment, error) {
	row := s.db.QueryRowContext(ctx, `select `+appointmentColumns+` from donation_appointments where id=$1`, id)
	a, err := scanAppointment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return donation.Appointment{}, fmt.Errorf("%w: appointment %s", donation.ErrNotFound, id)
	}
	return a, err
}

func (s *Store) ListAppointments(ctx context.Context) ([]donation.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+appointmentColumns+` from donation_appointments order by donation_date asc
	`)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (s *Store) ListAppointmentsForDonor(ctx context.Context, donorID string) ([]donation.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+appointmentColumns+` from donation_appointments
		where donor_id=$1
		order by donation_date desc
	`, donorID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (s *Store) CompleteAppointment(ctx context.Context, id string) (donation.Appointment, error) {
	return s.transitionAppointment(ctx, id, donation.AppointmentCompleted)
}

// CancelAppointment flips the status and, for linked appointments, decrements
// the request's response count in the same transaction.
func (s *Store) CancelAppointment(ctx context.Context, id string) (donation.Appointment, error) {
	return s.transitionAppointment(ctx, id, donation.AppointmentCancelled)
}

func (s *Store) transitionAppointment(ctx context.Context, id, target string) (donation.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return donation.Appointment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var linked sql.NullString
	err = tx.QueryRowContext(ctx, `
		select status, blood_request_id from donation_appointments where id=$1 for update
	`, id).Scan(&status, &linked)
	if errors.Is(err, sql.ErrNoRows) {
		return donation.Appointment{}, fmt.Errorf("%w: appointment %s", donation.ErrNotFound, id)
	}
	if err != nil {
		return donation.Appointment{}, err
	}
	if status != donation.AppointmentScheduled {
		return donation.Appointment{}, fmt.Errorf("%w: appointment is %s", donation.ErrInvalidTransition, status)
	}

	if _, err := tx.ExecContext(ctx, `update donation_appointments set status=$2 where id=$1`, id, target); err != nil {
		return donation.Appointment{}, err
	}
	if target == donation.AppointmentCancelled && linked.Valid {
		if _, err := tx.ExecContext(ctx, `
			update blood_requests set response_count = greatest(response_count - 1, 0) where id=$1
		`, linked.String); err != nil {
			return donation.Appointment{}, err
		}
	}

	row := tx.QueryRowContext(ctx, `select `+appointmentColumns+` from donation_appointments where id=$1`, id)
	a, err := scanAppointment(row.Scan)
	if err != nil {
		return donation.Appointment{}, err
	}
	if err := tx.Commit(); err != nil {
		return donation.Appointment{}, err
	}
	return a, nil
}

// --- helpers ---

func scanRequest(scan func(...any) error) (donation.BloodRequest, error) {
	var r donation.BloodRequest
	err := scan(&r.ID, &r.PatientName, &r.HospitalName, &r.BloodType, &r.UnitsNeeded, &r.Urgency, &r.Reason,
		&r.Contact.Name, &r.Contact.Phone, &r.Contact.Email, &r.BloodBankID, &r.Status, &r.ResponseCount, &r.CreatedAt)
	return r, err
}

func collectRequests(rows *sql.Rows) ([]donation.BloodRequest, error) {
	defer rows.Close()
	res := make([]donation.BloodRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func scanAppointment(scan func(...any) error) (donation.Appointment, error) {
	var a donation.Appointment
	var medical, linked sql.NullString
	err := scan(&a.ID, &a.DonorID, &a.Name, &a.Email, &a.Phone, &a.Age, &a.BloodType, &a.DonationDate,
		&a.DonationTime, &a.DonationCenter, &a.PreviousDonation, &medical, &linked, &a.Status, &a.CreatedAt)
	if err != nil {
		return donation.Appointment{}, err
	}
	if medical.Valid {
		a.MedicalConditions = medical.String
	}
	if linked.Valid {
		a.BloodRequestID = linked.String
	}
	return a, nil
}

func collectAppointments(rows *sql.Rows) ([]donation.Appointment, error) {
	defer rows.Close()
	res := make([]donation.Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
