package auth

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	internaldb "cogtest/internal/db"

	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"
)

func openAuth(t *testing.T) *Service {
	t.Helper()
	conn, err := internaldb.Open(context.Background(), internaldb.DriverSQLite, "file::memory:?_pragma=foreign_keys(1)", internaldb.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewService(conn, ServiceConfig{JWTSecret: "test-secret", BcryptCost: bcrypt.MinCost})
}

func bootstrap(t *testing.T, svc *Service) *User {
	t.Helper()
	ctx := context.Background()
	created, err := svc.EnsureBootstrapDoctor(ctx, BootstrapDoctor{Username: "Dr.House", Password: "vicodin123"})
	if err != nil || !created {
		t.Fatalf("bootstrap: created=%v err=%v", created, err)
	}
	u, err := svc.AuthenticatePassword(ctx, "dr.house", "vicodin123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return u
}

func TestEnsureBootstrapDoctor(t *testing.T) {
	svc := openAuth(t)
	doc := bootstrap(t, svc)
	if doc.Role != RoleDoctor || doc.Username != "dr.house" {
		t.Fatalf("unexpected doctor: %+v", doc)
	}

	created, err := svc.EnsureBootstrapDoctor(context.Background(), BootstrapDoctor{Username: "dr.house", Password: "another-pass"})
	if err != nil || created {
		t.Fatalf("second bootstrap must be a no-op: created=%v err=%v", created, err)
	}
	if _, err := svc.AuthenticatePassword(context.Background(), "dr.house", "vicodin123"); err != nil {
		t.Fatalf("original password must still work: %v", err)
	}
	if _, err := svc.EnsureBootstrapDoctor(context.Background(), BootstrapDoctor{Username: "x", Password: "short"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
}

func TestAuthenticatePassword(t *testing.T) {
	svc := openAuth(t)
	bootstrap(t, svc)
	ctx := context.Background()

	if _, err := svc.AuthenticatePassword(ctx, "dr.house", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.AuthenticatePassword(ctx, "nobody", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc := openAuth(t)
	doc := bootstrap(t, svc)
	ctx := context.Background()
	base := time.Now()
	svc.now = func() time.Time { return base }

	tok, err := svc.CreateSession(ctx, doc, "127.0.0.1", "go-test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	u, err := svc.GetSessionUser(ctx, tok.AccessToken)
	if err != nil || u.ID != doc.ID {
		t.Fatalf("session user mismatch: %v %v", u, err)
	}

	svc.now = func() time.Time { return base.Add(20 * time.Minute) }
	if _, err := svc.GetSessionUser(ctx, tok.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired access token must be rejected, got %v", err)
	}

	fresh, _, err := svc.Refresh(ctx, tok.AccessToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.GetSessionUser(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("refreshed token rejected: %v", err)
	}

	if err := svc.RevokeSession(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.GetSessionUser(ctx, fresh.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked session must be rejected, got %v", err)
	}
	if _, _, err := svc.Refresh(ctx, tok.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh after revoke must fail, got %v", err)
	}
}

func TestRejectsForeignSignature(t *testing.T) {
	svc := openAuth(t)
	doc := bootstrap(t, svc)
	other := NewService(nil, ServiceConfig{JWTSecret: "other-secret"})
	tok, err := other.issue(doc.ID, doc.Role, "sid", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.GetSessionUser(context.Background(), tok.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := svc.Refresh(context.Background(), tok.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on refresh, got %v", err)
	}
}

func TestPatients(t *testing.T) {
	svc := openAuth(t)
	doc := bootstrap(t, svc)
	ctx := context.Background()

	p, err := svc.CreatePatient(ctx, doc.ID, PatientInput{Username: "Ann", Password: "password1", FullName: "Ann Smith", Email: "ANN@example.com"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if p.Role != RolePatient || p.DoctorID != doc.ID || p.Email != "ann@example.com" {
		t.Fatalf("unexpected patient: %+v", p)
	}
	if _, err := svc.CreatePatient(ctx, doc.ID, PatientInput{Username: "ann", Password: "password1", FullName: "Dup"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := svc.CreatePatient(ctx, doc.ID, PatientInput{Username: "bob", Password: "short", FullName: "Bob"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	owner, err := svc.PatientDoctor(ctx, p.ID)
	if err != nil || owner != doc.ID {
		t.Fatalf("patient doctor mismatch: %q %v", owner, err)
	}
	if _, err := svc.PatientDoctor(ctx, doc.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("doctor is not a patient, got %v", err)
	}

	list, err := svc.ListPatients(ctx, doc.ID)
	if err != nil || len(list) != 1 || list[0].ID != p.ID {
		t.Fatalf("list mismatch: %+v %v", list, err)
	}
}

func TestUpdateAndDeletePatient(t *testing.T) {
	svc := openAuth(t)
	doc := bootstrap(t, svc)
	ctx := context.Background()

	other, err := svc.CreatePatient(ctx, doc.ID, PatientInput{Username: "zed", Password: "password1", FullName: "Zed"})
	if err != nil {
		t.Fatalf("create other doctor: %v", err)
	}
	if _, err := svc.db.ExecContext(ctx, `UPDATE users SET role = 'doctor', doctor_id = NULL WHERE id = $1`, other.ID); err != nil {
		t.Fatalf("promote doctor: %v", err)
	}
	for _, id := range []string{"c-dementia", "c-stroke"} {
		if _, err := svc.db.ExecContext(ctx, `INSERT INTO conditions (id, name, created_at, updated_at) VALUES ($1, $1, 0, 0)`, id); err != nil {
			t.Fatalf("seed condition: %v", err)
		}
	}

	p, err := svc.CreatePatient(ctx, doc.ID, PatientInput{Username: "ann", Password: "password1", FullName: "Ann"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}

	updated, err := svc.UpdatePatient(ctx, doc.ID, p.ID, PatientUpdate{
		FullName:   " Ann Smith ",
		Email:      "Ann@Example.com",
		Address:    "1 Main St",
		Password:   "password2",
		Conditions: []string{"c-stroke", "c-dementia", "c-stroke"},
	})
	if err != nil {
		t.Fatalf("update patient: %v", err)
	}
	if updated.FullName != "Ann Smith" || updated.Email != "ann@example.com" || len(updated.Conditions) != 2 || updated.Conditions[0] != "c-dementia" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if _, err := svc.AuthenticatePassword(ctx, "ann", "password2"); err != nil {
		t.Fatalf("new password must work: %v", err)
	}

	// nil conditions keep the current tags
	if _, err := svc.UpdatePatient(ctx, doc.ID, p.ID, PatientUpdate{FullName: "Ann Smith"}); err != nil {
		t.Fatalf("update without conditions: %v", err)
	}
	list, err := svc.ListPatients(ctx, doc.ID)
	if err != nil || len(list) != 1 || len(list[0].Conditions) != 2 {
		t.Fatalf("conditions not listed: %+v %v", list, err)
	}

	if _, err := svc.UpdatePatient(ctx, doc.ID, p.ID, PatientUpdate{FullName: "Ann", Conditions: []string{"c-unknown"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown condition, got %v", err)
	}
	if _, err := svc.UpdatePatient(ctx, other.ID, p.ID, PatientUpdate{FullName: "Mine"}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for another doctor, got %v", err)
	}
	if err := svc.DeletePatient(ctx, other.ID, p.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for another doctor, got %v", err)
	}

	user, err := svc.AuthenticatePassword(ctx, "ann", "password2")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	tok, err := svc.CreateSession(ctx, user, "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := svc.DeletePatient(ctx, doc.ID, p.ID); err != nil {
		t.Fatalf("delete patient: %v", err)
	}
	if err := svc.DeletePatient(ctx, doc.ID, p.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second delete must report not found, got %v", err)
	}
	if _, err := svc.GetSessionUser(ctx, tok.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("sessions must be revoked, got %v", err)
	}
	if _, err := svc.AuthenticatePassword(ctx, "ann", "password2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("deleted patient must not log in, got %v", err)
	}
	if _, err := svc.PatientDoctor(ctx, p.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("deleted patient cannot be assigned, got %v", err)
	}
	if list, _ := svc.ListPatients(ctx, doc.ID); len(list) != 0 {
		t.Fatalf("deleted patient still listed: %+v", list)
	}
}

func TestDoctorProfile(t *testing.T) {
	svc := openAuth(t)
	doc := bootstrap(t, svc)
	ctx := context.Background()

	u, err := svc.UpdateProfile(ctx, doc.ID, ProfileInput{
		FullName:   "Gregory House",
		Email:      "house@example.com",
		Phone:      "555-0101",
		Speciality: " Diagnostic medicine ",
		Address:    "Princeton-Plainsboro",
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if u.Speciality != "Diagnostic medicine" || u.Phone != "555-0101" {
		t.Fatalf("unexpected profile: %+v", u)
	}
	got, err := svc.GetProfile(ctx, doc.ID)
	if err != nil || got.FullName != "Gregory House" || got.Address != "Princeton-Plainsboro" {
		t.Fatalf("profile not persisted: %+v %v", got, err)
	}
	if _, err := svc.UpdateProfile(ctx, doc.ID, ProfileInput{FullName: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.GetProfile(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestPatientExcelRoundTrip(t *testing.T) {
	svc := openAuth(t)
	doc := bootstrap(t, svc)
	ctx := context.Background()

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"username", "full_name", "password", "email"},
		{"carol", "Carol King", "password1", "carol@example.com"},
		{"dave", "Dave Gray", "short", ""},
		{"", "", "", ""},
		{"erin", "Erin Hale", "password2", "not-an-email"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	report, err := svc.ImportPatientsExcel(ctx, doc.ID, &buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.TotalRows != 3 || report.SuccessRows != 1 || report.FailedRows != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Errors[0].Row != 3 || report.Errors[1].Username != "erin" {
		t.Fatalf("unexpected row errors: %+v", report.Errors)
	}

	data, err := svc.ExportPatientsExcel(ctx, doc.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	out, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	got, _ := out.GetRows(out.GetSheetName(0))
	if len(got) != 2 || got[1][0] != "carol" {
		t.Fatalf("unexpected export rows: %v", got)
	}

	if _, err := svc.ImportPatientsExcel(ctx, doc.ID, bytes.NewReader([]byte("not xlsx"))); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for garbage, got %v", err)
	}
}
