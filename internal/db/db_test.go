package db

import (
	"context"
	"testing"
)

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    Driver
		wantErr bool
	}{
		{in: "postgres", want: DriverPostgres},
		{in: "PGX", want: DriverPostgres},
		{in: "sqlite", want: DriverSQLite},
		{in: "sqlite3", want: DriverSQLite},
		{in: "mysql", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseDriver(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDriver(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseDriver(%q)=(%s,%v) want %s", tc.in, got, err, tc.want)
		}
	}
}

func TestOpenSQLiteBootstrapsSchema(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, DriverSQLite, "file::memory:?_pragma=foreign_keys(1)", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"users", "auth_sessions", "question_categories", "tests", "conditions", "patient_conditions", "assignments"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=$1`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	// bootstrap is idempotent
	if err := ensureSchema(ctx, conn, DriverSQLite); err != nil {
		t.Fatalf("second ensureSchema: %v", err)
	}
}
