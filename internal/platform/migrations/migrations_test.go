package migrations

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	source, err := iofs.New(files, "migrations")
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	defer source.Close()

	version, err := source.First()
	if err != nil {
		t.Fatalf("first migration: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first migration version 1, got %d", version)
	}

	up, _, err := source.ReadUp(version)
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}
	up.Close()

	down, _, err := source.ReadDown(version)
	if err != nil {
		t.Fatalf("read down migration: %v", err)
	}
	down.Close()
}
