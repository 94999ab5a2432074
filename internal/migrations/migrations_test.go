package migrations

import (
	"io/fs"
	"testing"
)

func TestDriverURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/wallet":   "pgx5://u:p@localhost:5432/wallet",
		"postgresql://localhost/wallet?ssl=true": "pgx5://localhost/wallet?ssl=true",
		"pgx5://localhost/wallet":                "pgx5://localhost/wallet",
	}
	for in, want := range cases {
		if got := DriverURL(in); got != want {
			t.Fatalf("DriverURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(files, "sql/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	downs, _ := fs.Glob(files, "sql/*.down.sql")
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected paired migrations, got %d up / %d down", len(ups), len(downs))
	}
}

func TestUpRequiresURL(t *testing.T) {
	if err := Up(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
