package dbdialect

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func TestBuildSQLiteDSN(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw      string
		expected string
	}{
		{raw: "sqlite://tokens.db", expected: "tokens.db"},
		{raw: "sqlite:///tmp/tokens.db", expected: "/tmp/tokens.db"},
		{raw: "sqlite:tokens.db", expected: "tokens.db"},
		{raw: "sqlite://data/tokens.db?_pragma=busy_timeout(5000)", expected: "data/tokens.db?_pragma=busy_timeout(5000)"},
	}
	for _, testCase := range testCases {
		parsed, err := url.Parse(testCase.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", testCase.raw, err)
		}
		dsn, dsnErr := BuildSQLiteDSN(parsed)
		if dsnErr != nil {
			t.Fatalf("%q: unexpected error %v", testCase.raw, dsnErr)
		}
		if dsn != testCase.expected {
			t.Fatalf("%q: expected %q, got %q", testCase.raw, testCase.expected, dsn)
		}
	}
}

func TestOpenRejectsUnsupportedSchemes(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "mysql://localhost/db"); !errors.Is(err, ErrUnsupportedDialect) {
		t.Fatalf("expected unsupported dialect error, got %v", err)
	}
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty URL")
	}
	if _, err := Open(context.Background(), "tokens.db"); err == nil {
		t.Fatalf("expected error for URL without scheme")
	}
}

func TestOpenSQLite(t *testing.T) {
	t.Parallel()

	databasePath := filepath.Join(t.TempDir(), "handle.db")
	handle, err := Open(context.Background(), "sqlite://"+databasePath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if handle.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver label, got %q", handle.Driver)
	}
	if closeErr := handle.Close(); closeErr != nil {
		t.Fatalf("close: %v", closeErr)
	}
}
