package main

import "testing"

func TestOpenRepositorySQLite(t *testing.T) {
	repo, err := openRepository(config{StorageBackend: backendSQLite, SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if closer, ok := repo.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func TestNewAuthWithSharedSecret(t *testing.T) {
	auth, err := newAuth(config{LocalAuthSharedSecret: "secret"})
	if err != nil || auth == nil {
		t.Fatalf("new auth: %v", err)
	}
	if _, err := auth.UserIDFromAuthHeader(""); err == nil {
		t.Fatal("expected a missing header to be rejected")
	}
}
