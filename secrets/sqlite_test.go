package secrets

import (
	"context"
	"errors"
	"testing"
	"time"
)

func createInMemoryManager(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory manager: %v", err)
	}
	return manager
}

func createTestSecret(repo, key, value, createdBy string) UnlockedSecret {
	return UnlockedSecret{
		Key:       key,
		Value:     value,
		Repo:      Repo(repo),
		CreatedAt: time.Now(),
		CreatedBy: createdBy,
	}
}

// ensure that interface is satisfied
func TestManagerInterface(t *testing.T) {
	var _ Manager = (*SqliteManager)(nil)
}

func TestAddAndGetSecret(t *testing.T) {
	m := createInMemoryManager(t)
	ctx := context.Background()

	secret := createTestSecret("loomci/loom", "API_TOKEN", "hunter2", "alice")
	if err := m.AddSecret(ctx, secret); err != nil {
		t.Fatalf("AddSecret failed: %v", err)
	}

	unlocked, err := m.GetSecretsUnlocked(ctx, "loomci/loom")
	if err != nil {
		t.Fatalf("GetSecretsUnlocked failed: %v", err)
	}
	if len(unlocked) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(unlocked))
	}
	if unlocked[0].Key != "API_TOKEN" || unlocked[0].Value != "hunter2" {
		t.Errorf("unexpected secret %+v", unlocked[0])
	}

	locked, err := m.GetSecretsLocked(ctx, "loomci/loom")
	if err != nil {
		t.Fatalf("GetSecretsLocked failed: %v", err)
	}
	if len(locked) != 1 {
		t.Fatalf("expected 1 locked secret, got %d", len(locked))
	}
}

func TestAddSecretDuplicate(t *testing.T) {
	m := createInMemoryManager(t)
	ctx := context.Background()

	secret := createTestSecret("loomci/loom", "API_TOKEN", "hunter2", "alice")
	if err := m.AddSecret(ctx, secret); err != nil {
		t.Fatalf("AddSecret failed: %v", err)
	}

	err := m.AddSecret(ctx, secret)
	if !errors.Is(err, ErrKeyAlreadyPresent) {
		t.Errorf("expected ErrKeyAlreadyPresent, got %v", err)
	}
}

func TestAddSecretInvalidKey(t *testing.T) {
	m := createInMemoryManager(t)
	ctx := context.Background()

	tests := []string{"", "1LEADING_DIGIT", "has-dash", "has space", "has.dot"}
	for _, key := range tests {
		err := m.AddSecret(ctx, createTestSecret("r", key, "v", "alice"))
		if !errors.Is(err, ErrInvalidKeyIdent) {
			t.Errorf("key %q: expected ErrInvalidKeyIdent, got %v", key, err)
		}
	}
}

func TestRemoveSecret(t *testing.T) {
	m := createInMemoryManager(t)
	ctx := context.Background()

	if err := m.AddSecret(ctx, createTestSecret("r", "KEY", "v", "alice")); err != nil {
		t.Fatalf("AddSecret failed: %v", err)
	}

	err := m.RemoveSecret(ctx, Secret[any]{Repo: "r", Key: "KEY"})
	if err != nil {
		t.Fatalf("RemoveSecret failed: %v", err)
	}

	err = m.RemoveSecret(ctx, Secret[any]{Repo: "r", Key: "KEY"})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestSecretsScopedByRepo(t *testing.T) {
	m := createInMemoryManager(t)
	ctx := context.Background()

	if err := m.AddSecret(ctx, createTestSecret("a/x", "KEY", "v1", "alice")); err != nil {
		t.Fatal(err)
	}
	if err := m.AddSecret(ctx, createTestSecret("b/y", "KEY", "v2", "bob")); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetSecretsUnlocked(ctx, "a/x")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != "v1" {
		t.Errorf("expected only a/x secrets, got %+v", got)
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"A", "_x", "FOO_BAR", "a1"}
	for _, k := range valid {
		if err := ValidateKey(k); err != nil {
			t.Errorf("key %q should be valid: %v", k, err)
		}
	}
}
