package runstore

import (
	"testing"
	"time"
)

func TestResumeTokenService_GenerateValidate(t *testing.T) {
	service := NewResumeTokenService("secret", time.Hour)
	token, err := service.Generate("run-123")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	runID, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if runID != "run-123" {
		t.Fatalf("expected run-123, got %q", runID)
	}
}

func TestResumeTokenService_RejectsWrongSecret(t *testing.T) {
	issuer := NewResumeTokenService("secret-a", time.Hour)
	verifier := NewResumeTokenService("secret-b", time.Hour)

	token, err := issuer.Generate("run-1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := verifier.Validate(token); err != ErrInvalidResumeToken {
		t.Fatalf("expected ErrInvalidResumeToken, got %v", err)
	}
}

func TestResumeTokenService_RejectsExpiredToken(t *testing.T) {
	service := NewResumeTokenService("secret", -time.Hour)
	token, err := service.Generate("run-1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != ErrInvalidResumeToken {
		t.Fatalf("expected ErrInvalidResumeToken, got %v", err)
	}
}

func TestResumeTokenService_RequiresRunID(t *testing.T) {
	service := NewResumeTokenService("secret", time.Hour)
	if _, err := service.Generate(""); err == nil {
		t.Fatal("expected error for empty run_id")
	}
}

func TestResumeTokenService_Disabled(t *testing.T) {
	service := NewResumeTokenService("", time.Hour)
	if _, err := service.Generate("run-1"); err != ErrTokenServiceDisabled {
		t.Fatalf("expected ErrTokenServiceDisabled, got %v", err)
	}
	if _, err := service.Validate("whatever"); err != ErrTokenServiceDisabled {
		t.Fatalf("expected ErrTokenServiceDisabled, got %v", err)
	}
}
