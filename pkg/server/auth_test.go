package server

import "testing"

func TestAuthLoginAndValidate(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	auth := NewAuthService(true, hash, "test-secret", 3600)

	if _, err := auth.Login("wrong"); err == nil {
		t.Error("wrong password should fail")
	}
	token, err := auth.Login("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := auth.ValidateToken(token); err != nil {
		t.Errorf("fresh token invalid: %v", err)
	}
	if err := auth.ValidateToken("garbage"); err == nil {
		t.Error("garbage token validated")
	}

	refreshed, err := auth.RefreshToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if err := auth.ValidateToken(refreshed); err != nil {
		t.Errorf("refreshed token invalid: %v", err)
	}
}

func TestAuthDisabledPassesEverything(t *testing.T) {
	auth := NewAuthService(false, "", "", 0)
	if err := auth.ValidateToken(""); err != nil {
		t.Errorf("disabled auth rejected empty token: %v", err)
	}
	if err := auth.ValidateToken("anything"); err != nil {
		t.Errorf("disabled auth rejected token: %v", err)
	}
}

func TestTokensSignedWithDifferentKeysRejected(t *testing.T) {
	hash, _ := HashPassword("pw")
	a := NewAuthService(true, hash, "key-one", 3600)
	b := NewAuthService(true, hash, "key-two", 3600)

	token, err := a.Login("pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ValidateToken(token); err == nil {
		t.Error("token from another key validated")
	}
}
