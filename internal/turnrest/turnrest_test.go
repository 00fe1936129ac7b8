package turnrest

import (
	"testing"
	"time"
)

func TestGenerator_Generate(t *testing.T) {
	g, err := NewGenerator(Config{
		SharedSecret:   "s3cret",
		TTL:            time.Hour,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("abc123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if want := "1700003600:aero:abc123"; creds.Username != want {
		t.Fatalf("username=%q, want %q", creds.Username, want)
	}
	if creds.Credential != Sign([]byte("s3cret"), creds.Username) {
		t.Fatalf("credential does not match HMAC of username")
	}
	if creds.Expires.Unix() != 1_700_003_600 {
		t.Fatalf("expires=%v", creds.Expires)
	}
}

func TestGenerator_RejectsColonInID(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "x", TTL: time.Minute, UsernamePrefix: "aero"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for id containing ':'")
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if creds.Username == "" || creds.Credential == "" {
		t.Fatalf("empty random credentials: %+v", creds)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	bad := []Config{
		{TTL: time.Minute, UsernamePrefix: "aero"},
		{SharedSecret: "x", UsernamePrefix: "aero"},
		{SharedSecret: "x", TTL: time.Minute},
		{SharedSecret: "x", TTL: time.Minute, UsernamePrefix: "a:b"},
	}
	for i, cfg := range bad {
		if _, err := NewGenerator(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestSign_KnownVector(t *testing.T) {
	// RFC 2202 test case 2 (HMAC-SHA1, key "Jefe").
	got := Sign([]byte("Jefe"), "what do ya want for nothing?")
	if want := "7/zfauXrL6LSdBbV8YTfnCWafHk="; got != want {
		t.Fatalf("Sign=%q, want %q", got, want)
	}
}
