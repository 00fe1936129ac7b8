package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"https://Example.COM", "https://example.com", "example.com", true},
		{"https://example.com:443", "https://example.com", "example.com", true},
		{"http://example.com:80/", "http://example.com", "example.com", true},
		{"http://localhost:3000", "http://localhost:3000", "localhost:3000", true},
		{"http://[::1]:9000", "http://[::1]:9000", "[::1]:9000", true},
		{"http://[::1]", "http://[::1]", "[::1]", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com?x=1", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:70000", "", "", false},
		{"example.com", "", "", false},
	}
	for _, tc := range cases {
		norm, host, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK || norm != tc.wantNorm || host != tc.wantHost {
			t.Errorf("NormalizeHeader(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.in, norm, host, ok, tc.wantNorm, tc.wantHost, tc.wantOK)
		}
	}
}

func TestIsAllowed_AllowList(t *testing.T) {
	allowed := []string{"https://app.example.com"}
	if !IsAllowed("https://app.example.com", "app.example.com", "relay.example.com", allowed) {
		t.Fatalf("expected listed origin to be allowed")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "relay.example.com", allowed) {
		t.Fatalf("expected unlisted origin to be rejected")
	}
	if !IsAllowed("https://anything.test", "anything.test", "relay.example.com", []string{"*"}) {
		t.Fatalf("expected wildcard to allow any origin")
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	if !IsAllowed("https://relay.example.com", "relay.example.com", "relay.example.com:443", nil) {
		t.Fatalf("expected same host with default port to be allowed")
	}
	if !IsAllowed("http://localhost:9000", "localhost:9000", "localhost:9000", nil) {
		t.Fatalf("expected same host:port to be allowed")
	}
	if IsAllowed("http://localhost:3000", "localhost:3000", "localhost:9000", nil) {
		t.Fatalf("expected different port to be rejected")
	}
	if IsAllowed(Null, "", "localhost:9000", nil) {
		t.Fatalf("expected null origin to be rejected by same-host policy")
	}
}
