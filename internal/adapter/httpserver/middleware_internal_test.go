package httpserver

import (
	"net/http/httptest"
	"testing"
)

func TestNewReqID_Unique(t *testing.T) {
	a := newReqID()
	b := newReqID()
	if a == "" || b == "" {
		t.Fatal("empty request id")
	}
	if a == b {
		t.Fatalf("ids collide: %s", a)
	}
	if len(a) != 26 {
		t.Fatalf("want 26-char ulid, got %d chars: %s", len(a), a)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{"forwarded chain", "10.0.0.1:4567", "203.0.113.9, 10.0.0.1", "", "203.0.113.9"},
		{"forwarded single", "10.0.0.1:4567", "198.51.100.7", "", "198.51.100.7"},
		{"real ip", "10.0.0.1:4567", "", "198.51.100.8", "198.51.100.8"},
		{"remote addr", "192.0.2.4:9999", "", "", "192.0.2.4"},
		{"remote addr no port", "192.0.2.4", "", "", "192.0.2.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-Ip", tc.realIP)
			}
			if got := clientIP(r); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
