package postgres

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testStorage() *Storage {
	return New(nil, "https://host/files", []byte("test-secret"))
}

func TestDownloadURLShape(t *testing.T) {
	s := testStorage()
	now := time.Unix(1_700_000_000, 0)
	s.clock = func() time.Time { return now }

	link, err := s.DownloadURL(context.Background(), "runs/r1", "f1", "shot.png", time.Hour)
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse %q: %v", link, err)
	}
	// The folder's slash is escaped so the id stays the last path segment.
	if !strings.HasPrefix(link, "https://host/files/runs%2Fr1/f1?") {
		t.Errorf("link = %q", link)
	}
	q := u.Query()
	if q.Get("expires") != strconv.FormatInt(now.Add(time.Hour).Unix(), 10) {
		t.Errorf("expires = %q", q.Get("expires"))
	}
	if q.Get("sig") == "" || q.Get("filename") != "shot.png" {
		t.Errorf("query = %v", q)
	}
}

func TestSignDeterministicPerSecret(t *testing.T) {
	s := testStorage()
	a := s.sign("runs/r1", "f1", 100)
	if a != s.sign("runs/r1", "f1", 100) {
		t.Error("signature not deterministic")
	}
	if a == s.sign("runs/r1", "f1", 101) || a == s.sign("runs/r2", "f1", 100) {
		t.Error("signature ignores inputs")
	}
	other := New(nil, "https://host/files", []byte("other-secret"))
	if a == other.sign("runs/r1", "f1", 100) {
		t.Error("signature ignores secret")
	}
}

func TestSplitBlobPath(t *testing.T) {
	tests := []struct {
		path   string
		folder string
		id     string
		ok     bool
	}{
		{"/files/runs%2Fr1/f1", "files/runs/r1", "f1", true},
		{"/runs%2Fr1/f1", "runs/r1", "f1", true},
		{"/plain/f1", "plain", "f1", true},
		{"/f1", "", "", false},
		{"/folder/", "", "", false},
		{"", "", "", false},
		{"/bad%zz/f1", "", "", false},
	}
	for _, tt := range tests {
		folder, id, ok := splitBlobPath(tt.path)
		if ok != tt.ok || folder != tt.folder || id != tt.id {
			t.Errorf("splitBlobPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, folder, id, ok, tt.folder, tt.id, tt.ok)
		}
	}
}

func TestServeBlobRejectsBadLinks(t *testing.T) {
	s := testStorage()
	now := time.Unix(1_700_000_000, 0)
	s.clock = func() time.Time { return now }
	h := s.Handler()

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	// No id segment.
	if rec := get("/f1"); rec.Code != http.StatusNotFound {
		t.Errorf("short path: %d", rec.Code)
	}
	// Expired link.
	expired := now.Add(-time.Minute).Unix()
	sig := s.sign("runs/r1", "f1", expired)
	if rec := get("/runs%2Fr1/f1?expires=" + strconv.FormatInt(expired, 10) + "&sig=" + sig); rec.Code != http.StatusForbidden {
		t.Errorf("expired link: %d", rec.Code)
	}
	// Tampered signature.
	valid := now.Add(time.Hour).Unix()
	if rec := get("/runs%2Fr1/f1?expires=" + strconv.FormatInt(valid, 10) + "&sig=deadbeef"); rec.Code != http.StatusForbidden {
		t.Errorf("bad signature: %d", rec.Code)
	}
	// Missing expires.
	if rec := get("/runs%2Fr1/f1?sig=x"); rec.Code != http.StatusForbidden {
		t.Errorf("missing expires: %d", rec.Code)
	}
}
