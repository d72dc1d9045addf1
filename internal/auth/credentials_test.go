package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validCredential(minutesLeft float64) *Credential {
	return &Credential{
		AccessToken:  "tok",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().UnixMilli() + int64(minutesLeft*60000),
	}
}

func TestIsValid_NilAndEmpty(t *testing.T) {
	if IsValid(nil) {
		t.Error("IsValid(nil) should be false")
	}
	if IsValid(&Credential{ExpiryDate: time.Now().UnixMilli() + 3600000}) {
		t.Error("IsValid() should be false without an access token")
	}
}

func TestIsValid_RefreshBuffer(t *testing.T) {
	// 10 seconds of real expiry left is inside the 30s buffer.
	insideBuffer := &Credential{AccessToken: "tok", ExpiryDate: time.Now().UnixMilli() + 10000}
	if IsValid(insideBuffer) {
		t.Error("IsValid() should be false inside the refresh buffer")
	}

	outsideBuffer := &Credential{AccessToken: "tok", ExpiryDate: time.Now().UnixMilli() + 120000}
	if !IsValid(outsideBuffer) {
		t.Error("IsValid() should be true well before the buffer")
	}
}

func TestMinutesLeft_Expired(t *testing.T) {
	now := time.Now()
	cred := &Credential{AccessToken: "tok", ExpiryDate: now.UnixMilli() - 60000}
	if got := cred.MinutesLeft(now); got != -1 {
		t.Errorf("MinutesLeft() = %v, want -1", got)
	}
}

func TestAPIBaseURL(t *testing.T) {
	tests := []struct {
		name        string
		resourceURL string
		want        string
	}{
		{"empty falls back", "", "https://fallback/v1"},
		{"bare host", "portal.qwen.ai", "https://portal.qwen.ai/v1"},
		{"host with scheme", "https://portal.qwen.ai", "https://portal.qwen.ai/v1"},
		{"already /v1", "https://portal.qwen.ai/v1", "https://portal.qwen.ai/v1"},
		{"trailing slash", "https://portal.qwen.ai/", "https://portal.qwen.ai/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := &Credential{ResourceURL: tt.resourceURL}
			if got := cred.APIBaseURL("https://fallback/v1"); got != tt.want {
				t.Errorf("APIBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	cred := validCredential(55)
	cred.ResourceURL = "portal.qwen.ai"

	if err := store.Save(cred, "work"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Fresh store forces a disk read.
	reread := NewStore(store.Dir())
	got, err := reread.Load("work")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if *got != *cred {
		t.Errorf("Load() = %+v, want %+v", got, cred)
	}
}

func TestStore_DefaultFileName(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save(validCredential(10), ""); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "oauth_creds.json")); err != nil {
		t.Errorf("default credential should be stored as oauth_creds.json: %v", err)
	}
}

func TestStore_LoadAllSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Save(validCredential(10), "good"); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "oauth_creds-bad.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	all := store.LoadAll()
	if _, ok := all["good"]; !ok {
		t.Error("LoadAll() should include the parseable credential")
	}
	if _, ok := all["bad"]; ok {
		t.Error("LoadAll() should skip the malformed credential")
	}
}

func TestStore_AccountIDsSortedWithoutDefault(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, id := range []string{"zeta", "", "alpha"} {
		if err := store.Save(validCredential(10), id); err != nil {
			t.Fatalf("Save(%q) error: %v", id, err)
		}
	}

	ids := store.AccountIDs()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "zeta" {
		t.Errorf("AccountIDs() = %v, want [alpha zeta]", ids)
	}
}

func TestStore_RemoveMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	err := store.Remove("ghost")
	if err == nil {
		t.Fatal("Remove() should fail for a missing account")
	}
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Remove() error = %v, want ErrAccountNotFound", err)
	}
}

func TestStore_RemoveDropsCache(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save(validCredential(10), "work"); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("work"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := store.Load("work"); err == nil {
		t.Error("Load() after Remove() should fail")
	}
}
