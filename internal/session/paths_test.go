package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/inbox/internal/config"
)

func TestPathsFollowHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	tests := []struct {
		got, want string
	}{
		{Dir("main"), filepath.Join(home, "sessions", "main")},
		{SocketPath("w"), filepath.Join(home, "sessions", "w", "inboxd.sock")},
		{PIDPath("w"), filepath.Join(home, "sessions", "w", "inboxd.pid")},
		{CacheDBPath("w"), filepath.Join(home, "sessions", "w", "cache.db")},
		{LogPath("w"), filepath.Join(home, "sessions", "w", "logs", "inboxd.log")},
		{ConfigPath(), filepath.Join(home, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got := BaseDir(); got != filepath.Join(home, ".inbox") {
		t.Errorf("BaseDir() = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("log dir mode = %v, want dir 0700", info.Mode())
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.session", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "../etc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultSession = "work"

	if got, _ := Resolve("flag", cfg); got != "flag" {
		t.Errorf("flag: got %q", got)
	}
	if got, _ := Resolve("", cfg); got != "work" {
		t.Errorf("config: got %q", got)
	}
	if got, _ := Resolve("", nil); got != DefaultSessionName {
		t.Errorf("default: got %q", got)
	}
	if _, err := Resolve("Bad Name", cfg); err == nil {
		t.Error("Resolve() accepted an invalid name")
	}
}

func TestList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	names, err := List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() on empty home = %v, %v", names, err)
	}
	for _, n := range []string{"work", "main"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(BaseDir(), "sessions", "Bad Name"), 0700); err != nil {
		t.Fatal(err)
	}

	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "main" || names[1] != "work" {
		t.Errorf("List() = %v, want [main work]", names)
	}
}
