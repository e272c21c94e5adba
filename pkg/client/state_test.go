package client

import (
	"path/filepath"
	"testing"
)

func openTestState(t *testing.T) (*State, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "client.db")
	state, err := OpenState(path)
	if err != nil {
		t.Fatalf("OpenState() error = %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state, path
}

func mustParse(t *testing.T, raw string) Address {
	t.Helper()
	addr, err := ParseAddress(raw)
	if err != nil {
		t.Fatalf("ParseAddress(%q) error = %v", raw, err)
	}
	return addr
}

func TestStateConfig(t *testing.T) {
	state, _ := openTestState(t)

	value, err := state.GetConfig("missing")
	if err != nil || value != "" {
		t.Errorf("GetConfig(missing) = %q, %v; want empty, nil", value, err)
	}

	if err := state.SetConfig("theme", "dark"); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	if err := state.SetConfig("theme", "light"); err != nil {
		t.Fatalf("SetConfig() overwrite error = %v", err)
	}
	if value, _ := state.GetConfig("theme"); value != "light" {
		t.Errorf("GetConfig(theme) = %q, want %q", value, "light")
	}
}

func TestStateRecordJoin(t *testing.T) {
	state, _ := openTestState(t)

	if state.LastUsername() != "" || state.LastServer() != "" {
		t.Fatal("fresh state should have no last username or server")
	}

	ssh := mustParse(t, "ssh://chat.example.com")
	if err := state.RecordJoin(ssh, "alice"); err != nil {
		t.Fatalf("RecordJoin() error = %v", err)
	}
	if err := state.RecordJoin(ssh, "alice2"); err != nil {
		t.Fatalf("RecordJoin() again error = %v", err)
	}

	if got := state.LastUsername(); got != "alice2" {
		t.Errorf("LastUsername() = %q, want %q", got, "alice2")
	}
	if got := state.LastServer(); got != "ssh://chat.example.com:2222" {
		t.Errorf("LastServer() = %q", got)
	}

	records, err := state.RecentServers(10)
	if err != nil {
		t.Fatalf("RecentServers() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("RecentServers() returned %d records, want 1", len(records))
	}
	if records[0].JoinCount != 2 || records[0].Username != "alice2" || records[0].Transport != "ssh" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestStateLastTransport(t *testing.T) {
	state, _ := openTestState(t)

	if err := state.RecordJoin(mustParse(t, "ws://chat.example.com"), "bob"); err != nil {
		t.Fatalf("RecordJoin() error = %v", err)
	}

	tests := []struct {
		key      string
		expected string
	}{
		{"chat.example.com:8081", "ws"},
		{"chat.example.com", "ws"},
		{"chat.example.com:8080", ""},
		{"other.example.com", ""},
	}
	for _, tt := range tests {
		got, err := state.LastTransport(tt.key)
		if err != nil {
			t.Fatalf("LastTransport(%q) error = %v", tt.key, err)
		}
		if got != tt.expected {
			t.Errorf("LastTransport(%q) = %q, want %q", tt.key, got, tt.expected)
		}
	}

	// State satisfies the resolver's history
	if got := ResolveAddress("chat.example.com", state, nil); got != "ws://chat.example.com" {
		t.Errorf("ResolveAddress() = %q", got)
	}
}

func TestStatePersistsAcrossOpen(t *testing.T) {
	state, path := openTestState(t)
	if err := state.RecordJoin(mustParse(t, "localhost:9000"), "carol"); err != nil {
		t.Fatalf("RecordJoin() error = %v", err)
	}
	state.Close()

	reopened, err := OpenState(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if got := reopened.LastUsername(); got != "carol" {
		t.Errorf("LastUsername() after reopen = %q, want %q", got, "carol")
	}
	if reopened.Dir() != filepath.Dir(path) {
		t.Errorf("Dir() = %q, want %q", reopened.Dir(), filepath.Dir(path))
	}
}
