package database

import (
	"testing"
)

func TestStringList_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    []string
		wantErr bool
	}{
		{"nil value", nil, nil, false},
		{"empty bytes", []byte{}, nil, false},
		{"bytes", []byte(`["integration","e2e"]`), []string{"integration", "e2e"}, false},
		{"string", `["smoke"]`, []string{"smoke"}, false},
		{"unsupported type", 42, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l StringList
			err := l.Scan(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(l) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, l)
			}
			for i := range tt.want {
				if l[i] != tt.want[i] {
					t.Errorf("element %d: expected %q, got %q", i, tt.want[i], l[i])
				}
			}
		})
	}
}

func TestStringList_Value(t *testing.T) {
	var nilList StringList
	v, err := nilList.Value()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "[]" {
		t.Errorf("nil list should serialize as empty array, got %v", v)
	}

	list := StringList{"integration", "e2e"}
	v, err = list.Value()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != `["integration","e2e"]` {
		t.Errorf("unexpected serialization: %v", v)
	}
}

func TestStringList_Contains(t *testing.T) {
	list := StringList{"integration", "e2e"}

	if !list.Contains("e2e") {
		t.Error("expected e2e to be present")
	}
	if list.Contains("unit") {
		t.Error("did not expect unit to be present")
	}
	if (StringList)(nil).Contains("anything") {
		t.Error("nil list should contain nothing")
	}
}

func TestFlakyTestPattern_FailureRate(t *testing.T) {
	p := &FlakyTestPattern{TotalRuns: 0, FailureCount: 0}
	if rate := p.FailureRate(); rate != 0 {
		t.Errorf("empty pattern rate = %v, want 0", rate)
	}

	p = &FlakyTestPattern{TotalRuns: 20, FailureCount: 8}
	if rate := p.FailureRate(); rate != 0.4 {
		t.Errorf("rate = %v, want 0.4", rate)
	}
}

func TestFlakyTestPattern_Key(t *testing.T) {
	p := &FlakyTestPattern{ProjectID: "backend", TestName: "TestCheckout", TestSuite: "unit"}
	if key := p.Key(); key != "backend|TestCheckout|unit" {
		t.Errorf("unexpected key: %q", key)
	}

	// Suite-less patterns still produce a stable key.
	p.TestSuite = ""
	if key := p.Key(); key != "backend|TestCheckout|" {
		t.Errorf("unexpected suite-less key: %q", key)
	}
}

func TestNotifySettings_IsConfigured(t *testing.T) {
	s := &NotifySettings{}
	if s.IsConfigured() {
		t.Error("empty settings should not be configured")
	}

	s.BotToken = "xoxb-test"
	if s.IsConfigured() {
		t.Error("settings without channel should not be configured")
	}

	s.Channel = "#ci-flakes"
	if !s.IsConfigured() {
		t.Error("settings with token and channel should be configured")
	}
}

func TestNotifySettings_IsActive(t *testing.T) {
	s := &NotifySettings{BotToken: "xoxb-test", Channel: "#ci-flakes"}
	if s.IsActive() {
		t.Error("disabled settings should not be active")
	}

	s.Enabled = true
	if !s.IsActive() {
		t.Error("enabled configured settings should be active")
	}

	s.Channel = ""
	if s.IsActive() {
		t.Error("enabled but unconfigured settings should not be active")
	}
}
