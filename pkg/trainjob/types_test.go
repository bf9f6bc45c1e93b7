package trainjob

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"idle", "preparing", "training", "completed", "stopped", "error"} {
		if _, err := ParseStatus(raw); err != nil {
			t.Fatalf("expected %q to parse, got %v", raw, err)
		}
	}
	if _, err := ParseStatus("running"); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}

	var resp StatusResponse
	if err := json.Unmarshal([]byte(`{"status":"failed"}`), &resp); err == nil {
		t.Fatalf("expected decode of unknown status to fail")
	}
	if err := json.Unmarshal([]byte(`{"status":"preparing","progress":5}`), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.Status != StatusPreparing || resp.Progress != 5 {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusCompleted.IsTerminal() || !StatusError.IsTerminal() {
		t.Fatalf("completed and error must be terminal")
	}
	if StatusStopped.IsTerminal() || StatusTraining.IsTerminal() {
		t.Fatalf("stopped and training must not be terminal")
	}
	if !StatusPreparing.IsActive() || !StatusTraining.IsActive() || StatusIdle.IsActive() {
		t.Fatalf("unexpected IsActive results")
	}
}

func TestPageWindow(t *testing.T) {
	cases := []struct {
		total, page, size int
		start, end        int
	}{
		{10, 1, 0, 0, 10},
		{10, 1, 3, 0, 3},
		{10, 4, 3, 9, 10},
		{10, 5, 3, 10, 10},
		{10, 0, 4, 0, 4},
		{0, 1, 10, 0, 0},
	}
	for _, tc := range cases {
		start, end := PageWindow(tc.total, tc.page, tc.size)
		if start != tc.start || end != tc.end {
			t.Fatalf("PageWindow(%d,%d,%d) = [%d,%d), want [%d,%d)", tc.total, tc.page, tc.size, start, end, tc.start, tc.end)
		}
	}
}

func TestConfigCloneIsDeep(t *testing.T) {
	orig := Config{"epochs": 10, "extra": map[string]any{"warmup": 2}}
	clone := orig.Clone()
	clone["extra"].(map[string]any)["warmup"] = 5
	clone["epochs"] = 99

	if orig["epochs"] != 10 {
		t.Fatalf("clone mutated original scalar")
	}
	if orig["extra"].(map[string]any)["warmup"] != 2 {
		t.Fatalf("clone mutated original nested map")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{"learning_rate": 0.001, "batch_size": 32, "epochs": float64(10), "optimizer": "adam"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	invalid := []Config{
		{"learning_rate": -1.0},
		{"batch_size": 0},
		{"epochs": 2.5},
		{"optimizer": "adagrad"},
		{"optimizer": 3},
		{"use_gpu": "yes"},
	}
	for _, cfg := range invalid {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig for %v, got %v", cfg, err)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{"epochs": 3}.WithDefaults()
	if n, _ := cfg.Int("epochs"); n != 3 {
		t.Fatalf("explicit epochs overwritten: %v", cfg["epochs"])
	}
	if arch, _ := cfg.StringValue("model_arch"); arch != "yolov8n.pt" {
		t.Fatalf("expected default model_arch, got %v", cfg["model_arch"])
	}
	if !reflect.DeepEqual(Config(nil).WithDefaults(), DefaultConfig()) {
		t.Fatalf("nil config should yield defaults")
	}
}
