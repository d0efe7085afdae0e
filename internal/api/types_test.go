package api

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 10 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `"10s"`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"1m"`, time.Minute, false},
		{`"not-a-duration"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestExecuteResponse_JSONFields(t *testing.T) {
	resp := ExecuteResponse{
		ExecID:   "abc",
		Status:   StatusError,
		ExitCode: -1,
		Stderr:   "Timeout",
		Duration: Duration{Duration: 1500 * time.Millisecond},
	}

	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"exec_id", "status", "exit_code", "stdout", "stderr", "duration"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing %q in %s", key, b)
		}
	}
	if raw["exit_code"] != float64(-1) {
		t.Errorf("exit_code = %v, want -1", raw["exit_code"])
	}
	if raw["duration"] != "1.5s" {
		t.Errorf("duration = %v, want 1.5s", raw["duration"])
	}
	if raw["stdout"] != "" {
		t.Errorf("stdout = %v, want empty string", raw["stdout"])
	}
}
