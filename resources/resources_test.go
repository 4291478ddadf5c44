package resources

import "testing"

func TestParseMemoryMiB(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"256Mi", 256, false},
		{"1Gi", 1024, false},
		{"2049Ki", 2, false}, // truncates: 2049/1024 = 2.00097...
		{"1024Ki", 1, false},
		{"1023Ki", 0, false}, // truncates to 0
		{"", 0, true},
		{"256", 0, true},
		{"256MB", 0, true},
		{"-1Mi", 0, true},
		{"notanumberMi", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMemoryMiB(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMemoryMiB(%q) expected error, got nil", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMemoryMiB(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMemoryMiB(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestValidateCPUQuota(t *testing.T) {
	if err := ValidateCPUQuota(CPUQuota{Quota: 100000, Period: 100000}); err != nil {
		t.Errorf("ValidateCPUQuota() unexpected error: %v", err)
	}
	if err := ValidateCPUQuota(CPUQuota{Quota: 0, Period: 100000}); err == nil {
		t.Error("ValidateCPUQuota() expected error for zero quota")
	}
	if err := ValidateCPUQuota(CPUQuota{Quota: 100000, Period: 0}); err == nil {
		t.Error("ValidateCPUQuota() expected error for zero period")
	}
	if err := ValidateCPUQuota(CPUQuota{Quota: -1, Period: 100000}); err == nil {
		t.Error("ValidateCPUQuota() expected error for negative quota")
	}
}

func TestFormatCPUMax(t *testing.T) {
	got := FormatCPUMax(CPUQuota{Quota: 50000, Period: 100000})
	if got != "50000 100000" {
		t.Errorf("FormatCPUMax() = %q, want %q", got, "50000 100000")
	}
}
