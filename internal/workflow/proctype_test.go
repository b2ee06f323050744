package workflow

import "testing"

func TestProcessType_RoundTrip(t *testing.T) {
	for _, p := range AllProcessTypes {
		got, err := ParseProcessType(p.String())
		if err != nil {
			t.Fatalf("ParseProcessType(%q): %v", p.String(), err)
		}
		if got != p {
			t.Errorf("ParseProcessType(%q) = %v, want %v", p.String(), got, p)
		}
	}
}

func TestParseProcessType(t *testing.T) {
	tests := []struct {
		in      string
		want    ProcessType
		wantErr bool
	}{
		{"EMOD3D", EMOD3D, false},
		{"im_calculation", IMCalculation, false},
		{"6", IMCalculation, false},
		{" HF ", HF, false},
		{"99", 0, true},
		{"nope", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseProcessType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProcessType(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseProcessType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseProcessTypes_Duplicate(t *testing.T) {
	_, err := ParseProcessTypes([]string{"HF", "hf"})
	if !IsConfigError(err) {
		t.Errorf("expected ConfigError for duplicate, got %v", err)
	}
}

func TestStatus_Ordering(t *testing.T) {
	for i := 1; i < len(AllStatuses); i++ {
		if AllStatuses[i] <= AllStatuses[i-1] {
			t.Fatalf("statuses out of order at %d", i)
		}
	}
	if !StatusKilledWCT.Retryable() || !StatusFailed.Retryable() || StatusCompleted.Retryable() {
		t.Error("Retryable misclassifies terminal statuses")
	}
	if st, err := ParseStatus("killed_wct"); err != nil || st != StatusKilledWCT {
		t.Errorf("ParseStatus(killed_wct) = %v, %v", st, err)
	}
}

func TestFaultName(t *testing.T) {
	tests := map[string]string{
		"Hossack_REL01":   "Hossack",
		"Hossack":         "Hossack",
		"Alpine_F2_REL12": "Alpine_F2",
		"Alpine_F2":       "Alpine_F2",
	}
	for in, want := range tests {
		if got := FaultName(in); got != want {
			t.Errorf("FaultName(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsMedian("Hossack") || IsMedian("Hossack_REL01") {
		t.Error("IsMedian misclassifies realisations")
	}
	if got := GroupMemberPattern("A_B"); got != `A\_B\_REL%` {
		t.Errorf("GroupMemberPattern = %q", got)
	}
}
