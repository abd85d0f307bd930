package types

import (
	"testing"
	"time"
)

func TestBlobRefString(t *testing.T) {
	ref := BlobRef{
		ID:        "1755820800-a1b2c3d4e5f6",
		MimeType:  "image/png",
		SizeBytes: 2048,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	want := "blob://1755820800-a1b2c3d4e5f6.png"
	if got := ref.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseBlobURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"blob://1755820800-a1b2c3d4e5f6.png", "1755820800-a1b2c3d4e5f6"},
		{"blob://1755820800-a1b2c3d4e5f6", "1755820800-a1b2c3d4e5f6"},
		{"data:image/png;base64,AAAA", ""},
		{"plain text", ""},
	}
	for _, tt := range tests {
		if got := ParseBlobURI(tt.in); got != tt.want {
			t.Errorf("ParseBlobURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtForMime(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/png", "png"},
		{"image/jpeg", "jpg"},
		{"application/pdf", "pdf"},
		{"IMAGE/PNG", "png"},
		{"application/x-unknown", "bin"},
		{"", "bin"},
	}
	for _, tt := range tests {
		if got := ExtForMime(tt.mime); got != tt.want {
			t.Errorf("ExtForMime(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	pools := []PoolStatus{
		{
			Name:               "default",
			TotalInstances:     3,
			HealthyInstances:   2,
			LeasedInstances:    1,
			AvailableInstances: 1,
		},
		{
			Name:               "heavy",
			TotalInstances:     2,
			HealthyInstances:   2,
			LeasedInstances:    0,
			AvailableInstances: 2,
		},
	}

	fleet := Summarize(pools)
	if fleet.Summary.TotalPools != 2 {
		t.Errorf("TotalPools = %d, want 2", fleet.Summary.TotalPools)
	}
	if fleet.Summary.TotalInstances != 5 {
		t.Errorf("TotalInstances = %d, want 5", fleet.Summary.TotalInstances)
	}
	if fleet.Summary.FailedInstances != 1 {
		t.Errorf("FailedInstances = %d, want 1", fleet.Summary.FailedInstances)
	}
	if fleet.Summary.AvailableInstances != 3 {
		t.Errorf("AvailableInstances = %d, want 3", fleet.Summary.AvailableInstances)
	}
}
