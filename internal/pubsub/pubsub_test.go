package pubsub

import "testing"

func TestSubject(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"getvehicles", "raw.getvehicles"},
		{"ttpositions.aspx", "raw.ttpositions_aspx"},
		{"ttarrivals.aspx", "raw.ttarrivals_aspx"},
		{"", "raw._"},
	}
	for _, tt := range tests {
		if got := Subject(tt.command); got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}
