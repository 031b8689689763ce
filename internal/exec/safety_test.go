package exec

import "testing"

func TestControlChars(t *testing.T) {
	tests := []struct {
		name    string
		command string
		matches bool
	}{
		{"clean command", "ls -la /workspace", false},
		{"pipe and redirect allowed", "cat main.py | grep import > out.txt", false},
		{"embedded newline", "ls\nrm -rf /", true},
		{"embedded carriage return", "ls\rrm -rf /", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ControlChars.MatchString(tc.command); got != tc.matches {
				t.Errorf("ControlChars.MatchString(%q) = %v, want %v", tc.command, got, tc.matches)
			}
		})
	}
}
