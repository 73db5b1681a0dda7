package model

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{StateOpen, false},
		{StateOffered, false},
		{StateAssigned, false},
		{StateWithdrawn, true},
		{StateExpired, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminal(tt.state); got != tt.terminal {
				t.Errorf("IsTerminal(%q) = %v, want %v", tt.state, got, tt.terminal)
			}
		})
	}
}

func TestClaimable(t *testing.T) {
	tests := []struct {
		state     TaskState
		claimable bool
	}{
		{StateOpen, true},
		{StateOffered, true},
		{StateAssigned, false},
		{StateWithdrawn, false},
		{StateExpired, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.Claimable(); got != tt.claimable {
				t.Errorf("%q.Claimable() = %v, want %v", tt.state, got, tt.claimable)
			}
		})
	}
}

func TestValidateTaskTransition(t *testing.T) {
	valid := []struct {
		from, to TaskState
	}{
		{StateOpen, StateOffered},
		{StateOpen, StateAssigned},
		{StateOpen, StateWithdrawn},
		{StateOpen, StateExpired},
		{StateOffered, StateOpen},
		{StateOffered, StateAssigned},
		{StateOffered, StateWithdrawn},
		{StateOffered, StateExpired},
		{StateAssigned, StateOpen},
		{StateAssigned, StateWithdrawn},
	}
	for _, tt := range valid {
		if err := ValidateTaskTransition(tt.from, tt.to); err != nil {
			t.Errorf("ValidateTaskTransition(%q, %q) = %v, want nil", tt.from, tt.to, err)
		}
	}

	invalid := []struct {
		from, to TaskState
	}{
		{StateOpen, StateOpen},
		{StateAssigned, StateOffered},
		{StateAssigned, StateExpired},
		{StateWithdrawn, StateOpen},
		{StateExpired, StateOpen},
		{StateWithdrawn, StateExpired},
		{TaskState("bogus"), StateOpen},
	}
	for _, tt := range invalid {
		if err := ValidateTaskTransition(tt.from, tt.to); err == nil {
			t.Errorf("ValidateTaskTransition(%q, %q) = nil, want error", tt.from, tt.to)
		}
	}
}
