package omm

import "testing"

func TestResultRetryable(t *testing.T) {
	tests := []struct {
		res  Result
		want bool
	}{
		{ResultSuccess, false},
		{ResultFailure, false},
		{ResultRejected, false},
		{ResultOutOfMemory, true},
		{ResultOutOfBudget, true},
		{ResultDependenciesUnavailable, true},
	}
	for _, tt := range tests {
		if got := tt.res.retryable(); got != tt.want {
			t.Errorf("%s retryable = %v, want %v", tt.res, got, tt.want)
		}
	}
}
