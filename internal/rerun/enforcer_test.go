package rerun

import "testing"

func TestEnforce(t *testing.T) {
	tests := []struct {
		name       string
		count, max int
		override   bool
		by         string
		want       Result
	}{
		{
			name:  "under limit",
			count: 1, max: 3,
			want: Result{RerunCount: 1, MaxReruns: 3},
		},
		{
			name:  "at limit forces finalize",
			count: 3, max: 3,
			want: Result{RerunCount: 3, MaxReruns: 3, LimitReached: true, ForceFinalize: true},
		},
		{
			name:  "past limit forces finalize",
			count: 5, max: 3,
			want: Result{RerunCount: 5, MaxReruns: 3, LimitReached: true, ForceFinalize: true},
		},
		{
			name:  "override lifts limit without reset",
			count: 3, max: 3, override: true, by: "operator",
			want: Result{RerunCount: 3, MaxReruns: 3, LimitReached: true, Overridden: true, OverriddenBy: "operator"},
		},
		{
			name:  "override under limit is not recorded",
			count: 0, max: 3, override: true, by: "operator",
			want: Result{RerunCount: 0, MaxReruns: 3},
		},
		{
			name:  "missing ceiling uses default",
			count: 3, max: 0,
			want: Result{RerunCount: 3, MaxReruns: 3, LimitReached: true, ForceFinalize: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Enforcer{}.Enforce(tt.count, tt.max, tt.override, tt.by)
			if got != tt.want {
				t.Errorf("Enforce() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
