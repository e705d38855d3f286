package chat

import "testing"

func TestShouldRespond(t *testing.T) {
	tests := []struct {
		name        string
		global      bool
		override    bool
		hasOverride bool
		want        bool
	}{
		{"global on, no override", true, false, false, true},
		{"global on, override on", true, true, true, true},
		{"global on, override off", true, false, true, false},
		{"global off, no override", false, false, false, false},
		{"global off, override off", false, false, true, false},
		{"global off, override on", false, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRespond(tt.global, tt.override, tt.hasOverride); got != tt.want {
				t.Errorf("ShouldRespond(%v, %v, %v) = %v, want %v",
					tt.global, tt.override, tt.hasOverride, got, tt.want)
			}
		})
	}
}
