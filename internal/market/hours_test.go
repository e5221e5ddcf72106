package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func et(y int, m time.Month, d, hour, min int) time.Time {
	return time.Date(y, m, d, hour, min, 0, 0, nyLocation)
}

func TestSessionAt(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want Session
	}{
		{"weekend", et(2025, time.March, 8, 11, 0), SessionClosed},
		{"premarket", et(2025, time.March, 10, 9, 0), SessionClosed},
		{"opening hour", et(2025, time.March, 10, 9, 45), SessionOpeningHour},
		{"opening hour edge", et(2025, time.March, 10, 10, 29), SessionOpeningHour},
		{"midday", et(2025, time.March, 10, 12, 0), SessionMidday},
		{"closing hour", et(2025, time.March, 10, 15, 15), SessionClosingHour},
		{"after close", et(2025, time.March, 10, 16, 0), SessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionAt(tt.t))
		})
	}
}

func TestIsOpexWeek(t *testing.T) {
	// March 2025: third Friday is the 21st.
	assert.True(t, IsOpexWeek(et(2025, time.March, 17, 10, 0)), "Monday of opex week")
	assert.True(t, IsOpexWeek(et(2025, time.March, 21, 10, 0)), "opex Friday")
	assert.False(t, IsOpexWeek(et(2025, time.March, 10, 10, 0)), "week before")
	assert.False(t, IsOpexWeek(et(2025, time.March, 24, 10, 0)), "week after")
}
