package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSameDay_DependsOnLocation(t *testing.T) {
	almaty := time.FixedZone("Asia/Almaty", 5*60*60)
	late := time.Date(2026, 10, 14, 20, 0, 0, 0, time.UTC) // 01:00 on the 15th in Almaty
	morning := time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC)

	assert.False(t, IsSameDay(late, morning, nil))
	assert.True(t, IsSameDay(late, morning, almaty))
}

func TestStartOfWeek(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"thursday", time.Date(2026, 10, 15, 13, 0, 0, 0, time.UTC), time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)},
		{"monday", time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)},
		{"sunday", time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC), time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(StartOfWeek(tt.in, nil)))
		})
	}
}
