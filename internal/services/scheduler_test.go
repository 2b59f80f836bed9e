package services

import (
	"testing"
	"time"

	"tradieflow/internal/models"
)

func TestDelayMillis(t *testing.T) {
	tests := []struct {
		days, hours int
		want        int64
	}{
		{0, 0, 0},
		{1, 0, 86_400_000},
		{0, 1, 3_600_000},
		{1, 12, 129_600_000},
		{7, 0, 604_800_000},
		{-1, 2, 7_200_000},
	}
	for _, tt := range tests {
		rule := &models.AutomationRule{DelayDays: tt.days, DelayHours: tt.hours}
		if got := DelayMillis(rule); got != tt.want {
			t.Errorf("DelayMillis(%dd %dh) = %d, want %d", tt.days, tt.hours, got, tt.want)
		}
	}

	rule := &models.AutomationRule{DelayDays: 1, DelayHours: 12}
	if got := Delay(rule); got != 36*time.Hour {
		t.Errorf("Delay = %s, want 36h", got)
	}
}

func TestIdempotencyKey(t *testing.T) {
	at := time.UnixMilli(1_772_355_600_000)

	if got := IdempotencyKey(12, models.TriggerContext{}, at); got != "rule-12-1772355600000" {
		t.Errorf("unexpected key %q", got)
	}
	if got := IdempotencyKey(12, models.TriggerContext{"eventId": "evt-9"}, at); got != "rule-12-evt-9" {
		t.Errorf("unexpected key %q", got)
	}
}
