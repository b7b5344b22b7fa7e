package deployment

import (
	"fmt"

	"github.com/flowmesh/core/pkg/models"
)

// CronFrequency is the user-facing schedule shape a cron-trigger node's
// parameters express (Table 6-A), translated by buildCronExpression into
// the six-field `s m h dom mon dow` expression robfig/cron/v3 parses.
type CronFrequency string

const (
	FrequencySeconds CronFrequency = "seconds"
	FrequencyMinutes CronFrequency = "minutes"
	FrequencyHours   CronFrequency = "hours"
	FrequencyDays    CronFrequency = "days"
	FrequencyWeeks   CronFrequency = "weeks"
	FrequencyMonths  CronFrequency = "months"
	FrequencyOnce    CronFrequency = "once"
)

// buildCronExpression maps a cron-trigger node's parameters to a six-field
// cron expression per Table 6-A. ok is false for "once", which has no
// recurring expression — the caller fires it directly instead of
// registering a cron job.
func buildCronExpression(params map[string]interface{}) (expr string, ok bool, err error) {
	frequency := CronFrequency(stringParam(params, "frequency", string(FrequencyMinutes)))

	switch frequency {
	case FrequencySeconds:
		interval := intParam(params, "interval", 1)
		return fmt.Sprintf("*/%d * * * * *", interval), true, nil

	case FrequencyMinutes:
		interval := intParam(params, "intervalMinutes", 1)
		if interval <= 1 {
			return "0 * * * * *", true, nil
		}
		return fmt.Sprintf("0 */%d * * * *", interval), true, nil

	case FrequencyHours:
		interval := intParam(params, "intervalHours", 1)
		if interval <= 1 {
			return "0 0 * * * *", true, nil
		}
		return fmt.Sprintf("0 0 */%d * * *", interval), true, nil

	case FrequencyDays:
		hh, mm, err := parseClock(stringParam(params, "dailyTime", "00:00"))
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("0 %d %d * * *", mm, hh), true, nil

	case FrequencyWeeks:
		hh, mm, err := parseClock(stringParam(params, "weeklyTime", "00:00"))
		if err != nil {
			return "", false, err
		}
		weekday := intParam(params, "weekday", 0)
		if weekday < 0 || weekday > 6 {
			return "", false, fmt.Errorf("weekday must be 0-6, got %d", weekday)
		}
		return fmt.Sprintf("0 %d %d * * %d", mm, hh, weekday), true, nil

	case FrequencyMonths:
		hh, mm, err := parseClock(stringParam(params, "monthlyTime", "00:00"))
		if err != nil {
			return "", false, err
		}
		monthDay := intParam(params, "monthDay", 1)
		if monthDay < 1 || monthDay > 31 {
			return "", false, fmt.Errorf("monthDay must be 1-31, got %d", monthDay)
		}
		return fmt.Sprintf("0 %d %d %d * *", mm, hh, monthDay), true, nil

	case FrequencyOnce:
		return "", false, nil

	default:
		return "", false, fmt.Errorf("unknown cron frequency %q", frequency)
	}
}

func parseClock(value string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM time %q: %w", value, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", value)
	}
	return hour, minute, nil
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// triggerKind classifies a trigger node by type, defaulting event triggers
// (anything trigger-class that isn't start or cron) to TriggerKindEvent —
// covering webhookTrigger, messagingReceive, and any future type that waits
// on an external dispatch rather than firing on a schedule.
func triggerKind(nodeType string) models.TriggerKind {
	switch nodeType {
	case models.NodeTypeStart:
		return models.TriggerKindStart
	case models.NodeTypeCronScheduler:
		return models.TriggerKindCron
	default:
		return models.TriggerKindEvent
	}
}
