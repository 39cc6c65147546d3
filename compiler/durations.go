package compiler

// delayTable maps the symbolic delay keys a rule may use to milliseconds.
var delayTable = map[string]int64{
	"1_second":   1_000,
	"30_seconds": 30_000,
	"1_minute":   60_000,
	"2_minutes":  120_000,
	"5_minutes":  300_000,
	"10_minutes": 600_000,
	"30_minutes": 1_800_000,
	"1_hour":     3_600_000,
	"2_hours":    7_200_000,
	"6_hours":    21_600_000,
	"12_hours":   43_200_000,
	"1_day":      86_400_000,
	"2_days":     172_800_000,
	"3_days":     259_200_000,
	"5_days":     432_000_000,
	"1_week":     604_800_000,
	"2_weeks":    1_209_600_000,
	"1_month":    2_592_000_000,
}

// FallbackDelayMs is used when a rule names a delay key that is not in
// the table. The caller is expected to warn, not fail.
const FallbackDelayMs int64 = 1_000

// DelayMillis resolves a symbolic delay key. The second return reports
// whether the key was known; unknown keys resolve to FallbackDelayMs.
func DelayMillis(delayType string) (int64, bool) {
	if ms, ok := delayTable[delayType]; ok {
		return ms, true
	}
	return FallbackDelayMs, false
}
