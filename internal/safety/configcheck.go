package safety

// TradingMode is the surrounding configuration's claim about demo/live mode.
// A nil DemoMode means the key was absent.
type TradingMode struct {
	DemoMode *bool
	LiveMode bool
}

const (
	RuleLiveWithoutDemoOptOut = "live_mode_without_demo_opt_out"
	RuleLiveWithDemoDisabled  = "live_mode_with_demo_disabled"
	RuleContradictoryModes    = "contradictory_modes_demo_wins"
)

// CheckTradingMode reports whether the configuration tries to grant live
// trading. Configuration can only ever restrict the gate; LIVE_MODE by
// itself is a violation unless DEMO_MODE is explicitly true, in which case
// demo wins and the rule is returned as a warning.
func CheckTradingMode(tm TradingMode) (violation bool, rule string) {
	if !tm.LiveMode {
		return false, ""
	}
	switch {
	case tm.DemoMode == nil:
		return true, RuleLiveWithoutDemoOptOut
	case !*tm.DemoMode:
		return true, RuleLiveWithDemoDisabled
	default:
		return false, RuleContradictoryModes
	}
}

func (tm TradingMode) demoLabel() any {
	if tm.DemoMode == nil {
		return "unset"
	}
	return *tm.DemoMode
}
