package monitor

import "fmt"

// Rule inspects a metrics snapshot and reports a condition worth
// alerting on. Check returns the message when the rule fires.
type Rule struct {
	Name     string
	Severity string
	Check    func(cur, prev Snapshot) (string, bool)
}

// DefaultRules cover the failure shapes that matter for an unattended
// session: a slow venue, an error burst, and goroutine growth.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "order_latency_p99",
			Severity: "warning",
			Check: func(cur, prev Snapshot) (string, bool) {
				if cur.OrderLatency.Count >= 10 && cur.OrderLatency.P99 > 5000 {
					return fmt.Sprintf("order p99 latency %.0fms", cur.OrderLatency.P99), true
				}
				return "", false
			},
		},
		{
			Name:     "error_burst",
			Severity: "critical",
			Check: func(cur, prev Snapshot) (string, bool) {
				if delta := cur.Errors - prev.Errors; delta >= 10 {
					return fmt.Sprintf("%d errors since last sweep", delta), true
				}
				return "", false
			},
		},
		{
			Name:     "goroutine_growth",
			Severity: "warning",
			Check: func(cur, prev Snapshot) (string, bool) {
				if cur.Goroutines > 500 {
					return fmt.Sprintf("%d goroutines", cur.Goroutines), true
				}
				return "", false
			},
		},
	}
}
