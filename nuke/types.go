package nuke

import "time"

// TriggerSource tags who initiated a destruction run.
type TriggerSource string

const (
	TriggerDuressPin  TriggerSource = "duress_pin"
	TriggerFailedAuth TriggerSource = "failed_auth"
	TriggerManual     TriggerSource = "manual"
)

// TriggerFunc schedules a destruction run. Implementations must return
// immediately; the run happens on an independent background task.
type TriggerFunc func(source TriggerSource)

// Settings is the read-only snapshot of the user's destruction
// preferences, supplied by the settings layer.
type Settings struct {
	WipeDatabase bool `yaml:"wipe_database" json:"wipe_database"`
	WipeSettings bool `yaml:"wipe_settings" json:"wipe_settings"`
	WipeCache    bool `yaml:"wipe_cache" json:"wipe_cache"`

	// SecureWipe overwrites file contents before deletion instead of
	// unlinking directly.
	SecureWipe       bool `yaml:"secure_wipe" json:"secure_wipe"`
	SecureWipePasses int  `yaml:"secure_wipe_passes" json:"secure_wipe_passes"`
}

// TargetResult is the outcome for a single wipe target.
type TargetResult struct {
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Result aggregates one destruction run. Success is true if any requested
// target was fully wiped: a partial wipe is strictly better than none, so
// it is reported as success, never retried destructively.
type Result struct {
	RunID      string         `json:"run_id"`
	Source     TriggerSource  `json:"source"`
	Targets    []TargetResult `json:"targets"`
	Success    bool           `json:"success"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}
