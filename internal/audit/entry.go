package audit

// Event kinds recorded in the audit log.
const (
	KindTransition       = "transition"
	KindTriggerRejected  = "trigger_rejected"
	KindOverrideUsed     = "override_used"
	KindOverrideDenied   = "override_denied"
	KindEditRejected     = "edit_rejected"
	KindShutdownCallback = "shutdown_callback_panic"
	KindArtifactTamper   = "artifact_tamper"
)

// Event is one line in the hash-chained JSONL audit log.
// All fields are concrete types (no map[string]any) to guarantee
// deterministic json.Marshal field order for reproducible hashing.
type Event struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"ts"`
	Kind      string   `json:"kind"`
	PrevState string   `json:"prev_state,omitempty"`
	NewState  string   `json:"new_state,omitempty"`
	Cause     string   `json:"cause,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Signature string   `json:"signature,omitempty"`
	PrevHash  string   `json:"prev_hash"`
}
