package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify replays the hash chain of a JSONL audit log. Starting from the
// genesis sentinel, it carries the hash each entry must claim as its
// prev_hash and stops at the first entry that breaks the chain. An
// empty or missing chain break means the log is intact.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open log: %v", err)}
	}
	defer f.Close()

	required := GenesisHash
	line := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("entry is not a valid event: %v", err),
				ErrorLine: line,
			}
		}
		if ev.PrevHash != required {
			return VerifyResult{
				Error:     fmt.Sprintf("chain break: entry claims prev_hash %s, chain requires %s", ev.PrevHash, required),
				ErrorLine: line,
			}
		}

		// The next entry must claim this line's hash. Hashing happens
		// before the scanner advances and reuses its buffer.
		required = HashLine(raw)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("read log: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: line}
}
