package spawn

import "encoding/json"

// Subtask is one entry in AgentProgress.Subtasks.
type Subtask struct {
	Description string `json:"description"`
	Status      string `json:"status"`
}

// AgentProgress mirrors the progress.json a spawned child writes.
// Missing fields default to their zero value.
type AgentProgress struct {
	Phase           string    `json:"phase"`
	PercentComplete int       `json:"percentComplete"`
	CurrentAction   string    `json:"currentAction"`
	Subtasks        []Subtask `json:"subtasks"`
	FilesModified   []string  `json:"filesModified"`
	TokensUsed      int       `json:"tokensUsed"`
	CostSoFar       float64   `json:"costSoFar"`
	UpdatedAt       int64     `json:"updatedAt"`
}

// ParseProgress decodes a progress.json payload. Malformed JSON is an
// error; a well-formed object with missing fields is not.
func ParseProgress(data []byte) (*AgentProgress, error) {
	var p AgentProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
