// Package spawn implements the spawn orchestrator (C9): it parses a
// child task spec, materialises a workspace, launches a supervised
// session via the same detachable-terminal mechanism C2 uses, and
// polls for progress, messages, and a completion signal.
package spawn

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrParseFailed is returned when a task spec has no frontmatter fences.
var ErrParseFailed = errors.New("spawn: parse_failed")

// AgentType is the resolved lifecycle/behavior class of a spawned agent.
type AgentType string

const (
	TypeGeneral   AgentType = "general"
	TypeImplement AgentType = "implement"
	TypeReview    AgentType = "review"
	TypeTest      AgentType = "test"
	TypeExplore   AgentType = "explore"
)

// Priority is the spawn's scheduling priority hint.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ResultDelivery controls how a completed child reports its result.
type ResultDelivery string

const (
	DeliveryFile   ResultDelivery = "file"
	DeliveryStdout ResultDelivery = "stdout"
	DeliveryBoth   ResultDelivery = "both"
)

// OutputFormat is the expected shape of the child's free-form output.
type OutputFormat string

const (
	FormatMarkdown   OutputFormat = "markdown"
	FormatStructured OutputFormat = "structured"
	FormatJSON       OutputFormat = "json"
)

// TaskSpec is the parsed, defaulted, validated spawn request.
type TaskSpec struct {
	AgentID              string         `yaml:"agentId"`
	Name                 string         `yaml:"name"`
	Type                 AgentType      `yaml:"type"`
	Priority             Priority       `yaml:"priority"`
	Task                 string         `yaml:"task"`
	ContextFiles         []string       `yaml:"contextFiles"`
	CanModifyParentFiles bool           `yaml:"canModifyParentFiles"`
	MaxTokens            int            `yaml:"maxTokens"`
	MaxCost              float64        `yaml:"maxCost"`
	TimeoutMinutes       int            `yaml:"timeoutMinutes"`
	ResultDelivery       ResultDelivery `yaml:"resultDelivery"`
	CompletionPhrase     string         `yaml:"completionPhrase"`
	ProgressIntervalSec  int            `yaml:"progressIntervalSeconds"`
	OutputFormat         OutputFormat   `yaml:"outputFormat"`
	DependsOn            []string       `yaml:"dependsOn"`
	SuccessCriteria      string         `yaml:"successCriteria"`

	// Depth is the spawn nesting level: 0 for a task dispatched directly
	// by the bridge, incremented by a caller that spawns on behalf of an
	// already-running child. Never read from a spec file.
	Depth int `yaml:"-"`

	// Body is the free-form content below the frontmatter fences, if any.
	Body string `yaml:"-"`
}

// rawTaskSpec mirrors TaskSpec but with a *int for ProgressIntervalSec,
// the only field whose "omitted" and "explicitly zero" states both
// carry meaning (omitted -> default 30, explicit zero -> disabled).
type rawTaskSpec struct {
	AgentID              string         `yaml:"agentId"`
	Name                 string         `yaml:"name"`
	Type                 AgentType      `yaml:"type"`
	Priority             Priority       `yaml:"priority"`
	Task                 string         `yaml:"task"`
	ContextFiles         []string       `yaml:"contextFiles"`
	CanModifyParentFiles bool           `yaml:"canModifyParentFiles"`
	MaxTokens            int            `yaml:"maxTokens"`
	MaxCost              float64        `yaml:"maxCost"`
	TimeoutMinutes       int            `yaml:"timeoutMinutes"`
	ResultDelivery       ResultDelivery `yaml:"resultDelivery"`
	CompletionPhrase     string         `yaml:"completionPhrase"`
	ProgressIntervalSec  *int           `yaml:"progressIntervalSeconds"`
	OutputFormat         OutputFormat   `yaml:"outputFormat"`
	DependsOn            []string       `yaml:"dependsOn"`
	SuccessCriteria      string         `yaml:"successCriteria"`
}

const (
	maxNameRunes          = 80
	defaultTimeoutMinutes = 30
	maxTimeoutMinutesCap  = 120
	defaultProgressSec    = 30
)

// ParseSpec splits data on its `---` fences, unmarshals the YAML
// frontmatter into a TaskSpec, and applies defaults/validation. Unknown
// enum values fall back to their defaults rather than failing the parse;
// only a missing frontmatter block is a hard failure.
func ParseSpec(data []byte) (*TaskSpec, error) {
	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, err
	}

	var raw rawTaskSpec
	if err := yaml.Unmarshal([]byte(front), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	spec := TaskSpec{
		AgentID:              raw.AgentID,
		Name:                 raw.Name,
		Type:                 raw.Type,
		Priority:             raw.Priority,
		Task:                 raw.Task,
		ContextFiles:         raw.ContextFiles,
		CanModifyParentFiles: raw.CanModifyParentFiles,
		MaxTokens:            raw.MaxTokens,
		MaxCost:              raw.MaxCost,
		TimeoutMinutes:       raw.TimeoutMinutes,
		ResultDelivery:       raw.ResultDelivery,
		CompletionPhrase:     raw.CompletionPhrase,
		OutputFormat:         raw.OutputFormat,
		DependsOn:            raw.DependsOn,
		SuccessCriteria:      raw.SuccessCriteria,
		Body:                 strings.TrimSpace(body),
	}
	if raw.ProgressIntervalSec != nil {
		spec.ProgressIntervalSec = *raw.ProgressIntervalSec
	} else {
		spec.ProgressIntervalSec = defaultProgressSec
	}

	defaultAndValidate(&spec)
	return &spec, nil
}

// splitFrontmatter finds the first two lines that are exactly "---" and
// returns the text between them plus everything after the closing fence.
func splitFrontmatter(s string) (front, body string, err error) {
	lines := strings.Split(s, "\n")
	start, end := -1, -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			if start == -1 {
				start = i
			} else {
				end = i
				break
			}
		}
	}
	if start == -1 || end == -1 {
		return "", "", ErrParseFailed
	}
	front = strings.Join(lines[start+1:end], "\n")
	body = strings.Join(lines[end+1:], "\n")
	return front, strings.TrimPrefix(body, "\n"), nil
}

// Default fills in missing fields and normalises enums on a
// programmatically-built TaskSpec, exactly per the spawn task spec
// grammar's defaulting rules. ParseSpec calls this internally; callers
// constructing a TaskSpec directly (rather than from a spec file) call
// it themselves.
func Default(spec *TaskSpec) { defaultAndValidate(spec) }

func defaultAndValidate(spec *TaskSpec) {
	if spec.AgentID == "" {
		spec.AgentID = uuid.NewString()
	}

	if utf8.RuneCountInString(spec.Name) > maxNameRunes {
		r := []rune(spec.Name)
		spec.Name = string(r[:maxNameRunes])
	}

	switch spec.Type {
	case TypeGeneral, TypeImplement, TypeReview, TypeTest, TypeExplore:
	default:
		spec.Type = TypeGeneral
	}

	switch spec.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		spec.Priority = PriorityNormal
	}

	if spec.TimeoutMinutes <= 0 {
		spec.TimeoutMinutes = defaultTimeoutMinutes
	}
	if spec.TimeoutMinutes > maxTimeoutMinutesCap {
		spec.TimeoutMinutes = maxTimeoutMinutesCap
	}

	switch spec.ResultDelivery {
	case DeliveryFile, DeliveryStdout, DeliveryBoth:
	default:
		spec.ResultDelivery = DeliveryBoth
	}

	switch spec.OutputFormat {
	case FormatMarkdown, FormatStructured, FormatJSON:
	default:
		spec.OutputFormat = FormatMarkdown
	}

	if spec.Depth < 0 {
		spec.Depth = 0
	}

	if spec.ProgressIntervalSec < 0 {
		spec.ProgressIntervalSec = defaultProgressSec
	}

	if spec.CompletionPhrase == "" {
		spec.CompletionPhrase = defaultCompletionPhrase(spec.AgentID)
	} else {
		spec.CompletionPhrase = canonicalizePhrase(spec.CompletionPhrase)
	}
}

func defaultCompletionPhrase(agentID string) string {
	return "AGENT_" + canonicalizePhrase(agentID) + "_DONE"
}

// canonicalizePhrase upper-cases s and replaces any character outside
// [A-Z0-9_-] with an underscore, matching the completion-phrase grammar.
func canonicalizePhrase(s string) string {
	upper := strings.ToUpper(s)
	var b strings.Builder
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Serialize renders spec back to frontmatter + body form; the
// round-trip tests use it to feed a spec back through ParseSpec.
func Serialize(spec *TaskSpec) ([]byte, error) {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(data)
	b.WriteString("---\n")
	b.WriteString(spec.Body)
	return []byte(b.String()), nil
}
