package spawn

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrResultParseFailed is returned when result.md is missing its
// frontmatter or the frontmatter fails to decode.
var ErrResultParseFailed = errors.New("spawn: result_parse_error")

// FileChange is one entry in SpawnResult.FilesChanged.
type FileChange struct {
	Path    string `yaml:"path"`
	Action  string `yaml:"action"` // created | modified | deleted
	Summary string `yaml:"summary"`
}

// SpawnResult is the parsed result.md a completed child writes.
type SpawnResult struct {
	Status       string       `yaml:"status"` // completed | failed
	Summary      string       `yaml:"summary"`
	Cost         float64      `yaml:"cost"`
	FilesChanged []FileChange `yaml:"filesChanged"`
	Body         string       `yaml:"-"`
}

// ParseResult decodes a result.md payload: YAML frontmatter between
// `---` fences followed by free-form markdown.
func ParseResult(data []byte) (*SpawnResult, error) {
	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResultParseFailed, err)
	}

	var r SpawnResult
	if err := yaml.Unmarshal([]byte(front), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResultParseFailed, err)
	}
	r.Body = strings.TrimSpace(body)

	if r.Status != "completed" && r.Status != "failed" {
		return nil, fmt.Errorf("%w: unknown status %q", ErrResultParseFailed, r.Status)
	}
	return &r, nil
}
