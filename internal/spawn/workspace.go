package spawn

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is the set of on-disk paths materialised for one spawned
// agent, all rooted at <parentDir>/spawns/<agentId>/.
type Workspace struct {
	Root        string
	CommsDir    string
	MessagesDir string
	ContextDir  string
	Instruction string
	Progress    string
	Result      string
	Capture     string
}

func newWorkspace(parentDir string, spec *TaskSpec) Workspace {
	root := filepath.Join(parentDir, "spawns", spec.AgentID)
	comms := filepath.Join(root, "comms")
	return Workspace{
		Root:        root,
		CommsDir:    comms,
		MessagesDir: filepath.Join(comms, "messages"),
		ContextDir:  filepath.Join(root, "context"),
		Instruction: filepath.Join(root, "instructions.md"),
		Progress:    filepath.Join(comms, "progress.json"),
		Result:      filepath.Join(comms, "result.md"),
		Capture:     filepath.Join(root, "session.out"),
	}
}

// materialize creates the workspace directory tree, copies the spec's
// context files into it, and writes the instruction file.
func materialize(parentDir string, spec *TaskSpec) (Workspace, error) {
	ws := newWorkspace(parentDir, spec)

	for _, dir := range []string{ws.Root, ws.CommsDir, ws.MessagesDir, ws.ContextDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ws, fmt.Errorf("spawn: create workspace dir %s: %w", dir, err)
		}
	}

	for _, src := range spec.ContextFiles {
		if err := copyContextFile(src, ws.ContextDir); err != nil {
			return ws, fmt.Errorf("spawn: copy context file %s: %w", src, err)
		}
	}

	if err := os.WriteFile(ws.Instruction, []byte(renderInstructions(spec, ws)), 0o644); err != nil {
		return ws, fmt.Errorf("spawn: write instructions: %w", err)
	}

	return ws, nil
}

func copyContextFile(src, destDir string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dest := filepath.Join(destDir, filepath.Base(src))
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// teardown removes the workspace directory tree. Called on every
// terminal path per policy: always on success, conditionally on
// failure (see Orchestrator.finish).
func teardown(ws Workspace) error {
	return os.RemoveAll(ws.Root)
}

// renderInstructions builds the child's instruction file: identity,
// task, success criteria, communication protocol, constraints, working
// directory, context manifest, notes — in that fixed order.
func renderInstructions(spec *TaskSpec, ws Workspace) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Agent Instructions\n\n")
	fmt.Fprintf(&b, "## Identity\n\n")
	fmt.Fprintf(&b, "- id: %s\n- type: %s\n- priority: %s\n- depth: %d\n\n", spec.AgentID, spec.Type, spec.Priority, spec.Depth)

	fmt.Fprintf(&b, "## Task\n\n%s\n\n", spec.Task)

	fmt.Fprintf(&b, "## Success Criteria\n\n")
	if spec.SuccessCriteria != "" {
		fmt.Fprintf(&b, "%s\n\n", spec.SuccessCriteria)
	} else {
		fmt.Fprintf(&b, "Complete the task above, then emit the completion signal described below.\n\n")
	}

	fmt.Fprintf(&b, "## Communication Protocol\n\n")
	fmt.Fprintf(&b, "- Progress: write %s as JSON (phase, percentComplete, currentAction, subtasks, filesModified, tokensUsed, costSoFar, updatedAt).\n", ws.Progress)
	fmt.Fprintf(&b, "- Messages: append numbered files under %s (e.g. 001-agent.md); read any NNN-parent.md placed there.\n", ws.MessagesDir)
	fmt.Fprintf(&b, "- Result: write %s with frontmatter `status: completed|failed`, `summary`, optional `cost`, `filesChanged`.\n", ws.Result)
	fmt.Fprintf(&b, "- Completion signal: print `<promise>%s</promise>` exactly once when finished.\n\n", spec.CompletionPhrase)

	fmt.Fprintf(&b, "## Constraints\n\n")
	fmt.Fprintf(&b, "- Timeout: %d minutes.\n", spec.TimeoutMinutes)
	if spec.MaxTokens > 0 {
		fmt.Fprintf(&b, "- Token budget: %d.\n", spec.MaxTokens)
	}
	if spec.MaxCost > 0 {
		fmt.Fprintf(&b, "- Cost budget: %.2f.\n", spec.MaxCost)
	}
	fmt.Fprintf(&b, "- May modify files outside this workspace: %v.\n", spec.CanModifyParentFiles)
	fmt.Fprintf(&b, "- Output format: %s.\n\n", spec.OutputFormat)

	fmt.Fprintf(&b, "## Working Directory\n\n%s\n\n", ws.Root)

	fmt.Fprintf(&b, "## Context Files\n\n")
	if len(spec.ContextFiles) == 0 {
		fmt.Fprintf(&b, "(none)\n\n")
	} else {
		for _, f := range spec.ContextFiles {
			fmt.Fprintf(&b, "- %s\n", filepath.Join(ws.ContextDir, filepath.Base(f)))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Notes\n\n")
	fmt.Fprintf(&b, "Read this file fully before starting. Report progress at the configured interval.\n")

	return b.String()
}
