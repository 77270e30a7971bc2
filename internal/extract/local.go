package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// LocalEngine shells out to an OCR tool that takes an image path and prints
// the same {"blocks": [...]} JSON document the vision engine produces. It
// keeps extraction fully offline at the cost of block classification
// quality.
type LocalEngine struct {
	command string
	args    []string
}

// NewLocalEngine configures the tool invocation; the image path is appended
// as the final argument.
func NewLocalEngine(command string, args ...string) *LocalEngine {
	return &LocalEngine{command: command, args: args}
}

func (e *LocalEngine) Extract(ctx context.Context, imagePath string) ([]Block, error) {
	args := append(append([]string{}, e.args...), imagePath)
	cmd := exec.CommandContext(ctx, e.command, args...)

	out, err := cmd.Output()
	if err != nil {
		var detail string
		if ee, ok := err.(*exec.ExitError); ok {
			detail = ": " + truncate(strings.TrimSpace(string(ee.Stderr)), 200)
		}
		return nil, fmt.Errorf("extract: %s failed: %w%s", e.command, err, detail)
	}

	var payload blocksPayload
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("extract: %s produced unparseable output: %w", e.command, err)
	}
	return payload.Blocks, nil
}
