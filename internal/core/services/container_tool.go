package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/manthysbr/prospector/internal/core/domain"
	"github.com/manthysbr/prospector/internal/core/ports"
)

// ToolArgsEnv is the environment variable a container tool reads its
// JSON-encoded arguments from.
const ToolArgsEnv = "TOOL_ARGS"

// ContainerToolSpec declares a tool that runs as a one-shot container.
type ContainerToolSpec struct {
	Name        string
	Description string
	Image       string
	Command     []string
	Env         map[string]string
	Parameters  domain.ToolParameters
	ResourceCPU float64
	ResourceMem int64
}

// NewContainerTool adapts a container image to the tool contract. The
// container receives its args in TOOL_ARGS and must print a JSON object on
// stdout. A non-zero exit is a transient failure.
func NewContainerTool(runner ports.ContainerRunner, spec ContainerToolSpec) *domain.Tool {
	if spec.Parameters.Type == "" {
		spec.Parameters.Type = "object"
	}
	return &domain.Tool{
		Name:          spec.Name,
		Description:   spec.Description,
		Parameters:    spec.Parameters,
		ExecutionType: domain.ExecDocker,
		Execute: func(ctx context.Context, args map[string]any) (domain.ToolResult, error) {
			encoded, err := json.Marshal(args)
			if err != nil {
				return domain.ToolResult{}, domain.NewValidationError(fmt.Sprintf("args are not JSON encodable: %v", err))
			}
			env := maps.Clone(spec.Env)
			if env == nil {
				env = make(map[string]string)
			}
			env[ToolArgsEnv] = string(encoded)

			code, out, err := runner.Run(ctx, domain.ContainerSpec{
				Image:       spec.Image,
				Command:     spec.Command,
				Env:         env,
				ResourceCPU: spec.ResourceCPU,
				ResourceMem: spec.ResourceMem,
				Labels:      map[string]string{"prospector.tool": spec.Name},
			})
			if err != nil {
				return domain.ToolResult{}, domain.NewTransientError("container run failed", err)
			}
			if code != 0 {
				return domain.ToolResult{}, domain.NewTransientError(
					fmt.Sprintf("container exited with code %d: %s", code, tail(out, 512)), nil)
			}
			return domain.ToolResult{Success: true, Data: parseOutput(out)}, nil
		},
	}
}

// parseOutput decodes a JSON object; any other output is returned as text.
func parseOutput(out []byte) map[string]any {
	var data map[string]any
	if err := json.Unmarshal(out, &data); err == nil {
		return data
	}
	return map[string]any{"output": strings.TrimSpace(string(out))}
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
