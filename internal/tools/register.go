// Package tools holds the native tools shipped with the service.
package tools

import (
	"fmt"

	"github.com/manthysbr/prospector/internal/core/domain"
)

// RegisterBuiltins adds every native tool to registry.
func RegisterBuiltins(registry *domain.ToolRegistry, opts Options) error {
	for _, t := range []*domain.Tool{
		NewFetchTool(opts),
		NewSearchTool(opts),
		NewExtractContactsTool(),
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}
