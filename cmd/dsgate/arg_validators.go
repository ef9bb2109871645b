package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// exactArgs names the missing positional arguments instead of cobra's
// generic count message.
func exactArgs(names ...string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != len(names) {
			return fmt.Errorf("expected %d argument(s): %v", len(names), names)
		}
		return nil
	}
}

func optionalArg(name string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) > 1 {
			return fmt.Errorf("at most one %s is allowed", name)
		}
		return nil
	}
}

// entityIDArgs requires between min and max arguments (max <= 0 means no
// upper bound) that all parse as entity ids.
func entityIDArgs(min, max int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < min {
			return fmt.Errorf("entity id is required")
		}
		if max > 0 && len(args) > max {
			return fmt.Errorf("expected at most %d entity id(s), got %d", max, len(args))
		}
		for _, arg := range args {
			if _, err := uuid.Parse(arg); err != nil {
				return fmt.Errorf("invalid entity id %q", arg)
			}
		}
		return nil
	}
}
