package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/service"
)

func newControlCmd(e *env, verb string) *cobra.Command {
	action, _ := service.ParseAction(verb)
	return &cobra.Command{
		Use:   verb + " <key>",
		Short: service.TitleCase(verb) + " a configured service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			key := strings.TrimSpace(args[0])
			ctx := aggregate.WithRequestID(cmd.Context(), uuid.NewString())
			if err := s.core.Aggregator.Control(ctx, key, action); err != nil {
				printErr(e.stderr(), fmt.Sprintf("%s %s: %v", verb, key, err))
				return err
			}
			printOK(e.stdout(), fmt.Sprintf("%s %s", verb, key))
			return nil
		},
	}
}
