package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/config"
	"servicedeck/internal/executor"
	"servicedeck/internal/service/builtin"
)

func newValidateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and build every service adapter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := e.stdout()
			cfg, err := config.NewManager(e.cfgPath).Parse()
			if err != nil {
				printErr(w, err.Error())
				return err
			}
			printOK(w, "config "+e.cfgPath)

			// adapters are only constructed, nothing is executed
			reg := builtin.NewRegistry(builtin.Deps{Runner: executor.New(executor.WithTimeout(cfg.ExecTimeout()))})
			specs, err := cfg.Specs()
			if err != nil {
				printErr(w, err.Error())
				return err
			}
			cat, err := aggregate.BuildCatalog(reg, specs)
			if err != nil {
				printErr(w, err.Error())
				return err
			}
			for _, en := range cat.Entries() {
				printOK(w, fmt.Sprintf("%s (%s)", en.Spec.Key, en.Spec.Adapter))
			}
			fmt.Fprintf(w, "%d services\n", cat.Len())
			return nil
		},
	}
}
