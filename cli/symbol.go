package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/interpose/hook"
)

func newSymbolCmd(_ *rootOptions) *cobra.Command {
	var (
		pid     int
		library string
		symbol  string
	)
	cmd := &cobra.Command{
		Use:   "symbol",
		Short: "Resolve an exported symbol of a mapped library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := hook.NewELFResolver()
			if pid != 0 {
				resolver = hook.NewELFResolverPID(pid)
			}
			addr, err := resolver.Resolve(library, symbol)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s!%s\t%#x\n", library, symbol, addr)
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "Target process (0 resolves in this process)")
	cmd.Flags().StringVar(&library, "library", "libc.so", "Path fragment of the library")
	cmd.Flags().StringVar(&symbol, "symbol", "", "Exported symbol name")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}
