package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/interpose/container"
)

func newArchiveCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Work with compressed script archives",
	}
	cmd.AddCommand(newArchiveInspectCmd(), newArchiveInjectCmd(root))
	return cmd
}

func newArchiveInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "List the files of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readArchive(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "declared length %d, %d files\n", m.DeclaredLength, len(m.Pairs))
			for _, p := range m.Pairs {
				fmt.Fprintf(out, "%3d/%-3d %8d  %s\n", p.Name.Type, p.Content.Type, len(p.Content.Content), p.Name)
			}
			return nil
		},
	}
}

func newArchiveInjectCmd(root *rootOptions) *cobra.Command {
	var (
		shimPath    string
		target      string
		archivePath string
	)
	cmd := &cobra.Command{
		Use:   "inject <in> <out>",
		Short: "Inject a loader shim in front of a script module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := root.logger(cmd, "container")

			// #nosec G304 -- paths come from the operator.
			shim, err := os.ReadFile(shimPath)
			if err != nil {
				return fmt.Errorf("read shim: %w", err)
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}
			if archivePath == "" {
				archivePath = filepath.Base(args[0])
			}

			out, injected, err := container.Rewrite(raw, container.RewriteOptions{
				Target:      target,
				ArchivePath: archivePath,
				Shim:        string(shim),
			})
			if err != nil {
				return err
			}
			if !injected {
				return fmt.Errorf("no module ending with %q in %s", target, args[0])
			}
			if err := os.WriteFile(args[1], out, 0o644); err != nil {
				return fmt.Errorf("write archive: %w", err)
			}
			logger.Debug().Str("in", args[0]).Str("out", args[1]).Int("size", len(out)).Msg("archive rewritten")
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&shimPath, "shim", "", "File holding the loader shim")
	cmd.Flags().StringVar(&target, "target", container.DefaultTarget, "Module name suffix to shim")
	cmd.Flags().StringVar(&archivePath, "archive", "", "Asset path used in the require reference (defaults to the input file name)")
	_ = cmd.MarkFlagRequired("shim")
	return cmd
}

// readArchive accepts both compressed and plain archives.
func readArchive(path string) (*container.Module, error) {
	// #nosec G304 -- path comes from the operator.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if plain, err := container.Decompress(raw); err == nil {
		raw = plain
	}
	return container.Parse(raw)
}
