package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/interpose/procmaps"
	"github.com/sliverarmory/interpose/sig"
)

func newScanCmd(root *rootOptions) *cobra.Command {
	var (
		pid       int
		module    string
		patterns  []string
		cachePath string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Search a mapped module for byte signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(patterns) == 0 {
				return errors.New("at least one --pattern is required")
			}
			logger := root.logger(cmd, "sig")

			var (
				located *procmaps.Module
				memory  sig.Memory
				err     error
			)
			if pid == 0 {
				located, err = procmaps.Locate(module)
				memory = sig.SelfMemory{}
			} else {
				located, err = procmaps.LocatePID(pid, module)
				if err == nil {
					pm, openErr := sig.OpenProcMemory(pid)
					if openErr != nil {
						return openErr
					}
					defer pm.Close()
					memory = pm
				}
			}
			if err != nil {
				return err
			}

			cache := sig.NewCache()
			if cachePath != "" {
				if err := loadCacheFile(cache, cachePath); err != nil {
					return err
				}
			}
			matcher := sig.NewMatcher(cache, logger, sig.WithMemory(memory))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "module %s base %#x\n", located.Path(), located.Base())
			for _, pattern := range patterns {
				if all {
					addrs, err := matcher.FindAll(located, pattern)
					if err != nil {
						return err
					}
					for _, addr := range addrs {
						fmt.Fprintf(out, "%s\t%#x\n", pattern, addr)
					}
					if len(addrs) == 0 {
						fmt.Fprintf(out, "%s\tnot found\n", pattern)
					}
					continue
				}
				addr, ok, err := matcher.FindFirst(located, pattern)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(out, "%s\tnot found\n", pattern)
					continue
				}
				fmt.Fprintf(out, "%s\t%#x\n", pattern, addr)
			}

			if cachePath != "" {
				return saveCacheFile(cache, cachePath)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "Target process (0 scans this process)")
	cmd.Flags().StringVar(&module, "module", "libclient.so", "Path fragment of the module to scan")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "Signature such as \"00 E4 ? 6F\" (repeatable)")
	cmd.Flags().StringVar(&cachePath, "cache", "", "Signature cache file read before and written after the scan")
	cmd.Flags().BoolVar(&all, "all", false, "Report every match instead of the first")
	return cmd
}

func loadCacheFile(cache *sig.Cache, path string) error {
	// #nosec G304 -- path comes from the operator.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}
	entries, err := sig.DecodeEntries(data)
	if err != nil {
		return err
	}
	cache.Load(entries)
	return nil
}

func saveCacheFile(cache *sig.Cache, path string) error {
	data, err := sig.EncodeEntries(cache.Snapshot())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}
