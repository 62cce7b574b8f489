// Command fusilli inspects a fusilli installation: compiler target
// selection per backend and the on-disk compile cache.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/backend"
	"github.com/nod-ai/fusilli/internal/cache"
)

func parseBackend(s string) (backend.Backend, error) {
	switch strings.ToLower(s) {
	case "cpu":
		return backend.CPU, nil
	case "amdgpu":
		return backend.AMDGPU, nil
	}
	return 0, fmt.Errorf("unknown backend %q (want cpu or amdgpu)", s)
}

func newTargetsCmd() *cobra.Command {
	var backendName string
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Show the compiler target selection for a backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := parseBackend(backendName)
			if err != nil {
				return err
			}
			target, err := backend.Targets(b)
			if err != nil {
				return err
			}
			fmt.Println(target)
			return nil
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "cpu", "backend to query (cpu or amdgpu)")
	return cmd
}

// entrySize sums the file sizes under a cache entry directory.
func entrySize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func newCacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List compile cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cache.Root()
			entries, err := cache.List(root)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Printf("cache %s is empty\n", root)
				return nil
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Entry", "Compiled", "Size"})
			for _, dir := range entries {
				compiled := "no"
				if _, err := os.Stat(filepath.Join(dir, cache.VmfbFile)); err == nil {
					compiled = "yes"
				}
				table.Append([]string{
					filepath.Base(dir),
					compiled,
					humanize.Bytes(uint64(entrySize(dir))),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newCacheCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [entry...]",
		Short: "Remove compile cache entries (all when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cache.Root()
			var dirs []string
			if len(args) == 0 {
				entries, err := cache.List(root)
				if err != nil {
					return err
				}
				dirs = entries
			} else {
				for _, name := range args {
					dirs = append(dirs, filepath.Join(root, name))
				}
			}
			for _, dir := range dirs {
				if err := cache.Clean(dir); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", dir)
			}
			return nil
		},
	}
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the compile cache",
	}
	cmd.AddCommand(newCacheListCmd(), newCacheCleanCmd())
	return cmd
}

func main() {
	klog.InitFlags(nil)

	root := &cobra.Command{
		Use:           "fusilli",
		Short:         "Inspect fusilli compiler targets and the compile cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(newTargetsCmd(), newCacheCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fusilli: %v\n", err)
		os.Exit(1)
	}
}
