package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/thiremani/cppjit/frontend"
	"github.com/thiremani/cppjit/options"
)

const (
	DefaultKeep   = 256
	DefaultMinAge = 7 * 24 * time.Hour
)

func newCacheCommand(v *viper.Viper, logger func() (*zap.Logger, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and trim the bitcode cache",
	}

	open := func() (*frontend.Cache, error) {
		log, err := logger()
		if err != nil {
			return nil, err
		}
		o, err := options.Load(v)
		if err != nil {
			return nil, err
		}
		c, err := frontend.NewCache(o.CacheDir)
		if err != nil {
			return nil, err
		}
		c.Logger = log
		return c, nil
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List cache entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			entries, err := c.Entries()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tSIZE\tMODIFIED")
			var total uint64
			for _, e := range entries {
				total += uint64(e.Size)
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Hash[:16], humanize.Bytes(uint64(e.Size)), humanize.Time(e.ModTime))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries, %s in %s\n", len(entries), humanize.Bytes(total), c.Dir)
			return nil
		},
	}

	var keep int
	var minAge time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove old entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			removed, err := c.Prune(keep, minAge, time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
			return err
		},
	}
	prune.Flags().IntVar(&keep, "keep", DefaultKeep, "number of most recent entries to always keep")
	prune.Flags().DurationVar(&minAge, "min-age", DefaultMinAge, "only remove entries older than this")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			removed, err := c.Clear()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
			return err
		},
	}

	cmd.AddCommand(ls, prune, clearCmd)
	return cmd
}
