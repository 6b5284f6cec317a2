package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andreyvit/kvdict"
)

var errAborted = errors.New("aborted")

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "List partitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(true)
		if err != nil {
			return err
		}
		defer db.Close()
		names, err := db.ListPartitions()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var createPartitionCmd = &cobra.Command{
	Use:   "create-partition <name>",
	Short: "Create an empty partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(false)
		if err != nil {
			return err
		}
		_, err = db.CreatePartition(args[0], nil)
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		return err
	},
}

var dropPartitionCmd = &cobra.Command{
	Use:   "drop-partition <name>",
	Short: "Delete a partition and all its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(false)
		if err != nil {
			return err
		}
		err = db.DropPartition(args[0])
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		return err
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Persist buffered writes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(false)
		if err != nil {
			return err
		}
		err = db.Flush(true)
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		return err
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact [begin] [end]",
	Short: "Compact a key range of the partition, dropping expired entries",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var bounds [2]kvdict.Value
		for i, arg := range args {
			v, err := parseKey(arg)
			if err != nil {
				return err
			}
			bounds[i] = v
		}
		return withDict(false, func(d *kvdict.Dict) error {
			return d.CompactRange(bounds[0], bounds[1])
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(true)
		if err != nil {
			return err
		}
		defer db.Close()
		st, err := db.Stats()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "disk_size = %d\n", st.DiskSize)
		for _, ps := range st.Partitions {
			fmt.Fprintf(out, "%s.keys = %d\n", ps.Name, ps.Keys)
		}
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump [partition...]",
	Short: "Print the contents of partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		expired, _ := cmd.Flags().GetBool("expired")
		flags := kvdict.DumpPartitionHeaders | kvdict.DumpEntries | kvdict.DumpStats
		if expired {
			flags |= kvdict.DumpExpired
		}
		db, err := openStore(true)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Dump(cmd.OutOrStdout(), flags, args...)
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			fmt.Fprintf(cmd.OutOrStdout(), "Delete %s? [y/N] ", flagPath)
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if !strings.EqualFold(strings.TrimSpace(line), "y") {
				return errAborted
			}
		}
		opt, err := loadOptions()
		if err != nil {
			return err
		}
		return kvdict.Destroy(flagPath, opt)
	},
}

func init() {
	dumpCmd.Flags().Bool("expired", false, "include expired entries")
	destroyCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(partitionsCmd, createPartitionCmd, dropPartitionCmd, flushCmd, compactCmd, statsCmd, dumpCmd, destroyCmd)
}
