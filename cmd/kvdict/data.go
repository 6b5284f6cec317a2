package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andreyvit/kvdict"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored under a key",
	Long: `Print the value stored under a key.

Example:
  kvdict get -k int64 42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		return withDict(true, func(d *kvdict.Dict) error {
			v, found, err := d.Get(key)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s: not found", key)
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value under a key",
	Long: `Store a value under a key.

Example:
  kvdict put -k int64 -t float64 42 3.14`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		value, err := parseValue(args[1])
		if err != nil {
			return err
		}
		sync, _ := cmd.Flags().GetBool("sync")
		return withDict(false, func(d *kvdict.Dict) error {
			wo := kvdict.DefaultWriteOptions()
			wo.Sync = sync
			d.SetWriteOptions(wo)
			return d.Put(key, value)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key> [end]",
	Short: "Delete a key, or the keys in [key, end)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		var end kvdict.Value
		if len(args) > 1 {
			end, err = parseKey(args[1])
			if err != nil {
				return err
			}
		}
		return withDict(false, func(d *kvdict.Dict) error {
			if end.Valid() {
				return d.DeleteRange(key, end)
			}
			return d.Delete(key)
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List entries in key order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fl := cmd.Flags()
		reverse, _ := fl.GetBool("reverse")
		limit, _ := fl.GetInt("limit")
		keysOnly, _ := fl.GetBool("keys-only")
		fromStr, _ := fl.GetString("from")
		prefixStr, _ := fl.GetString("prefix")

		opt := kvdict.IterOptions{Backwards: reverse}
		if fl.Changed("from") {
			from, err := parseKey(fromStr)
			if err != nil {
				return err
			}
			opt.From = from
		}
		if fl.Changed("prefix") {
			prefix, err := parseKey(prefixStr)
			if err != nil {
				return err
			}
			ro := kvdict.DefaultReadOptions()
			if err := ro.SetIteratePrefix(prefix); err != nil {
				return err
			}
			opt.ReadOptions = ro
		}

		return withDict(true, func(d *kvdict.Dict) error {
			var seq *kvdict.Sequence
			if keysOnly {
				seq = d.Keys(opt)
			} else {
				seq = d.Items(opt)
			}
			defer seq.Close()
			out := cmd.OutOrStdout()
			var n int
			for seq.Next() {
				if keysOnly {
					fmt.Fprintln(out, formatValue(seq.Key()))
				} else {
					fmt.Fprintf(out, "%s\t%s\n", formatValue(seq.Key()), formatValue(seq.Value()))
				}
				n++
				if limit > 0 && n >= limit {
					break
				}
			}
			return seq.Err()
		})
	},
}

func init() {
	putCmd.Flags().Bool("sync", false, "wait for the write to be durable")

	fl := scanCmd.Flags()
	fl.Bool("reverse", false, "iterate in descending order")
	fl.Int("limit", 0, "stop after this many entries")
	fl.Bool("keys-only", false, "print keys only")
	fl.String("from", "", "start at this key")
	fl.String("prefix", "", "only keys starting with this encoded key")

	rootCmd.AddCommand(getCmd, putCmd, deleteCmd, scanCmd)
}
