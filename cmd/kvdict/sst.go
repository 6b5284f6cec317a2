package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andreyvit/kvdict"
	"github.com/andreyvit/kvdict/sstfile"
)

var sstCmd = &cobra.Command{
	Use:   "sst",
	Short: "Build and inspect sorted files for ingestion",
}

var sstBuildCmd = &cobra.Command{
	Use:   "build <file>",
	Short: "Build a sorted file from tab-separated key-value lines on stdin",
	Long: `Build a sorted file from tab-separated key-value lines read from
standard input. Lines are sorted by encoded key; duplicate keys are an error.

Example:
  printf '1\tone\n2\ttwo\n' | kvdict sst build -k int64 batch.sst`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		compression, _ := cmd.Flags().GetString("compression")
		opt, err := loadOptions()
		if err != nil {
			return err
		}
		if compression != "" {
			if opt.Compression, err = sstfile.ParseCompression(compression); err != nil {
				return err
			}
		}
		entries, err := readEntries(cmd.InOrStdin())
		if err != nil {
			return err
		}

		w := kvdict.NewSSTFileWriter(opt)
		if err := w.Open(args[0]); err != nil {
			return err
		}
		for _, e := range entries {
			if err := w.Put(e.key, e.value); err != nil {
				w.Abort()
				return err
			}
		}
		info, err := w.Finish()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return nil
	},
}

type entry struct {
	encoded []byte
	key     kvdict.Value
	value   kvdict.Value
}

func readEntries(r io.Reader) ([]entry, error) {
	var entries []entry
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 16<<20)
	var lineNo int
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		ks, vs, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: missing tab", lineNo)
		}
		key, err := parseKey(ks)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		value, err := parseValue(vs)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		encoded, err := kvdict.EncodeKey(key)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, entry{encoded, key, value})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		return bytes.Compare(a.encoded, b.encoded)
	})
	for i := 1; i < len(entries); i++ {
		if bytes.Equal(entries[i-1].encoded, entries[i].encoded) {
			return nil, fmt.Errorf("duplicate key %s", entries[i].key)
		}
	}
	return entries, nil
}

var sstInfoCmd = &cobra.Command{
	Use:   "info <file>...",
	Short: "Describe sorted files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, _ := cmd.Flags().GetBool("verify")
		for _, path := range args {
			r, err := sstfile.Open(path, sstfile.ReadOptions{VerifyChecksums: verify})
			if err != nil {
				return err
			}
			info := r.Info()
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			if verify {
				err = r.Verify()
			}
			r.Close()
			if err != nil {
				return err
			}
		}
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Load sorted files into the partition",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fl := cmd.Flags()
		iopt := kvdict.DefaultIngestOptions()
		iopt.MoveFiles, _ = fl.GetBool("move")
		iopt.IngestBehind, _ = fl.GetBool("behind")
		if strict, _ := fl.GetBool("no-overlap"); strict {
			iopt.AllowGlobalSeqNo = false
		}
		return withDict(false, func(d *kvdict.Dict) error {
			return d.IngestExternalFile(args, iopt)
		})
	},
}

func init() {
	sstBuildCmd.Flags().String("compression", "", "block compression: none, snappy, zstd or lz4")
	sstInfoCmd.Flags().Bool("verify", false, "check every block")
	sstCmd.AddCommand(sstBuildCmd, sstInfoCmd)

	fl := ingestCmd.Flags()
	fl.Bool("move", false, "delete the files after ingesting them")
	fl.Bool("behind", false, "keep existing values for keys already present")
	fl.Bool("no-overlap", false, "fail if the files overlap existing keys")

	rootCmd.AddCommand(sstCmd, ingestCmd)
}
