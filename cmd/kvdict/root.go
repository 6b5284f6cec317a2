package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andreyvit/kvdict"
)

var (
	flagPath      string
	flagOptions   string
	flagBackend   string
	flagPartition string
	flagKeyType   string
	flagValueType string
	flagReadOnly  bool
	flagTTL       time.Duration
	flagVerbose   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kvdict",
	Short: "Inspect and edit kvdict stores",
	Long: `kvdict reads and writes typed dictionaries stored with the kvdict
package, manages partitions and builds and ingests sorted files.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagPath, "path", "d", "./data", "store directory")
	pf.StringVar(&flagOptions, "options", "", "options file (default: the store's "+kvdict.OptionsFileName+")")
	pf.StringVar(&flagBackend, "backend", "", "storage backend: bolt, pebble or memory")
	pf.StringVarP(&flagPartition, "partition", "p", kvdict.DefaultPartition, "partition to operate on")
	pf.StringVarP(&flagKeyType, "key-type", "k", "text", "kind of keys")
	pf.StringVarP(&flagValueType, "value-type", "t", "text", "kind of values; opaque values are given as JSON")
	pf.BoolVar(&flagReadOnly, "read-only", false, "open the store read-only")
	pf.DurationVar(&flagTTL, "ttl", 0, "open the store with this entry lifetime")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log debug output")
}

func loadOptions() (*kvdict.Options, error) {
	var opt *kvdict.Options
	var err error
	if flagOptions != "" {
		opt, err = kvdict.LoadOptionsFile(flagOptions)
	} else {
		opt, err = kvdict.LoadStoreOptions(flagPath)
	}
	if err != nil {
		return nil, err
	}
	if opt == nil {
		opt = kvdict.DefaultOptions()
	}
	if flagBackend != "" {
		opt.Backend = kvdict.Backend(flagBackend)
	}
	opt.Logger = logger
	opt.Verbose = flagVerbose
	return opt, nil
}

func openStore(readOnly bool) (*kvdict.DB, error) {
	opt, err := loadOptions()
	if err != nil {
		return nil, err
	}
	mode := kvdict.ReadWrite()
	mode.ReadOnly = readOnly || flagReadOnly
	mode.TTL = flagTTL
	return kvdict.Open(flagPath, opt, mode)
}

func openDict(db *kvdict.DB) (*kvdict.Dict, error) {
	kind, err := kvdict.ParseKind(flagKeyType)
	if err != nil {
		return nil, err
	}
	p, err := db.GetPartition(flagPartition)
	if err != nil {
		return nil, err
	}
	return db.View(p).WithKeyKind(kind), nil
}

// withDict runs f on the selected partition and closes the store afterwards.
func withDict(readOnly bool, f func(d *kvdict.Dict) error) error {
	db, err := openStore(readOnly)
	if err != nil {
		return err
	}
	d, err := openDict(db)
	if err == nil {
		err = f(d)
	}
	if cerr := db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func parseKey(s string) (kvdict.Value, error) {
	kind, err := kvdict.ParseKind(flagKeyType)
	if err != nil {
		return kvdict.Value{}, err
	}
	return kvdict.ParseValue(kind, s)
}

func parseValue(s string) (kvdict.Value, error) {
	kind, err := kvdict.ParseKind(flagValueType)
	if err != nil {
		return kvdict.Value{}, err
	}
	if kind == kvdict.KindOpaque {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return kvdict.Value{}, fmt.Errorf("invalid JSON value: %w", err)
		}
		return kvdict.Opaque(v), nil
	}
	return kvdict.ParseValue(kind, s)
}

func formatValue(v kvdict.Value) string {
	switch v.Kind() {
	case kvdict.KindText:
		return v.TextValue()
	case kvdict.KindOpaque:
		data, err := json.Marshal(v.OpaqueValue())
		if err != nil {
			return v.String()
		}
		return string(data)
	default:
		return v.String()
	}
}
