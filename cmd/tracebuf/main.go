package main

import (
	"fmt"
	"os"

	"github.com/jayanthvn/pure-tracebuf/pkg/config"
	"github.com/jayanthvn/pure-tracebuf/pkg/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile string
	output  string
	v       = config.New()
	log     = logger.Get()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracebuf",
		Short: "Per-CPU ring buffer event log",
		Long: `tracebuf drives an in-process per-CPU ring buffer.

Settings come from --config, TRACEBUF_* environment variables and flags:
  tracebuf stress --duration 5s --metrics-addr :9100
  tracebuf stats --events 5000 --overwrite=false -o json
  tracebuf snapshot --events 100 --out pages.bin
  tracebuf decode pages.bin`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVarP(&output, "output", "o", "table", "output format (table, json)")
	flags.Int("size", 0, "per-CPU buffer size in bytes")
	flags.Bool("overwrite", true, "overwrite the oldest events when full")
	flags.String("cpus", "", "cpu list, e.g. 0-3,8")
	flags.String("allocator", "", "page allocator (heap, mmap)")
	flags.String("log-level", "", "log level")
	for flag, key := range map[string]string{
		"size":      "buffer.size",
		"overwrite": "buffer.overwrite",
		"cpus":      "buffer.cpus",
		"allocator": "buffer.allocator",
		"log-level": "log.level",
	} {
		// unset flags fall through to file and env values
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: bind flag %s: %v\n", flag, err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(newStressCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newDecodeCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		log.Infof("Using config file: %s", v.ConfigFileUsed())
	}
	if output != "table" && output != "json" {
		return fmt.Errorf("unknown output format %q", output)
	}
	c, err := config.FromViper(v)
	if err != nil {
		return err
	}
	return logger.SetLevel(c.Log.Level)
}

func loadConfig() (*config.Config, error) {
	return config.FromViper(v)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tracebuf %s\n", version)
		},
	}
}
