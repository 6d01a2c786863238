package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Set at build time via -ldflags "-X main.buildVersion=x.y.z -X main.buildTime=...".
var (
	buildVersion = "dev"
	buildTime    = ""
)

type options struct {
	configPath string
	device     string
	listen     string
	dataDir    string
	simulate   bool
	logLevel   levelValue
	logFormat  string
}

func rootCmd() *cobra.Command {
	opts := &options{logLevel: levelValue(slog.LevelInfo)}
	root := &cobra.Command{
		Use:           "devicelinkd",
		Short:         "Device connectivity and firmware update daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addConfigFlags(root.PersistentFlags(), opts)
	root.AddCommand(runCmd(opts), checkConfigCmd(opts), versionCmd())
	return root
}

func addConfigFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVar(&o.configPath, "config", "", "device config file (YAML) merged over the embedded defaults")
	fs.StringVar(&o.device, "device", "", "embedded device profile (default \"eth-gw\")")
}

func addRunFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVar(&o.listen, "listen", "", "HTTP listen address (overrides config)")
	fs.StringVar(&o.dataDir, "data-dir", "", "data directory (overrides config)")
	fs.BoolVar(&o.simulate, "simulate", false, "drive every bearer with the simulated link")
	fs.Var(&o.logLevel, "log-level", "log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "text", "log format: text or json")
}

// levelValue is a pflag.Value over slog.Level.
type levelValue slog.Level

var _ pflag.Value = (*levelValue)(nil)

func (l *levelValue) String() string { return slog.Level(*l).String() }
func (l *levelValue) Type() string   { return "level" }

func (l *levelValue) Set(s string) error {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return fmt.Errorf("invalid log level %q", s)
	}
	*l = levelValue(lv)
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	ho := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, ho)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, ho)), nil
	}
	return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "devicelinkd %s", buildVersion)
			if buildTime != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (built %s)", buildTime)
			}
			fmt.Fprintln(cmd.OutOrStdout())
		},
	}
}
