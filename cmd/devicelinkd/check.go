package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"devicelink-go/services/config"
)

func checkConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the device config and print the effective bearers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.device, opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device %s: store=%s data_dir=%s listen=%s\n", cfg.Device, cfg.Store, cfg.DataDir, cfg.Listen)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BEARER\tMODE\tIP\tNETMASK\tGATEWAY\tDNS\tDHCP_TIMEOUT")
			for _, b := range cfg.Bearers {
				c, _ := b.Config() // validated by Load
				w := c.Wire()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					b.Name, w.Mode, dash(w.IP), dash(w.Netmask), dash(w.Gateway), dash(w.DNS), b.DHCPTimeout.D())
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if cfg.Bridge.Enabled() {
				fmt.Fprintf(out, "bridge: %s (prefix %s)\n", cfg.Bridge.Broker, cfg.Bridge.Prefix)
			}
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
