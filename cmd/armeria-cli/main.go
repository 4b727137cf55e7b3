// armeria-cli inspects and exercises service registrations: list, get and
// watch read a registration path, register holds an entry under one.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dongjinleekr/armeria/pkg/codec"
	"github.com/dongjinleekr/armeria/pkg/config"
	"github.com/dongjinleekr/armeria/pkg/coord"
	"github.com/dongjinleekr/armeria/pkg/xlog"
)

var version = "1.0.0"

var (
	flagEndpoints      string
	flagConnectTimeout time.Duration
	flagCodec          string
	flagConfig         string
)

var rootCmd = &cobra.Command{
	Use:   "armeria-cli",
	Short: "Service registration tool",
	Long:  `Inspect and exercise service registrations in a coordination store.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagEndpoints, "endpoints", "e", "127.0.0.1:2379",
		"comma-separated etcd endpoints")
	rootCmd.PersistentFlags().DurationVar(&flagConnectTimeout, "connect-timeout", time.Second,
		"timeout for store operations")
	rootCmd.PersistentFlags().StringVar(&flagCodec, "codec", "text",
		"node value codec: text or json")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"config file supplying defaults for the flags above")
}

// settings are the per-invocation values resolved from flags and the
// optional config file. Explicit flags win over the file.
type settings struct {
	endpoints      string
	connectTimeout time.Duration
	codecName      string
}

func resolveSettings(cmd *cobra.Command) (settings, error) {
	s := settings{
		endpoints:      flagEndpoints,
		connectTimeout: flagConnectTimeout,
		codecName:      flagCodec,
	}
	if flagConfig == "" {
		return s, nil
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return s, err
	}
	flags := cmd.Flags()
	if !flags.Changed("endpoints") {
		if eps := cfg.GetStringSlice("etcd.endpoints"); len(eps) > 0 {
			s.endpoints = strings.Join(eps, ",")
		} else if ep := cfg.GetString("etcd.endpoints"); ep != "" {
			s.endpoints = ep
		}
	}
	if !flags.Changed("connect-timeout") {
		if d := cfg.GetDuration("etcd.connectTimeout"); d > 0 {
			s.connectTimeout = d
		}
	}
	if !flags.Changed("codec") {
		if name := cfg.GetString("codec"); name != "" {
			s.codecName = name
		}
	}
	return s, nil
}

// cliLogger keeps store diagnostics off the command output unless they
// matter.
func cliLogger() *xlog.Logger {
	return xlog.MustNew(xlog.Config{Level: "warn", Format: "text", Output: "stderr"})
}

func newStore(s settings) (*coord.Etcd, error) {
	return coord.NewEtcd(coord.EtcdConfig{
		Endpoints:      coord.ParseEndpoints(s.endpoints),
		ConnectTimeout: s.connectTimeout,
	}, coord.WithLogger(cliLogger()))
}

func nodeCodec(s settings) (codec.NodeValueCodec, error) {
	return codec.ForName(s.codecName)
}

// nodePrefix normalizes a registration path into the listing prefix.
func nodePrefix(path string) string {
	return strings.TrimSuffix(path, "/") + "/"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
