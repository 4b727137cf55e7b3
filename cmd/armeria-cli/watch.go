package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dongjinleekr/armeria/pkg/codec"
	"github.com/dongjinleekr/armeria/pkg/coord"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Stream membership changes under a path",
	Long:  `Print the current registrations, then one line per change until interrupted.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := resolveSettings(cmd)
		if err != nil {
			fatal(err)
		}
		store, err := newStore(s)
		if err != nil {
			fatal(err)
		}
		defer store.Close()
		c, err := nodeCodec(s)
		if err != nil {
			fatal(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		prefix := nodePrefix(args[0])
		lctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		kvs, err := store.List(lctx, prefix)
		cancel()
		if err != nil {
			fatal(err)
		}
		for _, kv := range kvs {
			printEvent(c, coord.Event{Type: coord.EventPut, Key: kv.Key, Value: kv.Value})
		}

		for ev := range store.Watch(ctx, prefix) {
			printEvent(c, ev)
		}
	},
}

func printEvent(c codec.NodeValueCodec, ev coord.Event) {
	switch ev.Type {
	case coord.EventPut:
		ep, err := c.Decode(ev.Value)
		if err != nil {
			fmt.Printf("PUT\t%s\t(malformed: %v)\n", ev.Key, err)
			return
		}
		fmt.Printf("PUT\t%s\t%s\n", ev.Key, ep.String())
	case coord.EventDelete:
		fmt.Printf("DELETE\t%s\n", ev.Key)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
