package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get [path] [instance-id]",
	Short: "Fetch one registration",
	Args:  cobra.ExactArgs(2),
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

		key := nodePrefix(args[0]) + args[1]
		ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
		defer cancel()
		kv, err := store.Get(ctx, key)
		if err != nil {
			fatal(err)
		}

		ep, err := c.Decode(kv.Value)
		if err != nil {
			fatal(fmt.Errorf("%s holds a malformed value: %w", key, err))
		}
		fmt.Printf("%s\t%s\n", kv.Key, ep.String())
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
