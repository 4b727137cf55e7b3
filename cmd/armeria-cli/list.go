package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List registrations under a path",
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

		ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
		defer cancel()
		kvs, err := store.List(ctx, nodePrefix(args[0]))
		if err != nil {
			fatal(err)
		}

		if len(kvs) == 0 {
			fmt.Println("no registrations")
			return
		}
		for _, kv := range kvs {
			ep, err := c.Decode(kv.Value)
			if err != nil {
				fmt.Printf("%s\t(malformed: %v)\n", kv.Key, err)
				continue
			}
			fmt.Printf("%s\t%s\n", kv.Key, ep.String())
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
