package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dongjinleekr/armeria/pkg/endpoint"
	"github.com/dongjinleekr/armeria/pkg/registry"
)

var (
	flagHost           string
	flagPort           int
	flagWeight         int
	flagID             string
	flagSessionTimeout time.Duration
)

var registerCmd = &cobra.Command{
	Use:   "register [path]",
	Short: "Hold a registration under a path until interrupted",
	Long: `Register an endpoint under the given path and keep the entry alive.
The entry is removed on interrupt; if the session expires first, the
registration is re-established automatically.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := resolveSettings(cmd)
		if err != nil {
			fatal(err)
		}
		c, err := nodeCodec(s)
		if err != nil {
			fatal(err)
		}

		b := registry.NewListenerBuilder(s.endpoints, args[0]).
			ConnectTimeout(s.connectTimeout).
			Codec(c).
			Logger(cliLogger()).
			ReregisterOnExpiry(true)
		if flagSessionTimeout > 0 {
			b.SessionTimeout(flagSessionTimeout)
		}

		if flagHost != "" || flagPort > 0 {
			ep, err := announcedEndpoint()
			if err != nil {
				fatal(err)
			}
			b.Endpoint(ep)
		}

		id := flagID
		if id == "" {
			id = uuid.NewString()
		}
		b.InstanceID(id)

		l, err := b.Build()
		if err != nil {
			fatal(err)
		}
		if err := l.Start(context.Background()); err != nil {
			fatal(err)
		}
		fmt.Printf("registered %s\n", l.Key())
		fmt.Println("press Ctrl-C to deregister")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Stop(sctx); err != nil {
			fatal(err)
		}
		fmt.Println("deregistered")
	},
}

// announcedEndpoint builds the endpoint from the host, port and weight
// flags. A missing host falls back to the local hostname.
func announcedEndpoint() (endpoint.Endpoint, error) {
	var ep endpoint.Endpoint
	if flagHost == "" {
		local, err := endpoint.Local(flagPort)
		if err != nil {
			return endpoint.Endpoint{}, err
		}
		ep = local
	} else {
		ep = endpoint.New(flagHost, flagPort)
	}
	if flagWeight > 0 {
		ep = ep.WithWeight(flagWeight)
	}
	return ep, nil
}

func init() {
	registerCmd.Flags().StringVar(&flagHost, "host", "", "host to announce (default: local hostname)")
	registerCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "port to announce")
	registerCmd.Flags().IntVarP(&flagWeight, "weight", "w", 0, "weight to announce (requires a port)")
	registerCmd.Flags().StringVar(&flagID, "id", "", "instance id (default: a random uuid)")
	registerCmd.Flags().DurationVar(&flagSessionTimeout, "session-timeout", 0,
		"session lifetime backing the entry (default: the library default)")
	rootCmd.AddCommand(registerCmd)
}
