package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/fgrzl/connect"
	"github.com/fgrzl/connect/events"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type filterFlags struct {
	types  []string
	status string
	after  string
	before string
	params map[string]string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.types, "type", nil, "only connections of these types")
	cmd.Flags().StringVar(&f.status, "status", "", "only connected or disconnected connections")
	cmd.Flags().StringVar(&f.after, "after", "", "only connections created after this RFC3339 time")
	cmd.Flags().StringVar(&f.before, "before", "", "only connections created before this RFC3339 time")
	cmd.Flags().StringToStringVar(&f.params, "param", nil, "only connections with these params (name=value)")
}

// filters builds raw filters; the manager's validator normalizes them.
func (f *filterFlags) filters() connect.Filters {
	filters := connect.Filters{}
	if len(f.types) > 0 {
		filters[connect.FilterType] = f.types
	}
	if f.status != "" {
		filters[connect.FilterStatus] = f.status
	}
	if f.after != "" {
		filters[connect.FilterCreatedAfter] = f.after
	}
	if f.before != "" {
		filters[connect.FilterCreatedBefore] = f.before
	}
	for name, value := range f.params {
		filters[connect.ParamFilter(name)] = value
	}
	return filters
}

func newCreateCmd(a *app) *cobra.Command {
	var connType string
	cmd := &cobra.Command{
		Use:   "create SOURCE DESTINATION",
		Short: "Create a connection from SOURCE to DESTINATION",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.service.Create(connect.NodeID(args[0]), connect.NodeID(args[1]), connType)
			if err != nil {
				return err
			}
			return printJSON(conn)
		},
	}
	cmd.Flags().StringVar(&connType, "type", "", "connection type")
	return cmd
}

// pick returns the connection between source and destination whose status
// is want, falling back to the first one found.
func (a *app) pick(source, destination string, want connect.Status) (*connect.Connection, error) {
	conns, err := a.service.GetConnectionsBetween(connect.NodeID(source), connect.NodeID(destination), nil)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("no connection from %s to %s", source, destination)
	}
	for _, conn := range conns {
		if conn.Status == want {
			return conn, nil
		}
	}
	return conns[0], nil
}

func newDestroyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy SOURCE DESTINATION",
		Short: "Disconnect and remove the connection from SOURCE to DESTINATION",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.pick(args[0], args[1], connect.Connected)
			if err != nil {
				return err
			}
			return a.service.Destroy(conn)
		},
	}
}

func newConnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect SOURCE DESTINATION",
		Short: "Reconnect a disconnected connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.pick(args[0], args[1], connect.Disconnected)
			if err != nil {
				return err
			}
			if err := a.service.Connect(conn); err != nil {
				return err
			}
			return printJSON(conn)
		},
	}
}

func newDisconnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect SOURCE DESTINATION",
		Short: "Disconnect a connection without removing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.pick(args[0], args[1], connect.Connected)
			if err != nil {
				return err
			}
			if err := a.service.Disconnect(conn); err != nil {
				return err
			}
			return printJSON(conn)
		},
	}
}

func newListCmd(a *app, direction, short string) *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   direction + " NODE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := connect.NodeID(args[0])
			var (
				conns []*connect.Connection
				err   error
			)
			switch direction {
			case "from":
				conns, err = a.service.GetConnectionsFrom(node, flags.filters())
			case "to":
				conns, err = a.service.GetConnectionsTo(node, flags.filters())
			default:
				conns, err = a.service.GetConnections(node, flags.filters())
			}
			if err != nil {
				return err
			}
			for _, conn := range conns {
				if err := printJSON(conn); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "check SOURCE DESTINATION",
		Short: "Report whether SOURCE is connected to DESTINATION",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			connected, err := a.service.AreConnected(connect.NodeID(args[0]), connect.NodeID(args[1]), flags.filters())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), connected)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newHasCmd(a *app) *cobra.Command {
	var flags filterFlags
	cmd := &cobra.Command{
		Use:   "has NODE",
		Short: "Report whether NODE has any connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			has, err := a.service.HasConnections(connect.NodeID(args[0]), flags.filters())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), has)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print lifecycle events published on the configured Redis channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := a.cfg.Events.RedisChannel
			if channel == "" {
				return fmt.Errorf("events.redis_channel is not configured")
			}
			client := redis.NewClient(&redis.Options{Addr: a.cfg.Events.RedisAddress})
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			err := events.Subscribe(ctx, client, channel, func(event connect.Event) {
				printJSON(event) //nolint:errcheck
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func printJSON(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
