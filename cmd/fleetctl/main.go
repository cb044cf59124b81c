package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ethosfleet/internal/api"
	"ethosfleet/pkg/model"
	"ethosfleet/pkg/store"
)

var (
	adminAddr   string
	etcdAddrs   []string
	etcdPrefix  string
	callTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "fleetctl",
	Short:        "Inspect and scale an ethosfleet controller",
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet target, live count and nodes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		// --etcd 时直接读控制器镜像到 etcd 的快照
		if len(etcdAddrs) > 0 {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			target, ok, err := st.GetTarget(ctx)
			if err != nil {
				return err
			}
			nodes, err := st.ListNodes(ctx)
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("target=%d nodes=%d (etcd snapshot)\n", target, len(nodes))
			} else {
				fmt.Printf("target=unset nodes=%d (etcd snapshot)\n", len(nodes))
			}
			statuses := make([]model.NodeStatus, 0, len(nodes))
			for _, n := range nodes {
				statuses = append(statuses, n.Status())
			}
			printNodes(statuses)
			return nil
		}

		c := api.NewClient(adminAddr, callTimeout)
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		nodes, err := c.Nodes(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("target=%d live=%d converging=%t\n", st.Target, st.Live, st.Converging)
		printNodes(nodes)
		return nil
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale <n>",
	Short: "Set the desired number of nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return errors.Errorf("invalid node count %q", args[0])
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		// --etcd 时写 target key，控制器通过 watch 收到
		if len(etcdAddrs) > 0 {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SaveTarget(ctx, n); err != nil {
				return err
			}
		} else if err := api.NewClient(adminAddr, callTimeout).Scale(ctx, n); err != nil {
			return err
		}
		fmt.Printf("fleet target set to %d\n", n)
		return nil
	},
}

var migrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "List recent migration directives and their results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		var migs []model.Migration
		var err error
		if len(etcdAddrs) > 0 {
			st, openErr := openStore()
			if openErr != nil {
				return openErr
			}
			defer st.Close()
			migs, err = st.ListMigrations(ctx)
		} else {
			migs, err = api.NewClient(adminAddr, callTimeout).Migrations(ctx)
		}
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSOURCE\tTARGET\tSOURCE_LOAD\tMEAN\tSTATE\tERROR")
		for _, m := range migs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
				m.ID, m.SourceID, m.TargetID, m.SourceLoad, m.MeanLoad, m.Status.State, m.Status.Error)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", "localhost:8000", "fleet-controller admin API address")
	rootCmd.PersistentFlags().StringSliceVar(&etcdAddrs, "etcd", nil, "talk to etcd directly instead of the admin API")
	rootCmd.PersistentFlags().StringVar(&etcdPrefix, "prefix", "/ethosfleet", "etcd key prefix used by the controller")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 5*time.Second, "request timeout")

	rootCmd.AddCommand(statusCmd, scaleCmd, migrationsCmd)
}

func openStore() (*store.EtcdManager, error) {
	return store.NewEtcdManager(etcdAddrs, etcdPrefix, callTimeout, zap.NewNop().Sugar())
}

func printNodes(nodes []model.NodeStatus) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tENDPOINT\tHEALTH\tLOAD")
	for _, n := range nodes {
		health := n.LastHealth.Status
		if health == "" {
			health = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\n", n.ID, n.Name, n.State, n.Endpoint, health, n.LastHealth.Load)
	}
	_ = tw.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
