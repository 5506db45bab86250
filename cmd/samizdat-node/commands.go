package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/i5heu/samizdat/internal/node"
	"github.com/i5heu/samizdat/internal/series"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

func objectCmd() *cobra.Command { // A
	cmd := &cobra.Command{Use: "object", Short: "Store and inspect objects"}

	var (
		contentType string
		draft       bool
		bookmark    bool
	)
	put := &cobra.Command{
		Use:   "put FILE",
		Short: "Store a file, - reads standard input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				h, err := n.PutObject(ctx, data, node.PutOptions{
					ContentType: contentType,
					IsDraft:     draft,
					Bookmark:    bookmark,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), h)
				return nil
			})
		},
	}
	put.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "content type recorded in the envelope")
	put.Flags().BoolVar(&draft, "draft", false, "never serve the object to peers")
	put.Flags().BoolVar(&bookmark, "bookmark", false, "pin the object against eviction")

	get := &cobra.Command{
		Use:   "get HASH",
		Short: "Write an object's content to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := address.ParseObjectHash(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				obj, err := n.GetObject(ctx, h)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(obj.Content)
				return err
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats HASH",
		Short: "Show usage statistics of a stored object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := address.ParseObjectHash(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, func(_ context.Context, n *node.Node) error {
				st, err := n.ObjectStats(h)
				if err != nil {
					return err
				}
				u, err := n.Usefulness(h)
				if err != nil {
					return err
				}
				w := table(cmd.OutOrStdout())
				fmt.Fprintf(w, "size\t%d\n", st.Size)
				fmt.Fprintf(w, "created\t%s\n", st.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "last touched\t%s\n", st.LastTouchedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "touches\t%d\n", st.Touches)
				fmt.Fprintf(w, "query duration\t%s\n", st.QueryDuration)
				fmt.Fprintf(w, "byte usefulness\t%.3g\n", u)
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(put, get, stats)
	return cmd
}

func seriesCmd() *cobra.Command { // A
	cmd := &cobra.Command{Use: "series", Short: "Manage owned series"}

	var (
		ttl   time.Duration
		draft bool
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a series signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				owner, err := n.CreateSeries(ctx, args[0], ttl, draft)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), owner.PublicKey)
				return nil
			})
		},
	}
	create.Flags().DurationVar(&ttl, "ttl", 0, "default edition lifetime")
	create.Flags().BoolVar(&draft, "draft", false, "publish draft editions only")

	list := &cobra.Command{
		Use:   "list",
		Short: "List owned series",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, func(_ context.Context, n *node.Node) error {
				owners, err := n.ListSeries()
				if err != nil {
					return err
				}
				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "NAME\tPUBLIC KEY\tTTL\tDRAFT")
				for _, o := range owners {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", o.Name, o.PublicKey, o.DefaultTTL, o.IsDraft)
				}
				return w.Flush()
			})
		},
	}

	var (
		publishTTL time.Duration
		noAnnounce bool
	)
	publish := &cobra.Command{
		Use:   "publish NAME COLLECTION",
		Short: "Sign a new edition pointing at COLLECTION",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := address.ParseCollectionHash(args[1])
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				ed, err := n.Publish(ctx, series.PublishRequest{
					Name:       args[0],
					Collection: ch,
					TTL:        publishTTL,
					NoAnnounce: noAnnounce,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", ed.Content.Collection, ed.Content.Timestamp)
				return nil
			})
		},
	}
	publish.Flags().DurationVar(&publishTTL, "ttl", 0, "override the series' default lifetime")
	publish.Flags().BoolVar(&noAnnounce, "no-announce", false, "keep the edition local")

	cmd.AddCommand(create, list, publish)
	return cmd
}

func hubCmd() *cobra.Command { // A
	cmd := &cobra.Command{Use: "hub", Short: "Manage hubs"}

	var mode string
	add := &cobra.Command{
		Use:   "add ADDR",
		Short: "Use the hub at ADDR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.ParseResolutionMode(mode)
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				return n.AddHub(ctx, model.Hub{Addr: args[0], Mode: m})
			})
		},
	}
	add.Flags().StringVar(&mode, "mode", "local-first", "local-first, remote-first or both")

	list := &cobra.Command{
		Use:   "list",
		Short: "List hubs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, func(_ context.Context, n *node.Node) error {
				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "ADDR\tMODE")
				for _, h := range n.Hubs() {
					fmt.Fprintf(w, "%s\t%s\n", h.Addr, h.Mode)
				}
				return w.Flush()
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove ADDR",
		Short: "Stop using the hub at ADDR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				removed, err := n.RemoveHub(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("hub %s is not configured", args[0])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func subscriptionCmd() *cobra.Command { // A
	cmd := &cobra.Command{Use: "subscription", Short: "Manage mirrored series"}

	var kind string
	add := &cobra.Command{
		Use:   "add PUBLIC_KEY",
		Short: "Mirror the series signed by PUBLIC_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := signature.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			k, err := model.ParseSubscriptionKind(kind)
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				_, err := n.Subscribe(ctx, pk, k)
				return err
			})
		},
	}
	add.Flags().StringVar(&kind, "kind", model.FullInventory.String(), "subscription kind")

	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, func(_ context.Context, n *node.Node) error {
				subs, err := n.Subscriptions()
				if err != nil {
					return err
				}
				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "PUBLIC KEY\tKIND")
				for _, s := range subs {
					fmt.Fprintf(w, "%s\t%s\n", s.PublicKey, s.Kind)
				}
				return w.Flush()
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove PUBLIC_KEY",
		Short: "Stop mirroring the series signed by PUBLIC_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := signature.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			return withNode(cmd, func(ctx context.Context, n *node.Node) error {
				removed, err := n.Unsubscribe(ctx, pk)
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no subscription to %s", strings.TrimSpace(args[0]))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) { // A
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func table(w io.Writer) *tabwriter.Writer { // A
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
