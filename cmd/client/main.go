package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astromechza/shoplist-sync/pkg/client"
	"github.com/astromechza/shoplist-sync/pkg/config"
	"github.com/astromechza/shoplist-sync/pkg/logging"
	"github.com/astromechza/shoplist-sync/pkg/order"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

func main() {
	if err := mainInner(); err != nil {
		if msg, ok := shoplist.ConflictMessage(err); ok {
			slog.Error(msg)
		} else {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}
}

type app struct {
	v   *viper.Viper
	cfg config.Client
	api *client.API
	log *slog.Logger
}

func mainInner() error {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:           "shoplist",
		Short:         "Read and edit shared shop lists",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	config.ClientFlags(root.PersistentFlags())
	root.AddCommand(
		a.listsCommand(),
		a.itemsCommand(),
		a.addCommand(),
		a.editCommand(),
		a.doneCommand(),
		a.rmCommand(),
		a.lockCommand(),
		a.unlockCommand(),
		a.moveCommand(),
		a.watchCommand(),
	)
	return root.Execute()
}

func (a *app) load(cmd *cobra.Command) error {
	if cmd.Name() == "help" {
		return nil
	}
	if err := config.Bind(a.v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.LoadClient(a.v)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	if l, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		level.Set(l)
	}
	if a.log, err = logging.New(os.Stderr, cfg.LogFormat, level); err != nil {
		return err
	}
	slog.SetDefault(a.log)
	api, err := client.NewAPI(cfg.Server, shoplist.Actor{ID: shoplist.ActorID(cfg.ActorID), Name: cfg.ActorName}, &http.Client{Timeout: cfg.ConnectTimeout})
	if err != nil {
		return err
	}
	a.cfg, a.api = cfg, api
	return nil
}

func (a *app) listsCommand() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Show the lists of a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lists, err := a.api.ListsByGroup(cmd.Context(), group)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, l := range lists {
				_, _ = fmt.Fprintf(tw, "%s\t%s %s\t%d items\n", l.ID, l.Icon, l.Name, len(l.Items))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group id")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func (a *app) itemsCommand() *cobra.Command {
	var sortMode string
	cmd := &cobra.Command{
		Use:   "items LIST",
		Short: "Show the items of a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := order.ParseSortMode(sortMode)
			if err != nil {
				return err
			}
			items, err := a.api.Items(cmd.Context(), args[0], mode)
			if err != nil {
				return err
			}
			return printItems(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&sortMode, "sort", string(order.DefaultSort), "sort mode: custom, name, date or completed")
	return cmd
}

func (a *app) addCommand() *cobra.Command {
	var req shoplist.NewItemRequest
	cmd := &cobra.Command{
		Use:   "add LIST NAME",
		Short: "Add an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[1]
			item, err := a.api.AddItem(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), item.ID)
			return nil
		},
	}
	cmd.Flags().Float64Var(&req.Quantity, "quantity", 0, "quantity, defaults to 1")
	cmd.Flags().StringVar(&req.Unit, "unit", "", "unit, defaults to ks")
	return cmd
}

func (a *app) editCommand() *cobra.Command {
	var name, unit string
	var quantity float64
	cmd := &cobra.Command{
		Use:   "edit LIST ITEM",
		Short: "Change the name, quantity or unit of an item and release its lock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch shoplist.ItemPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("quantity") {
				patch.Quantity = &quantity
			}
			if cmd.Flags().Changed("unit") {
				patch.Unit = &unit
			}
			if patch.Empty() {
				return errors.New("nothing to change, pass --name, --quantity or --unit")
			}
			item, err := a.api.UpdateItem(cmd.Context(), args[0], args[1], patch)
			if err != nil {
				return err
			}
			return printItems(cmd.OutOrStdout(), []shoplist.Item{item})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "new quantity")
	cmd.Flags().StringVar(&unit, "unit", "", "new unit")
	return cmd
}

func (a *app) doneCommand() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done LIST ITEM",
		Short: "Mark an item completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			completed := !undo
			item, err := a.api.UpdateItem(cmd.Context(), args[0], args[1], shoplist.ItemPatch{Completed: &completed})
			if err != nil {
				return err
			}
			return printItems(cmd.OutOrStdout(), []shoplist.Item{item})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the item not completed instead")
	return cmd
}

func (a *app) rmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm LIST ITEM",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.api.DeleteItem(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) lockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock LIST ITEM",
		Short: "Start editing an item so others see it as being edited",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.api.LockItem(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printItems(cmd.OutOrStdout(), []shoplist.Item{item})
		},
	}
}

func (a *app) unlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock LIST ITEM",
		Short: "Stop editing an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.api.UnlockItem(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printItems(cmd.OutOrStdout(), []shoplist.Item{item})
		},
	}
}

func (a *app) moveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "move LIST ITEM INDEX",
		Short: "Move an uncompleted item to a position in the custom order",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[2], err)
			}
			item, err := a.api.MoveItem(cmd.Context(), args[0], args[1], index)
			if err != nil {
				return err
			}
			return printItems(cmd.OutOrStdout(), []shoplist.Item{item})
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	var sortMode string
	cmd := &cobra.Command{
		Use:   "watch LIST",
		Short: "Follow a list live, refetching after every reconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := order.ParseSortMode(sortMode)
			if err != nil {
				return err
			}
			return a.watch(cmd.Context(), cmd.OutOrStdout(), args[0], mode)
		},
	}
	cmd.Flags().StringVar(&sortMode, "sort", string(order.DefaultSort), "sort mode: custom, name, date or completed")
	return cmd
}

func (a *app) watch(ctx context.Context, out io.Writer, listID string, mode order.SortMode) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := client.NewReconciler(a.api, listID, a.api.Actor(), a.log)
	if err := rec.Load(ctx); err != nil {
		return err
	}
	redraw := func() {
		_, _ = fmt.Fprintln(out, "---")
		if err := printItems(out, rec.Items(mode)); err != nil {
			a.log.Warn("failed to print items", "err", err)
		}
	}
	redraw()

	failed := make(chan error, 1)
	conn := client.NewConn(a.api.WebsocketURL(), a.api.Actor().ID,
		client.WithDialer(&websocket.Dialer{HandshakeTimeout: a.cfg.ConnectTimeout}),
		client.WithConnectTimeout(a.cfg.ConnectTimeout),
		client.WithMaxAttempts(a.cfg.MaxAttempts),
		client.WithReconnectBackOff(backoff.NewConstantBackOff(a.cfg.ReconnectDelay)),
		client.WithConnLogger(a.log),
		client.WithHooks(client.Hooks{
			OnChange: func(c shoplist.Change) {
				rec.MergeRemote(c)
				redraw()
			},
			OnConnect: func() {
				if err := rec.Load(ctx); err != nil {
					a.log.Warn("failed to refetch after connecting", "err", err)
					return
				}
				redraw()
			},
			OnState: func(s client.State) {
				a.log.Info("realtime connection", "state", s.String())
			},
			OnGiveUp: func(err error) {
				select {
				case failed <- err:
				default:
				}
			},
		}),
	)
	defer conn.Disconnect()

	_ = conn.JoinRoom(listID)
	if err := conn.Connect(ctx); err != nil {
		if errors.Is(err, client.ErrGaveUp) {
			return err
		}
		a.log.Warn("initial connection failed, retrying", "err", err)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exit)
	select {
	case sig := <-exit:
		a.log.Info("signal caught", "sig", sig)
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return nil
	}
}

func printItems(w io.Writer, items []shoplist.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, it := range items {
		mark := " "
		if it.Completed {
			mark = "x"
		}
		editing := ""
		if it.Locked() && it.LockedAt != nil {
			who := it.LockedByName
			if who == "" {
				who = string(it.LockedBy)
			}
			editing = fmt.Sprintf("being edited by %s since %s", who, humanize.Time(*it.LockedAt))
		}
		_, _ = fmt.Fprintf(tw, "[%s]\t%s\t%s %s\t%s\t%s\n", mark, it.ID, humanize.Ftoa(it.Quantity), it.Unit, it.Name, editing)
	}
	return tw.Flush()
}
