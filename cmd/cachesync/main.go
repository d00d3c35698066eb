// Command cachesync operates the cache coordinator and the change-set
// pipeline from a shell: prune caches after an out-of-band write, inspect and
// settle change sets, and watch change events.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/itellico/cachesync"
	"github.com/itellico/cachesync/changeset"
	"github.com/itellico/cachesync/changeset/pgrepo"
	"github.com/itellico/cachesync/config"
	"github.com/itellico/cachesync/realtime"
	"github.com/itellico/cachesync/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode: 2 invalid input, 3 conflict, 4 not found, 1 otherwise.
func exitCode(err error) int {
	switch {
	case cachesync.IsValidation(err):
		return 2
	case cachesync.IsConflict(err):
		return 3
	case cachesync.IsNotFound(err):
		return 4
	}
	return 1
}

// newRootCmd returns the command tree and a cleanup that closes whatever the
// executed command opened.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgPath = os.Getenv("CACHESYNC_CONFIG")
		envFile = ".env"
		a       *app
	)
	root := &cobra.Command{
		Use:           "cachesync",
		Short:         "Cache coordination and change-set operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("dotenv: %w", err)
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			a, err = newApp(cfg)
			return err
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "YAML config file (env CACHESYNC_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, ".env file loaded before the config; missing is fine")

	get := func() *app { return a }
	root.AddCommand(
		newInvalidateCmd(get),
		newProposeCmd(get),
		newHistoryCmd(get),
		newShowCmd(get),
		newApproveCmd(get),
		newApplyCmd(get),
		newRejectCmd(get),
		newRollbackCmd(get),
		newResolveCmd(get),
		newWatchCmd(get),
		newMigrateCmd(get),
	)
	return root, func() {
		if a != nil {
			a.close()
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints cs even when err is set, since a conflicted change
// set carries the state needed to resolve it.
func printResult(cmd *cobra.Command, cs *changeset.ChangeSet, err error) error {
	if cs != nil {
		if perr := printJSON(cmd, cs); perr != nil {
			return perr
		}
	}
	return err
}

func newInvalidateCmd(get func() *app) *cobra.Command {
	var (
		req cachesync.Request
		op  string
	)
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Run server-side cache invalidation for one entity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := cachesync.ParseOperation(op)
			if err != nil {
				return &cachesync.ValidationError{Field: "op", Reason: err.Error()}
			}
			req.Operation = o
			coord, err := get().coordinator(cmd.Context())
			if err != nil {
				return err
			}
			start := time.Now()
			coord.Invalidate(cachesync.WithRuntime(cmd.Context(), cachesync.RuntimeServer), req)
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s/%s (%s) in %s\n", req.EntityType, req.EntityID, req.Operation, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.EntityType, "type", "", "entity type (required)")
	f.StringVar(&req.EntityID, "id", "", "entity id")
	f.StringVar(&req.TenantID, "tenant", "", "tenant id")
	f.StringVar(&op, "op", "update", "create|update|delete|bulk_delete")
	f.StringSliceVar(&req.AffectedRoutes, "route", nil, "extra route to invalidate (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newProposeCmd(get func() *app) *cobra.Command {
	var (
		opts    changeset.ProposeOptions
		changes string
		create  bool
	)
	cmd := &cobra.Command{
		Use:   "propose TYPE ID",
		Short: "Propose and commit a change set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseChanges(changes)
			if err != nil {
				return err
			}
			if create {
				opts.Operation = cachesync.OpCreate
			}
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := m.Propose(cmd.Context(), args[0], args[1], patch, opts)
			return printResult(cmd, cs, err)
		},
	}
	f := cmd.Flags()
	f.StringVar(&changes, "changes", "", `JSON object patch, e.g. '{"name":"Acme"}'`)
	f.Int64Var(&opts.Version, "version", 0, "last-known entity version")
	f.StringVar(&opts.TenantID, "tenant", "", "tenant id")
	f.BoolVar(&opts.RequireApproval, "require-approval", false, "record only; wait for approve")
	f.BoolVar(&create, "create", false, "create the entity instead of patching it")
	f.StringSliceVar(&opts.AffectedRoutes, "route", nil, "extra route to invalidate on commit (repeatable)")
	_ = cmd.MarkFlagRequired("changes")
	return cmd
}

func parseChanges(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, &cachesync.ValidationError{Field: "changes", Reason: "not a JSON object: " + err.Error()}
	}
	return m, nil
}

func newHistoryCmd(get func() *app) *cobra.Command {
	var opts changeset.HistoryOptions
	cmd := &cobra.Command{
		Use:   "history TYPE ID",
		Short: "List an entity's change sets, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			items, total, err := m.GetHistory(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"items": items, "total": total})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.IncludeRollbacks, "include-rollbacks", false, "include compensating rollback records")
	f.IntVar(&opts.Limit, "limit", 50, "page size (max 500)")
	f.IntVar(&opts.Offset, "offset", 0, "page offset")
	return cmd
}

func newShowCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print one change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := m.Get(cmd.Context(), args[0])
			return printResult(cmd, cs, err)
		},
	}
}

func newApproveCmd(get func() *app) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a change set that requires approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := m.Approve(cmd.Context(), args[0], now)
			return printResult(cmd, cs, err)
		},
	}
	cmd.Flags().BoolVar(&now, "apply", false, "commit right away instead of leaving it APPROVED")
	return cmd
}

func newApplyCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply ID",
		Short: "Commit an APPROVED change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := m.Apply(cmd.Context(), args[0])
			return printResult(cmd, cs, err)
		},
	}
}

func newRejectCmd(get func() *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a change set that has not been committed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := m.Reject(cmd.Context(), args[0], reason)
			return printResult(cmd, cs, err)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the change was rejected")
	return cmd
}

func newRollbackCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback ID",
		Short: "Revert an applied change set with a compensating change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := m.Rollback(cmd.Context(), args[0])
			return printResult(cmd, cs, err)
		},
	}
}

func newResolveCmd(get func() *app) *cobra.Command {
	var kind, changes string
	cmd := &cobra.Command{
		Use:   "resolve ID",
		Short: "Settle a conflicted change set",
		Long:  "Resolution kinds: ACCEPT_CURRENT, ACCEPT_INCOMING, MERGE (with --changes), MANUAL, RETRY.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := changeset.ParseResolutionKind(kind)
			if err != nil {
				return err
			}
			res := changeset.Resolution{Kind: k}
			if changes != "" {
				if res.Changes, err = parseChanges(changes); err != nil {
					return err
				}
			}
			m, err := get().manager(cmd.Context())
			if err != nil {
				return err
			}
			cs, err := m.ResolveConflict(cmd.Context(), args[0], res)
			return printResult(cmd, cs, err)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "resolution kind (required)")
	cmd.Flags().StringVar(&changes, "changes", "", "merged JSON patch for MERGE")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newWatchCmd(get func() *app) *cobra.Command {
	var (
		metricsAddr string
		invalidate  bool
	)
	cmd := &cobra.Command{
		Use:   "watch [CHANNEL...]",
		Short: "Print change events until interrupted",
		Long: "Channels default to \"changes\"; use entity:TYPE:ID for one entity.\n" +
			"With --invalidate every committed change also prunes this process's server caches.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := get()
			if len(args) == 0 {
				args = []string{realtime.ChangesChannel}
			}
			n, err := a.notifier()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				if err := serveMetrics(a, metricsAddr); err != nil {
					return err
				}
			}
			var prune realtime.Handler
			if invalidate {
				coord, err := a.coordinator(ctx)
				if err != nil {
					return err
				}
				prune = serverInvalidation(coord)
			}
			out := cmd.OutOrStdout()
			show := func(ctx context.Context, msg realtime.Message) {
				b, _ := json.Marshal(msg)
				fmt.Fprintln(out, string(b))
				if prune != nil {
					prune(ctx, msg)
				}
			}
			for _, ch := range args {
				id, err := n.Subscribe(ctx, ch, show)
				if err != nil {
					return err
				}
				defer n.Unsubscribe(ch, id)
			}
			a.log.Info("watching", cachesync.Fields{"channels": args, "transport": a.cfg.Realtime.Transport})
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
	cmd.Flags().BoolVar(&invalidate, "invalidate", false, "run server-side invalidation for CHANGE_COMMITTED events")
	return cmd
}

// serverInvalidation prunes the render and key/value layers for committed
// changes published by other processes.
func serverInvalidation(inv cachesync.Invalidator) realtime.Handler {
	return func(ctx context.Context, msg realtime.Message) {
		if msg.Type != realtime.ChangeCommitted {
			return
		}
		op, err := cachesync.ParseOperation(msg.Data.Operation)
		if err != nil {
			op = cachesync.OpUpdate
		}
		inv.Invalidate(cachesync.WithRuntime(ctx, cachesync.RuntimeServer), cachesync.Request{
			EntityType: msg.Data.EntityType,
			EntityID:   msg.Data.EntityID,
			TenantID:   msg.Data.TenantID,
			Operation:  op,
		})
	}
}

func serveMetrics(a *app, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", cachesync.Fields{"err": err})
		}
	}()
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	a.log.Info("serving metrics", cachesync.Fields{"addr": ln.Addr().String()})
	return nil
}

func newMigrateCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the entity and change-set tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := get().postgres(ctx)
			if err != nil {
				return err
			}
			if err := postgres.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate entities: %w", err)
			}
			if err := pgrepo.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate change sets: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
