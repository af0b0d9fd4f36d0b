package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openmined/themesync/internal/controlplane"
	"github.com/openmined/themesync/internal/sync"
)

func init() {
	rootCmd.AddCommand(newDevCmd())
}

func newDevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Reconcile, then keep the local directory and the remote theme in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newCLIConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return runDev(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().String("strategy", "", "resolve the initial reconcile without prompting: favor-remote or favor-local")
	cmd.Flags().Duration("poll-interval", sync.DefaultPollInterval, "remote poll interval")
	cmd.Flags().String("control-addr", "", "serve the control plane on this address, e.g. "+controlplane.DefaultAddr)
	cmd.Flags().String("control-token", "", "control plane token (generated when empty)")
	return cmd
}

func runDev(ctx context.Context, out io.Writer, cfg *cliConfig) error {
	selector, err := cfg.selector()
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg, selector)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.ControlAddr != "" {
		srv, err := controlplane.New(controlplane.Config{
			Addr:  cfg.ControlAddr,
			Token: cfg.ControlToken,
		}, sess.engine)
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s http://%s  token %s\n", cyan.Render("control plane"), srv.Addr(), srv.Token())
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	g.Go(func() error {
		// the control plane goes down with the engine
		defer cancel()
		return sess.engine.Run(gctx)
	})

	err = g.Wait()
	var conflict *sync.ConflictError
	if errors.As(err, &conflict) {
		fmt.Fprintln(out, yellow.Render("Run `themesync reconcile` to resolve the conflict, then start dev again."))
	}
	return err
}
