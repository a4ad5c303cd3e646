package main

import (
	"context"
	"errors"
	"os"

	"github.com/pterm/pterm"
	"github.com/pushline/pushline/config"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/messaging"
	"github.com/pushline/pushline/popup"
	"github.com/pushline/pushline/pushapi"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "pushline",
	Short:         "Send and browse pushes from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "Address of the pushlined messaging endpoint")
	rootCmd.PersistentFlags().String("db", "", "Postgres connection string, when pushlined keeps settings in postgres")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

// app is what every command works with: the popup controller plus the pieces behind it.
type app struct {
	cfg        config.Config
	store      kvstore.Store
	background *messaging.Client
	controller *popup.Controller
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.MessagingAddr = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.PostgresDSN = v
	}
	cfg.ApplyLogLevel()
	path, err := cfg.ResolveStorePath()
	if err != nil {
		return nil, err
	}
	store, err := kvstore.Open(cfg.PostgresDSN, path)
	if err != nil {
		return nil, err
	}
	bg := messaging.NewClient(cfg.MessagingAddr)
	return &app{
		cfg:        cfg,
		store:      store,
		background: bg,
		controller: popup.NewController(popup.Config{
			API:        pushapi.NewHTTPClient(cfg.APIURL, cfg.HTTPTimeout),
			Store:      store,
			Background: bg,
			View:       &popup.TerminalView{},
			StreamURL:  cfg.StreamURL,
		}),
	}, nil
}

func (a *app) Close() {
	a.controller.Close()
	a.store.Close()
}

// withApp runs fn with a fresh app which is closed afterwards.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

// askBackground sends r to pushlined. It returns false when pushlined is not running.
func (a *app) askBackground(ctx context.Context, r messaging.Request) (bool, error) {
	_, err := a.background.Query(ctx, r)
	if errors.Is(err, messaging.ErrNoBackground) {
		return false, nil
	}
	return err == nil, err
}
