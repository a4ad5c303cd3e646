package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/messaging"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show your account, devices and recent pushes",
	RunE:  withApp(runShow),
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with an access token",
	RunE:  withApp(runLogin),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the access token and this device",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return a.controller.Logout(ctx)
	}),
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send a push from this device",
}

var pushNoteCmd = &cobra.Command{
	Use:   "note",
	Short: "Push a note",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return sendPush(ctx, a, cmd, internal.PushTypeNote, "")
	}),
}

var pushLinkCmd = &cobra.Command{
	Use:   "link <url>",
	Short: "Push a link",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return sendPush(ctx, a, cmd, internal.PushTypeLink, args[0])
	}),
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Change a setting",
}

var setAutoOpenCmd = &cobra.Command{
	Use:       "auto-open-links on|off",
	Short:     "Open pushed links in the browser as they arrive",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		enabled := args[0] == "on"
		if err := a.controller.SetAutoOpenLinks(ctx, enabled); err != nil {
			return err
		}
		pterm.Success.Printf("Auto-open links is %s\n", args[0])
		return nil
	}),
}

var setNicknameCmd = &cobra.Command{
	Use:   "nickname <name>",
	Short: "Rename this device",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		name := strings.Join(args, " ")
		if err := a.controller.SetDeviceNickname(ctx, name); err != nil {
			return err
		}
		pterm.Success.Printf("This device is now called %s\n", name)
		return nil
	}),
}

var shareCmd = &cobra.Command{
	Use:   "share <url>",
	Short: "Push a link to all your devices through pushlined",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runShare),
}

var clickCmd = &cobra.Command{
	Use:   "click <notification id>",
	Short: "Act on a push notification as if it had been clicked",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		ok, err := a.askBackground(ctx, messaging.Request{Action: messaging.ActionNotificationClicked, NotificationID: args[0]})
		if err != nil {
			return err
		}
		if !ok {
			return messaging.ErrNoBackground
		}
		return nil
	}),
}

func init() {
	showCmd.Flags().BoolP("follow", "f", false, "Keep running and show new pushes as they arrive")
	loginCmd.Flags().String("token", "", "Access token from your account settings")
	loginCmd.Flags().String("nickname", "", "Name for this device (default "+internal.DefaultNickname+")")
	loginCmd.MarkFlagRequired("token")
	for _, c := range []*cobra.Command{pushNoteCmd, pushLinkCmd} {
		c.Flags().StringP("title", "t", "", "Title")
		c.Flags().StringP("body", "b", "", "Message")
		c.Flags().StringP("device", "d", "", "Only push to the device with this iden")
	}
	shareCmd.Flags().StringP("title", "t", "", "Title")

	pushCmd.AddCommand(pushNoteCmd, pushLinkCmd)
	setCmd.AddCommand(setAutoOpenCmd, setNicknameCmd)
	rootCmd.AddCommand(showCmd, loginCmd, logoutCmd, pushCmd, setCmd, shareCmd, clickCmd)
}

func runShow(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	if err := a.controller.Activate(ctx); err != nil {
		return err
	}
	follow, _ := cmd.Flags().GetBool("follow")
	if !follow {
		return nil
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err := a.background.Subscribe(ctx, a.controller.OnBackgroundNotification)
	if errors.Is(err, messaging.ErrNoBackground) {
		// the popup's own stream still refreshes the list
		pterm.Warning.Println("pushlined is not running: no desktop notifications until it is started")
		<-ctx.Done()
		return nil
	}
	return err
}

func runLogin(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	nickname, _ := cmd.Flags().GetString("nickname")
	if err := a.controller.SubmitCredential(ctx, token, nickname); err != nil {
		return err
	}
	pterm.Success.Println("Signed in")
	return nil
}

func sendPush(ctx context.Context, a *app, cmd *cobra.Command, typ, url string) error {
	if err := a.controller.UseStoredCredential(ctx); err != nil {
		return err
	}
	title, _ := cmd.Flags().GetString("title")
	body, _ := cmd.Flags().GetString("body")
	device, _ := cmd.Flags().GetString("device")
	return a.controller.SendPush(ctx, internal.PushDraft{
		Type:           typ,
		Title:          title,
		Body:           body,
		URL:            url,
		TargetDeviceID: device,
	})
}

func runShare(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	draft := internal.PushDraft{Type: internal.PushTypeLink, Title: title, URL: args[0]}
	ok, err := a.askBackground(ctx, messaging.Request{Action: messaging.ActionSendPush, Push: &draft})
	if err != nil {
		return err
	}
	if ok {
		pterm.Info.Println("Sharing through pushlined")
		return nil
	}
	if err := a.controller.UseStoredCredential(ctx); err != nil {
		return fmt.Errorf("share: %w", err)
	}
	return a.controller.SendPush(ctx, draft)
}
