package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/paksyncd/internal/auth"
	"github.com/schaermu/paksyncd/internal/control"
	"github.com/schaermu/paksyncd/internal/model"
	paksyncd "github.com/schaermu/paksyncd/internal/sync"
)

// Command flags
var (
	initRemoteID string
	initPublic   bool
	initToken    string
)

// requestTimeout bounds control requests that do not wait on the remote
const requestTimeout = 10 * time.Second

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Authenticate and create or bind the remote snapshot",
	Long: `Init authorizes paksyncd with GitHub through the OAuth device flow (or
stores the token given with --token), then binds the gist given with
--remote-id or creates a new gist from the local installations.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Request an immediate sync, ignoring autosync and network conditions",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		queued, err := c.TriggerManualSync(ctx)
		if err != nil {
			return err
		}
		if !queued {
			return errors.New("daemon is busy, try again later")
		}
		_, _ = fmt.Fprintln(out, "sync requested")
		return nil
	}),
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Overwrite the remote snapshot with the local installations",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		if err := c.Push(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "pushed local state")
		return nil
	}),
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show how the remote snapshot differs from the local installations",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		resp, err := c.Diff(ctx)
		if err != nil {
			return err
		}
		return printDiff(out, resp)
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon state and recent sync events",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	}),
}

var autosyncCmd = &cobra.Command{
	Use:   "autosync [on|off]",
	Short: "Show or change whether syncs run automatically",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		if len(args) == 1 {
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			if err := c.SetAutosync(ctx, enabled); err != nil {
				return err
			}
		}
		enabled, err := c.Autosync(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "autosync: %s\n", onOff(enabled))
		return nil
	}),
}

var intervalCmd = &cobra.Command{
	Use:   "interval [minutes]",
	Short: "Show or change the automatic sync interval",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		if len(args) == 1 {
			minutes, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid interval %q: %w", args[0], err)
			}
			if err := c.SetInterval(ctx, uint32(minutes)); err != nil {
				return err
			}
		}
		minutes, err := c.Interval(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "interval: %d minutes\n", minutes)
		return nil
	}),
}

var remoteIDCmd = &cobra.Command{
	Use:   "remote-id [id]",
	Short: "Show or change the bound remote snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		if len(args) == 1 {
			if err := c.SetRemoteID(ctx, args[0]); err != nil {
				return err
			}
		}
		id, err := c.RemoteID(ctx)
		if err != nil {
			return err
		}
		if id == "" {
			id = "(none)"
		}
		_, _ = fmt.Fprintf(out, "remote id: %s\n", id)
		return nil
	}),
}

var autostartCmd = &cobra.Command{
	Use:   "autostart [on|off]",
	Short: "Show or change whether the daemon starts at login",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(ctx context.Context, c *control.Client, out io.Writer, args []string) error {
		if len(args) == 1 {
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			if err := c.SetAutostart(ctx, enabled); err != nil {
				return err
			}
		}
		enabled, err := c.Autostart(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "autostart: %s\n", onOff(enabled))
		return nil
	}),
}

func init() {
	initCmd.Flags().StringVar(&initRemoteID, "remote-id", "", "bind an existing remote snapshot instead of creating one")
	initCmd.Flags().BoolVar(&initPublic, "public", false, "make a newly created gist public (default from remote.public)")
	initCmd.Flags().StringVar(&initToken, "token", "", "use this access token instead of the device flow")
}

// withClient adapts a control client call into a cobra RunE
func withClient(fn func(ctx context.Context, c *control.Client, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		logger := setupLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// the daemon applies its own remote timeout; leave room for queued work
		ctx, cancelTimeout := context.WithTimeout(ctx, requestTimeout+2*cfg.Remote.Timeout)
		defer cancelTimeout()

		return fn(ctx, control.NewClient(cfg.Control.Socket), cmd.OutOrStdout(), args)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := cmd.OutOrStdout()
	client := control.NewClient(cfg.Control.Socket)

	secret := strings.TrimSpace(initToken)
	if secret == "" {
		flow := auth.NewDeviceFlow(auth.GitHubConfig(cfg.Remote.ClientID))
		da, err := flow.Start(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Open %s and enter the code %s\n", da.VerificationURI, da.UserCode)

		tok, err := flow.Wait(ctx, da)
		if err != nil {
			return err
		}
		if secret, err = auth.EncodeToken(tok); err != nil {
			return err
		}
	}
	if err := client.SetSecret(ctx, secret); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "credentials stored")

	if initRemoteID != "" {
		if err := client.SetRemoteID(ctx, initRemoteID); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "bound remote %s\n", initRemoteID)
		return nil
	}

	public := cfg.Remote.Public
	if cmd.Flags().Changed("public") {
		public = initPublic
	}
	id, err := client.CreateRemote(ctx, public)
	if errors.Is(err, paksyncd.ErrAlreadyInitialized) {
		return fmt.Errorf("%w, use --remote-id to bind a different one", err)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "created remote %s\n", id)
	return nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "enable", "enabled", "yes":
		return true, nil
	case "off", "disable", "disabled", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printStatus(out io.Writer, st *control.Status) {
	remoteID := st.RemoteID
	if remoteID == "" {
		remoteID = "(none)"
	}
	_, _ = fmt.Fprintf(out, "remote id:   %s\n", remoteID)
	_, _ = fmt.Fprintf(out, "autosync:    %s (every %d minutes)\n", onOff(st.Autosync), st.IntervalMinutes)
	_, _ = fmt.Fprintf(out, "autostart:   %s\n", onOff(st.Autostart))
	_, _ = fmt.Fprintf(out, "local state: %s\n", st.LocalAlteredAt.Local().Format(time.RFC3339))

	scopes := make([]string, 0, len(st.Refs))
	for scope := range st.Refs {
		scopes = append(scopes, string(scope))
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		_, _ = fmt.Fprintf(out, "  %-8s %d refs\n", scope, st.Refs[model.Scope(scope)])
	}

	if len(st.Recent) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "recent syncs:")
	for _, ev := range st.Recent {
		line := fmt.Sprintf("  %s  %-7s %-6s", ev.FinishedAt.Local().Format(time.RFC3339), ev.Trigger, ev.Outcome)
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		_, _ = fmt.Fprintln(out, line)
	}
}

func printDiff(out io.Writer, resp *control.DiffResponse) error {
	c := resp.Comparison
	if c.Diff.Empty() {
		_, _ = fmt.Fprintln(out, "local installations match the remote snapshot")
		return nil
	}

	_, _ = fmt.Fprintf(out, "remote %s, next sync will %s\n", c.RemoteID, resp.Direction)
	_, _ = fmt.Fprintf(out, "local altered at:  %s\n", c.LocalAlteredAt.Local().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "remote altered at: %s\n", c.RemoteAlteredAt.Local().Format(time.RFC3339))

	for _, scope := range model.Scopes {
		sd := c.Diff[scope]
		if sd.Empty() {
			continue
		}
		_, _ = fmt.Fprintf(out, "%s (remote -> local):\n", scope)
		for _, r := range sd.Refs.Added {
			_, _ = fmt.Fprintf(out, "  + %s\n", r.Ref)
		}
		for _, ch := range sd.Refs.Altered {
			_, _ = fmt.Fprintf(out, "  ~ %s (%s -> %s)\n", ch.New.Ref, short(ch.Old.Commit), short(ch.New.Commit))
		}
		for _, r := range sd.Refs.Removed {
			_, _ = fmt.Fprintf(out, "  - %s\n", r.Ref)
		}
		for _, r := range sd.Remotes.Added {
			_, _ = fmt.Fprintf(out, "  + remote %s\n", r.Name)
		}
		for _, ch := range sd.Remotes.Altered {
			_, _ = fmt.Fprintf(out, "  ~ remote %s\n", ch.New.Name)
		}
		for _, r := range sd.Remotes.Removed {
			_, _ = fmt.Fprintf(out, "  - remote %s\n", r.Name)
		}
	}

	patch, err := json.MarshalIndent(c.Patch, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render patch: %w", err)
	}
	_, _ = fmt.Fprintf(out, "patch (remote -> local):\n%s\n", patch)
	return nil
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
