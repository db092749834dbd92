package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/agent"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/internal/version"
	"github.com/GoCodeAlone/turnstile/server"
	"github.com/GoCodeAlone/turnstile/task"
)

const defaultServer = "http://localhost:9090"

func newRootCmd() *cobra.Command {
	cli := &Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}
	var serverURL string

	root := &cobra.Command{
		Use:          "turnstile",
		Short:        "turnstile CLI: talk to rooms and inspect the coordination engine",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "turnstile server URL")
	root.PersistentFlags().StringVar(&cli.Token, "token", os.Getenv("TURNSTILE_TOKEN"), "JWT auth token (or $TURNSTILE_TOKEN)")

	root.AddCommand(
		newVersionCmd(),
		newHashPasswordCmd(),
		newLoginCmd(cli),
		newStatusCmd(cli),
		newAgentsCmd(cli),
		newPostCmd(cli),
		newEventsCmd(cli),
		newTimelineCmd(cli),
		newAdmissionCmd(cli),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "turnstile %s\n", version.String())
			return err
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash to use as auth.admin_pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := server.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
}

func newLoginCmd(c *Client) *cobra.Command {
	var user, pass string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token for $TURNSTILE_TOKEN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Token string `json:"token"`
			}
			body := map[string]string{"username": user, "password": pass}
			if err := c.post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "admin", "username")
	cmd.Flags().StringVar(&pass, "password", "", "password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newStatusCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result struct {
				Status  string `json:"status"`
				Version string `json:"version"`
				Engine  struct {
					Uptime  string   `json:"uptime"`
					Store   string   `json:"store"`
					Backend string   `json:"backend"`
					Rooms   []string `json:"rooms"`
					Agents  int      `json:"agents"`
				} `json:"engine"`
			}
			if err := c.get(cmd.Context(), "/api/status", &result); err != nil {
				return err
			}
			e := result.Engine
			_, err := fmt.Fprintf(cmd.OutOrStdout(),
				"status:  %s\nversion: %s\nuptime:  %s\nstore:   %s\nbackend: %s\nrooms:   %s\nagents:  %d\n",
				result.Status, result.Version, e.Uptime, e.Store, e.Backend, strings.Join(e.Rooms, ", "), e.Agents)
			return err
		},
	}
}

func newAgentsCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agent instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var agents []agent.Info
			if err := c.get(cmd.Context(), "/api/agents", &agents); err != nil {
				return err
			}
			if len(agents) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no agents")
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tTYPE\tSTATUS\tIN FLIGHT\tEVALUATED\tPOSTED") //nolint:errcheck
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", //nolint:errcheck
					a.InstanceID, a.AgentType, a.Status, a.InFlight, a.Evaluated, a.Posted)
			}
			return tw.Flush()
		},
	}
}

func newPostCmd(c *Client) *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "post <room> <message...>",
		Short: "Post a human message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"sender": sender, "content": strings.Join(args[1:], " ")}
			var ev comms.Event
			if err := c.post(cmd.Context(), "/api/rooms/"+url.PathEscape(args[0])+"/messages", body, &ev); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "posted #%d to %s\n", ev.Seq, ev.RoomID)
			return err
		},
	}
	cmd.Flags().StringVar(&sender, "as", "", "sender name (defaults to the logged-in user)")
	return cmd
}

func newEventsCmd(c *Client) *cobra.Command {
	var after, limit int64
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "events <room>",
		Short: "List room events in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("after", strconv.FormatInt(after, 10))
			q.Set("limit", strconv.FormatInt(limit, 10))
			var events []comms.Event
			if err := c.get(cmd.Context(), "/api/rooms/"+url.PathEscape(args[0])+"/events?"+q.Encode(), &events); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			for _, ev := range events {
				who := ev.SenderID
				if ev.SenderKind == comms.SenderAgent {
					who = fmt.Sprintf("%s (%s)", ev.SenderID, ev.AgentType)
				}
				line := fmt.Sprintf("#%d %s: %s", ev.Seq, who, ev.Content)
				if ev.InReplyTo > 0 {
					line += fmt.Sprintf("  [re #%d]", ev.InReplyTo)
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this seq")
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum events to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newTimelineCmd(c *Client) *cobra.Command {
	var f task.Filter
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show evaluation task transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if f.RoomID != "" {
				q.Set("room", f.RoomID)
			}
			if f.TriggerSeq > 0 {
				q.Set("trigger", strconv.FormatInt(f.TriggerSeq, 10))
			}
			if f.TaskID != "" {
				q.Set("task", f.TaskID)
			}
			if f.AgentType != "" {
				q.Set("agent_type", f.AgentType)
			}
			if f.Limit > 0 {
				q.Set("limit", strconv.Itoa(f.Limit))
			}
			var trs []task.Transition
			if err := c.get(cmd.Context(), "/api/transitions?"+q.Encode(), &trs); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTRIGGER\tINSTANCE\tATTEMPT\tFROM\tTO\tREASON") //nolint:errcheck
			for _, tr := range trs {
				fmt.Fprintf(tw, "%s\t#%d\t%s\t%d\t%s\t%s\t%s\n", //nolint:errcheck
					tr.At.Format("15:04:05.000"), tr.TriggerSeq, tr.InstanceID, tr.Attempt,
					tr.From, tr.To, truncate(tr.Reason, 40))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.RoomID, "room", "", "filter by room")
	cmd.Flags().Int64Var(&f.TriggerSeq, "trigger", 0, "filter by trigger seq")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&f.AgentType, "agent-type", "", "filter by agent type")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum transitions to return")
	return cmd
}

func newAdmissionCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "admission",
		Short: "Show admission controller counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s admission.Stats
			if err := c.get(cmd.Context(), "/api/admission", &s); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(),
				"in use %d/%d, queued %d, peak %d\ngranted %d, rejected %d, released %d, reclaimed %d\n",
				s.InUse, s.MaxConcurrent, s.Queued, s.Peak, s.Granted, s.Rejected, s.Released, s.Reclaimed)
			return err
		},
	}
}
