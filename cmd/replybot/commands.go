package main

import (
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/db"
	"github.com/ZanzyTHEbar/room-replybot/replybot/health"
	"github.com/ZanzyTHEbar/room-replybot/replybot/tasks"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newEnqueueCmd(rt *cliEnv) *cobra.Command {
	var (
		kind string
		trig tasks.Trigger
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Run one reply trigger inline and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := tasks.ParseKind(kind)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), rt.cfg, rt.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.tasks[k].Run(cmd.Context(), trig)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !res.Acquired {
				_, err = fmt.Fprintf(out, "room %s is busy; skipped\n", trig.RoomID)
				return err
			}
			fmt.Fprintf(out, "behavior:    %s\n", res.Behavior)
			fmt.Fprintf(out, "perspective: %s\n", res.Outcome.Perspective)
			fmt.Fprintf(out, "sent:        %t\n", res.Outcome.Sent)
			if len(res.Degraded) > 0 {
				fmt.Fprintf(out, "degraded:    %v\n", res.Degraded)
			}
			if res.ExecError != nil {
				fmt.Fprintf(out, "error:       %v\n", res.ExecError)
			}
			if res.Outcome.Text != "" {
				fmt.Fprintf(out, "\n%s\n", res.Outcome.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(tasks.KindAIChatReply), "Task kind: ai_chat_reply|group_chat_reply.")
	cmd.Flags().StringVar(&trig.RoomID, "room", "", "Room id.")
	cmd.Flags().StringVar(&trig.WorkspaceID, "workspace", "", "Workspace id.")
	cmd.Flags().StringVar(&trig.OrganizationID, "org", "", "Organization id.")
	cmd.Flags().StringVar(&trig.AuthorID, "author", "", "Author of the triggering message.")
	cmd.Flags().StringVar(&trig.Text, "text", "", "Triggering message text.")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func newMigrateCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Connect(cmd.Context(), rt.cfg.Database, rt.logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			version, err := db.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return err
		},
	}
}

func newLockCmd(rt *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect room reply locks",
	}

	var room string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the live lease for a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rt.cfg, rt.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			lease, live, err := a.lock.Inspect(cmd.Context(), room)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !live {
				_, err = fmt.Fprintf(out, "room %s: free\n", room)
				return err
			}
			_, err = fmt.Fprintf(out, "room %s: held by %s, expires %s (%s)\n",
				room, lease.Token, humanize.Time(lease.ExpiresAt), lease.ExpiresAt.Format(time.RFC3339))
			return err
		},
	}
	status.Flags().StringVar(&room, "room", "", "Room id.")
	_ = status.MarkFlagRequired("room")

	cmd.AddCommand(status)
	return cmd
}

func newSignalCmd(rt *cliEnv) *cobra.Command {
	var (
		kind      string
		id        string
		dimension string
		score     float64
	)

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Record a health signal for a workspace or organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := health.Scope{Kind: health.ScopeKind(kind), ID: id}
			if scope.Kind != health.ScopeWorkspace && scope.Kind != health.ScopeOrganization {
				return fmt.Errorf("unknown scope %q", kind)
			}

			conn, err := db.Connect(cmd.Context(), rt.cfg.Database, rt.logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := health.RecordSignal(cmd.Context(), conn, scope, health.Dimension(dimension), score, time.Now()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %.0f\n", scope, dimension, score)
			return err
		},
	}

	cmd.Flags().StringVar(&kind, "scope", string(health.ScopeWorkspace), "Scope kind: workspace|organization.")
	cmd.Flags().StringVar(&id, "id", "", "Workspace or organization id.")
	cmd.Flags().StringVar(&dimension, "dimension", string(health.DimensionActivity), "Health dimension.")
	cmd.Flags().Float64Var(&score, "score", health.NeutralScore, "Score between 0 and 100.")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
