package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowboard/internal/app"
	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/engine/perm"
	"flowboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fb",
	Short: "Flowboard CLI",
	Long: `Flowboard runs staged ticket boards with permission gates and automation.
Core concepts:
- Workspace: a .flowboard directory holding the board database.
- Process: one board definition; owns stages, fields, tickets, and rules.
- Stage: a column on the board; declares which transitions leave it and
  which permissions a user needs to drop a ticket into it.
- Ticket: a work item; always in exactly one stage, every move is audited.
- Grants: role grants give baseline permissions; direct grants override
  them at global, process, or stage scope and may expire.
- Rules: automation that reacts to stage changes and due dates
  (notify, move, assign, comment).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(fieldCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage board config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default flowboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("local-board")), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if c == nil {
				c = config.Default("local-board")
			}
			return printJSON(c)
		},
	})
	return cfg
}

func processCmd() *cobra.Command {
	prc := &cobra.Command{Use: "process", Short: "Manage processes"}
	prc.AddCommand(processCreateCmd())
	prc.AddCommand(processListCmd())
	prc.AddCommand(processShowCmd())
	return prc
}

func processCreateCmd() *cobra.Command {
	var id, name, color, icon, priority, duePolicy string
	var autoAssign bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProcess(ctx, engine.ProcessCreateOptions{
					ID:              id,
					Name:            name,
					Color:           color,
					Icon:            icon,
					DefaultPriority: priority,
					AutoAssign:      autoAssign,
					DueDatePolicy:   duePolicy,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "process id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "process name")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	cmd.Flags().StringVar(&icon, "icon", "", "display icon")
	cmd.Flags().StringVar(&priority, "default-priority", "", "default ticket priority")
	cmd.Flags().BoolVar(&autoAssign, "auto-assign", false, "assign new tickets to their creator")
	cmd.Flags().StringVar(&duePolicy, "due-date-policy", "none", "none|warn|require")
	return cmd
}

func processListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProcesses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Active", "Due Policy"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Active, p.DueDatePolicy})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func processShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <process-id>",
		Short: "Show process with stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				stages, err := a.Repo.ListStages(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"process": p, "stages": stages})
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	stg := &cobra.Command{Use: "stage", Short: "Manage stages"}
	stg.AddCommand(stageCreateCmd())
	stg.AddCommand(stageListCmd())
	stg.AddCommand(stageAllowCmd())
	stg.AddCommand(stageDisallowCmd())
	stg.AddCommand(stageTicketsCmd())
	return stg
}

func stageCreateCmd() *cobra.Command {
	var id, processID, name string
	var position, slaHours int
	var isInitial, isFinal bool
	var transitions, perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if processID == "" || name == "" {
				return fmt.Errorf("--process and --name required")
			}
			required, err := parsePermissions(perms)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.StageCreateOptions{
					ID:                 id,
					ProcessID:          processID,
					Name:               name,
					Position:           position,
					IsInitial:          isInitial,
					IsFinal:            isFinal,
					AllowedTransitions: transitions,
					RequiredPerms:      required,
					ActorID:            viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("sla-hours") {
					opts.SLAHours = &slaHours
				}
				s, err := a.Engine.CreateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "stage id (generated when empty)")
	cmd.Flags().StringVar(&processID, "process", "", "process id")
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().IntVar(&position, "position", 0, "board position")
	cmd.Flags().BoolVar(&isInitial, "initial", false, "new tickets start here")
	cmd.Flags().BoolVar(&isFinal, "final", false, "mark stage terminal")
	cmd.Flags().IntVar(&slaHours, "sla-hours", 0, "SLA hours for this stage")
	cmd.Flags().StringSliceVar(&transitions, "allow", nil, "stage ids reachable from this stage")
	cmd.Flags().StringSliceVar(&perms, "require", nil, "required permissions (resource.action)")
	return cmd
}

func stageListCmd() *cobra.Command {
	var processID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if processID == "" {
				return fmt.Errorf("--process required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListStages(ctx, processID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Pos", "Initial", "Final", "Allows"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Position, s.IsInitial, s.IsFinal, strings.Join(s.AllowedTransitions, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&processID, "process", "", "process id")
	return cmd
}

func stageAllowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow <stage-id> <to-stage-id>",
		Short: "Allow a transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.AddTransition(ctx, args[0], args[1])
			})
		},
	}
	return cmd
}

func stageDisallowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disallow <stage-id> <to-stage-id>",
		Short: "Disallow a transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RemoveTransition(ctx, args[0], args[1])
			})
		},
	}
	return cmd
}

func stageTicketsCmd() *cobra.Command {
	var processID string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "tickets <stage-id>",
		Short: "List tickets in a stage, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if processID == "" {
					s, err := a.Repo.GetStage(ctx, args[0])
					if err != nil {
						return err
					}
					processID = s.ProcessID
				}
				bucket, err := a.Engine.ListStage(ctx, processID, args[0], limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bucket)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Assignee", "Due", "Created"})
				for _, t := range bucket.Tickets {
					assignee := ""
					if t.AssignedTo != nil {
						assignee = *t.AssignedTo
					}
					due := ""
					if t.DueDate != nil {
						due = *t.DueDate
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, assignee, due, t.CreatedAt})
				}
				tw.Render()
				if bucket.HasMore {
					fmt.Printf("more tickets available; rerun with --offset %d\n", offset+limit)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&processID, "process", "", "process id (derived from stage when empty)")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func fieldCmd() *cobra.Command {
	fld := &cobra.Command{Use: "field", Short: "Manage process fields"}
	var id, processID, name, kind string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create field",
		RunE: func(cmd *cobra.Command, args []string) error {
			if processID == "" || name == "" {
				return fmt.Errorf("--process and --name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.CreateField(ctx, domain.Field{ID: id, ProcessID: processID, Name: name, Kind: kind})
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "field id (generated when empty)")
	create.Flags().StringVar(&processID, "process", "", "process id")
	create.Flags().StringVar(&name, "name", "", "field name")
	create.Flags().StringVar(&kind, "kind", "text", "text|number|date|select")
	fld.AddCommand(create)

	var listProcess string
	list := &cobra.Command{
		Use:   "list",
		Short: "List fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listProcess == "" {
				return fmt.Errorf("--process required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListFields(ctx, listProcess)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	list.Flags().StringVar(&listProcess, "process", "", "process id")
	fld.AddCommand(list)
	return fld
}

func ticketCmd() *cobra.Command {
	tkt := &cobra.Command{Use: "ticket", Short: "Manage tickets"}
	tkt.AddCommand(ticketCreateCmd())
	tkt.AddCommand(ticketShowCmd())
	tkt.AddCommand(ticketMoveCmd())
	tkt.AddCommand(ticketValidateCmd())
	tkt.AddCommand(ticketSetFieldCmd())
	tkt.AddCommand(ticketLogCmd())
	tkt.AddCommand(ticketActionsCmd())
	return tkt
}

func ticketCreateCmd() *cobra.Command {
	var id, processID, stageID, title, desc, assignee, priority, due string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if processID == "" || title == "" {
				return fmt.Errorf("--process and --title required")
			}
			fieldValues, err := parseKeyValues(fields)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTicket(ctx, engine.TicketCreateOptions{
					ID:          id,
					ProcessID:   processID,
					StageID:     stageID,
					Title:       title,
					Description: desc,
					AssignedTo:  assignee,
					Priority:    priority,
					DueDate:     due,
					Fields:      fieldValues,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "ticket id (generated when empty)")
	cmd.Flags().StringVar(&processID, "process", "", "process id")
	cmd.Flags().StringVar(&stageID, "stage", "", "starting stage (initial stage when empty)")
	cmd.Flags().StringVar(&title, "title", "", "ticket title")
	cmd.Flags().StringVar(&desc, "description", "", "ticket description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assigned user")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (process default when empty)")
	cmd.Flags().StringVar(&due, "due", "", "due date, RFC3339")
	cmd.Flags().StringSliceVar(&fields, "field", nil, "field value as field_id=value")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func ticketMoveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "move <ticket-id> <stage-id>",
		Short: "Move ticket to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Move(ctx, engine.MoveOptions{
					TicketID:      args[0],
					TargetStageID: args[1],
					ActorID:       viper.GetString("actor-id"),
					Comment:       comment,
				})
				if err != nil {
					return err
				}
				for _, adv := range res.Advisories {
					fmt.Fprintln(os.Stderr, "warning:", adv)
				}
				return printJSON(res.Ticket)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded on the move")
	return cmd
}

func ticketValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <ticket-id> <stage-id>",
		Short: "Check whether a move would be allowed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				advisory, err := a.Engine.ValidateTransition(ctx, t, args[1], viper.GetString("actor-id"))
				if err != nil {
					var te *engine.TransitionError
					if errors.As(err, &te) {
						return printJSON(map[string]any{"allowed": false, "reason": te.Kind, "message": te.Error()})
					}
					return err
				}
				out := map[string]any{"allowed": true}
				if advisory != nil {
					out["advisories"] = []string{advisory.Error()}
				}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func ticketSetFieldCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-field <ticket-id> <field-id> <value>",
		Short: "Set a field value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.SetTicketField(ctx, args[0], args[1], args[2], viper.GetString("actor-id"))
			})
		},
	}
}

func ticketLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <ticket-id>",
		Short: "Show ticket activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListActivities(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Actor", "Type", "From", "To", "Comment"})
				for _, act := range items {
					tw.AppendRow(table.Row{act.TS, act.ActorID, act.Type, act.OldStageID, act.NewStageID, act.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries")
	return cmd
}

func ticketActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <ticket-id>",
		Short: "Show automation action requests for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListActionRequests(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	rl := &cobra.Command{Use: "rule", Short: "Manage automation rules"}
	rl.AddCommand(ruleCreateCmd())
	rl.AddCommand(ruleListCmd())
	rl.AddCommand(ruleSetActiveCmd("enable", true))
	rl.AddCommand(ruleSetActiveCmd("disable", false))
	return rl
}

func ruleCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create rule from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rule domain.AutomationRule
			if err := json.Unmarshal(data, &rule); err != nil {
				return fmt.Errorf("parse rule: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateRule(ctx, rule)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rule definition JSON file")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var processID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if processID == "" {
				return fmt.Errorf("--process required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListRules(ctx, processID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Stage", "Active"})
				for _, r := range items {
					stage := ""
					if r.TriggerStageID != nil {
						stage = *r.TriggerStageID
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.TriggerEvent, stage, r.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&processID, "process", "", "process id")
	return cmd
}

func ruleSetActiveCmd(use string, active bool) *cobra.Command {
	short := "Enable a rule"
	if !active {
		short = "Disable a rule"
	}
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.SetRuleActive(ctx, args[0], active)
			})
		},
	}
}

func grantCmd() *cobra.Command {
	gr := &cobra.Command{Use: "grant", Short: "Manage permissions"}
	gr.AddCommand(grantAddCmd())
	gr.AddCommand(grantRevokeCmd())
	gr.AddCommand(grantRoleCmd())
	gr.AddCommand(grantCheckCmd())
	gr.AddCommand(grantAdminCmd())
	return gr
}

func grantAddCmd() *cobra.Command {
	var userID, permSpec, processID, stageID, expires string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Issue a direct grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || permSpec == "" {
				return fmt.Errorf("--user and --perm required")
			}
			resource, action, ok := splitPerm(permSpec)
			if !ok {
				return fmt.Errorf("--perm must be resource.action")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g := domain.DirectGrant{UserID: userID, Resource: resource, Action: action}
				if processID != "" {
					g.ProcessID = &processID
				}
				if stageID != "" {
					g.StageID = &stageID
				}
				if expires != "" {
					if _, err := time.Parse(time.RFC3339, expires); err != nil {
						return fmt.Errorf("--expires: %w", err)
					}
					g.ExpiresAt = &expires
				}
				created, err := a.Engine.GrantDirect(ctx, g)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&permSpec, "perm", "", "permission as resource.action")
	cmd.Flags().StringVar(&processID, "process", "", "limit grant to a process")
	cmd.Flags().StringVar(&stageID, "stage", "", "limit grant to a stage")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry, RFC3339")
	return cmd
}

func grantRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Revoke a direct grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeDirect(ctx, args[0])
			})
		},
	}
}

func grantRoleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage role membership"}
	role.AddCommand(&cobra.Command{
		Use:   "assign <user-id> <role-id>",
		Short: "Assign a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.AssignRole(ctx, args[0], args[1])
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "revoke <user-id> <role-id>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeRole(ctx, args[0], args[1])
			})
		},
	})
	return role
}

func grantCheckCmd() *cobra.Command {
	var userID, permSpec, processID, stageID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve a permission for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if permSpec == "" {
				return fmt.Errorf("--perm required")
			}
			resource, action, ok := splitPerm(permSpec)
			if !ok {
				return fmt.Errorf("--perm must be resource.action")
			}
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.CheckPermission(ctx, userID, perm.Query{
					Resource:  resource,
					Action:    action,
					ProcessID: processID,
					StageID:   stageID,
				})
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	cmd.Flags().StringVar(&permSpec, "perm", "", "permission as resource.action")
	cmd.Flags().StringVar(&processID, "process", "", "process scope")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage scope")
	return cmd
}

func grantAdminCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "admin <user-id>",
		Short: "Grant or revoke the admin flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.SetAdmin(ctx, args[0], !revoke)
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "remove the admin flag")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plaintext, err := a.Engine.CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "user_id": key.UserID, "key": plaintext})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listUser == "" {
				listUser = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, listUser)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "user id (defaults to --actor-id)")
	ak.AddCommand(list)

	ak.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyUser bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and automation dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:             os.Getenv("FLOWBOARD_JWT_SECRET"),
					AllowLegacyUserHeader: allowLegacyUser,
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = a.Config.Server.JWTSecret
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("FLOWBOARD_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8484"
				}

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go a.Automation.Run(runCtx, a.Config.SweepInterval())

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Flowboard API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (config default when empty)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyUser, "allow-legacy-user-header", false, "accept the unauthenticated X-User-Id header (local development only)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parsePermissions(specs []string) ([]domain.Permission, error) {
	var perms []domain.Permission
	for _, spec := range specs {
		resource, action, ok := splitPerm(spec)
		if !ok {
			return nil, fmt.Errorf("permission %q must be resource.action", spec)
		}
		perms = append(perms, domain.Permission{Resource: resource, Action: action})
	}
	return perms, nil
}

func parseKeyValues(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		k, v, ok := strings.Cut(spec, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("field %q must be field_id=value", spec)
		}
		out[k] = v
	}
	return out, nil
}

func splitPerm(p string) (resource, action string, ok bool) {
	i := strings.LastIndex(p, ".")
	if i <= 0 || i == len(p)-1 {
		return "", "", false
	}
	return p[:i], p[i+1:], true
}
