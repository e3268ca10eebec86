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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/server"
	"reviewline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "rvl",
	Short: "Reviewline CLI",
	Long: `Reviewline runs the grant proposal review workflow.
Proposals move draft -> ai_evaluation_pending -> cmpdi_review -> [cmpdi_expert_review]
-> cmpdi_accepted -> tssrc_review -> tssrc_accepted -> ssrc_review -> ssrc_accepted,
with a terminal rejection branch at every screening stage. Every status change is an
optimistic-lock write plus an immutable timeline entry; 'rvl proposal track' shows the
derived milestone progress.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(expertCmd())
	rootCmd.AddCommand(clarifyCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// withEngine opens the workspace database, migrates it, and hands the
// workflow engine to fn.
func withEngine(ctx context.Context, fn func(context.Context, *workflow.Engine, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, workflow.New(conn, cfg), cfg)
}

// cliActor resolves the acting identity: the --actor-id flag plus any roles
// granted in the local database plus the --as-role overrides.
func cliActor(ctx context.Context, e *workflow.Engine, extraRoles []string) workflow.Actor {
	actorID := viper.GetString("actor-id")
	roles, err := e.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		roles = nil
	}
	have := make(map[string]bool, len(roles))
	for _, r := range roles {
		have[r] = true
	}
	for _, r := range extraRoles {
		if r != "" && !have[r] {
			roles = append(roles, r)
			have[r] = true
		}
	}
	return workflow.Actor{ID: actorID, Roles: roles}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var portalID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reviewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(portalID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&portalID, "portal", "local-portal", "portal id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Manage proposals"}
	cmd.AddCommand(proposalCreateCmd())
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalShowCmd())
	cmd.AddCommand(proposalTrackCmd())
	cmd.AddCommand(proposalSubmitCmd())
	cmd.AddCommand(proposalTransitionCmd())
	cmd.AddCommand(proposalAIVerdictCmd())
	return cmd
}

func proposalCreateCmd() *cobra.Command {
	var title, resubmissionOf string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				actor := cliActor(ctx, e, []string{workflow.RoleInvestigator})
				p, err := e.CreateProposal(ctx, workflow.CreateProposalOptions{
					Title:          title,
					InvestigatorID: actor.ID,
					ResubmissionOf: resubmissionOf,
					Actor:          actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "proposal title")
	cmd.Flags().StringVar(&resubmissionOf, "resubmission-of", "", "rejected proposal this one supersedes")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				items, err := e.Repo.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Investigator"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.Version, p.InvestigatorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.InvestigatorID, "investigator", "", "investigator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				view, err := e.GetProposalView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func proposalTrackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track <proposal-id>",
		Short: "Show milestone progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				view, err := e.GetProposalView(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view.Milestones)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Completed"})
				for _, s := range view.Milestones.Stages {
					tw.AppendRow(table.Row{s.Name, s.Completed})
				}
				tw.Render()
				fmt.Printf("%d of %d milestones completed (status: %s)\n",
					view.Milestones.Completed, view.Milestones.Total, view.Proposal.Status)
				return nil
			})
		},
	}
	return cmd
}

func proposalSubmitCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "submit <proposal-id>",
		Short: "Submit a draft for AI pre-screening",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				actor := cliActor(ctx, e, []string{workflow.RoleInvestigator})
				p, err := e.ApplyTransition(ctx, workflow.TransitionOptions{
					ProposalID:      args[0],
					Actor:           actor,
					Kind:            workflow.KindAdvance,
					ExpectedVersion: version,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", workflow.CurrentVersion, "expected proposal version")
	return cmd
}

func proposalTransitionCmd() *cobra.Command {
	var kind, target, note string
	var version int64
	var roles []string
	cmd := &cobra.Command{
		Use:   "transition <proposal-id>",
		Short: "Advance or reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				var parsedTarget workflow.Status
				if target != "" {
					s, err := workflow.ParseStatus(target)
					if err != nil {
						return err
					}
					parsedTarget = s
				}
				p, err := e.ApplyTransition(ctx, workflow.TransitionOptions{
					ProposalID:      args[0],
					Actor:           cliActor(ctx, e, roles),
					Kind:            workflow.Kind(kind),
					Target:          parsedTarget,
					ExpectedVersion: version,
					Note:            note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "advance", "transition kind (advance, reject)")
	cmd.Flags().StringVar(&target, "target", "", "explicit target status")
	cmd.Flags().StringVar(&note, "note", "", "timeline note")
	cmd.Flags().Int64Var(&version, "version", workflow.CurrentVersion, "expected proposal version")
	cmd.Flags().StringSliceVar(&roles, "as-role", nil, "act with additional roles")
	return cmd
}

func proposalAIVerdictCmd() *cobra.Command {
	var passed bool
	var notes string
	cmd := &cobra.Command{
		Use:   "ai-verdict <proposal-id>",
		Short: "Record the external screener's verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				p, err := e.RecordAIVerdict(ctx, args[0], domain.AIVerdict{Passed: passed, Notes: notes})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&passed, "passed", false, "screening passed")
	cmd.Flags().StringVar(&notes, "notes", "", "screener notes")
	return cmd
}

func expertCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "expert", Short: "Manage the expert panel"}
	cmd.AddCommand(expertAssignCmd())
	cmd.AddCommand(expertListCmd())
	cmd.AddCommand(expertStartCmd())
	cmd.AddCommand(expertReportCmd())
	cmd.AddCommand(expertReassignCmd())
	cmd.AddCommand(expertSkipCmd())
	return cmd
}

func expertAssignCmd() *cobra.Command {
	var reviewer string
	var roles []string
	cmd := &cobra.Command{
		Use:   "assign <proposal-id>",
		Short: "Assign an expert reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				a, err := e.AssignExpert(ctx, args[0], cliActor(ctx, e, roles), reviewer)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer actor id")
	cmd.Flags().StringSliceVar(&roles, "as-role", nil, "act with additional roles")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func expertListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <proposal-id>",
		Short: "List expert assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				items, err := e.Repo.ListAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reviewer", "Status", "Report", "Assigned"})
				for _, a := range items {
					report := ""
					if a.ReportRef != nil {
						report = *a.ReportRef
					}
					tw.AppendRow(table.Row{a.ReviewerID, a.Status, report, a.AssignedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func expertStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <proposal-id>",
		Short: "Start own expert review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				return e.StartExpertReview(ctx, args[0], cliActor(ctx, e, nil))
			})
		},
	}
	return cmd
}

func expertReportCmd() *cobra.Command {
	var reportRef string
	cmd := &cobra.Command{
		Use:   "report <proposal-id>",
		Short: "Record own expert report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				return e.RecordExpertReport(ctx, args[0], cliActor(ctx, e, nil), reportRef)
			})
		},
	}
	cmd.Flags().StringVar(&reportRef, "ref", "", "report reference")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func expertReassignCmd() *cobra.Command {
	var from, to string
	var roles []string
	cmd := &cobra.Command{
		Use:   "reassign <proposal-id>",
		Short: "Replace an expert reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				a, err := e.ReassignExpert(ctx, args[0], cliActor(ctx, e, roles), from, to)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "reviewer to withdraw")
	cmd.Flags().StringVar(&to, "to", "", "replacement reviewer")
	cmd.Flags().StringSliceVar(&roles, "as-role", nil, "act with additional roles")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func expertSkipCmd() *cobra.Command {
	var version int64
	var roles []string
	cmd := &cobra.Command{
		Use:   "skip <proposal-id>",
		Short: "Skip the expert stage (irreversible)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				p, err := e.SkipExpertStage(ctx, args[0], cliActor(ctx, e, roles), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", workflow.CurrentVersion, "expected proposal version")
	cmd.Flags().StringSliceVar(&roles, "as-role", nil, "act with additional roles")
	return cmd
}

func clarifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "clarify", Short: "Clarification rounds"}
	cmd.AddCommand(clarifyRequestCmd())
	cmd.AddCommand(clarifyRespondCmd())
	cmd.AddCommand(clarifyListCmd())
	return cmd
}

func clarifyRequestCmd() *cobra.Command {
	var question string
	var roles []string
	cmd := &cobra.Command{
		Use:   "request <proposal-id>",
		Short: "Open a clarification round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				c, err := e.RequestClarification(ctx, args[0], cliActor(ctx, e, roles), question)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&question, "question", "", "question for the investigator")
	cmd.Flags().StringSliceVar(&roles, "as-role", nil, "act with additional roles")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func clarifyRespondCmd() *cobra.Command {
	var response string
	cmd := &cobra.Command{
		Use:   "respond <proposal-id>",
		Short: "Answer the open clarification round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				actor := cliActor(ctx, e, []string{workflow.RoleInvestigator})
				c, err := e.RespondClarification(ctx, args[0], actor, response)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "answer text")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func clarifyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <proposal-id>",
		Short: "List clarification rounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				items, err := e.Repo.ListClarifications(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage role grants"}
	cmd.AddCommand(roleGrantCmd())
	cmd.AddCommand(roleRevokeCmd())
	cmd.AddCommand(roleListCmd())
	return cmd
}

func roleGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				return e.Repo.GrantRole(ctx, actor, role)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (investigator, cmpdi, tssrc, ssrc, expert, admin)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				return e.Repo.RevokeRole(ctx, actor, role)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				grants, err := e.Repo.ListRoleGrants(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Granted"})
				for _, g := range grants {
					tw.AppendRow(table.Row{g.ActorID, g.Role, g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{
					"id":      key.ID,
					"actor":   key.ActorID,
					"api_key": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, _ *config.Config) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := cfg.Auth.JWTSecret
			if env := os.Getenv("REVIEWLINE_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("no JWT secret configured; set auth.jwt_secret or REVIEWLINE_JWT_SECRET")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			for _, r := range roles {
				if r == workflow.RoleSystem {
					return fmt.Errorf("the system role cannot be minted into tokens")
				}
			}
			now := time.Now()
			claims := jwt.MapClaims{
				"sub":   subject,
				"iat":   now.Unix(),
				"exp":   now.Add(ttl).Unix(),
				"roles": roles,
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := workflow.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("REVIEWLINE_JWT_SECRET")}
			if cfg != nil {
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = cfg.Auth.JWTSecret
				}
				authCfg.AllowLegacyActorHeader = cfg.Auth.AllowLegacyActorHeader
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("a JWT secret is required for bearer auth; set auth.jwt_secret or REVIEWLINE_JWT_SECRET")
			}
			handler, err := server.New(server.Config{Engine: e, Portal: cfg, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			fmt.Printf("Workspace database: %s\n", db.Path(workspace))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
