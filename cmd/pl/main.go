package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/genai"
	"phaseline/internal/github"
	"phaseline/internal/jira"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline walks software projects through a fixed delivery workflow.
Core concepts:
- Workspace: your .phaseline directory holding only the database; configs are stored in the DB and imported explicitly.
- Project: one delivery effort with a fixed catalog of phases (Requirements through Deployment by default).
- Phases: each goes draft -> in_progress -> pending_approval -> approved (or rejected); editing an approved phase demotes it back to in_progress.
- Artifacts: the documents a phase holds (PRD, epics, architecture, ...). Tracked artifacts keep an immutable, numbered version history.
- Approvals: submitting a phase records a ledger entry with a version snapshot; the approval commands work across every project in the workspace.
- Generation: 'pl artifact generate' asks the configured AI service for content, feeding it the upstream artifacts as context.
- Event log: diary of changes, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (optional when the workspace has one project)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(stakeholderCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(jiraCmd())
	rootCmd.AddCommand(githubCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phase", "Completed", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, fmt.Sprintf("%d/%d", p.CurrentPhase, p.TotalPhases), p.CompletedPhases, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc, configFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withConn(func(conn *engine.Engine) error {
				opts := engine.CreateProjectOptions{
					ID:          id,
					Name:        name,
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
				}
				if configFile != "" {
					cfg, err := config.FromFile(configFile)
					if err != nil {
						return err
					}
					opts.Config = cfg
				}
				p, err := conn.CreateProject(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&configFile, "config", "", "phase catalog YAML (default catalog if omitted)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project and its phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				phases, err := e.ListPhases(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "phases": phases})
				}
				fmt.Printf("Project: %s (%s)\n", p.Name, p.ID)
				if p.Description != "" {
					fmt.Printf("Description: %s\n", p.Description)
				}
				fmt.Printf("Progress: phase %d of %d, %d approved\n", p.CurrentPhase, p.TotalPhases, p.CompletedPhases)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Phase", "Status", "Confidence", "Updated"})
				for _, ph := range phases {
					confidence := ""
					if ph.AIConfidenceScore != nil {
						confidence = fmt.Sprintf("%d", *ph.AIConfidenceScore)
					}
					tw.AppendRow(table.Row{ph.PhaseNumber, ph.PhaseName, ph.Status, confidence, ph.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				return e.DeleteProject(ctx, projectID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PHASELINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set PHASELINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import phase catalog YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases are the workflow steps of a project. Each holds a document of artifacts and moves draft -> in_progress -> pending_approval -> approved/rejected. Submitting requires the phase's catalog prerequisites.",
	}
	phase.AddCommand(phaseListCmd())
	phase.AddCommand(phaseShowCmd())
	phase.AddCommand(phaseSubmitCmd())
	phase.AddCommand(phaseApproveCmd())
	phase.AddCommand(phaseRejectCmd())
	return phase
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List project phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				phases, err := e.ListPhases(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Phase", "Status", "ID"})
				for _, ph := range phases {
					tw.AppendRow(table.Row{ph.PhaseNumber, ph.PhaseName, ph.Status, ph.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <number>",
		Short: "Show a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	return cmd
}

func phaseSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <number>",
		Short: "Submit a phase for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, args[0])
				if err != nil {
					return err
				}
				ph, entry, err := e.SubmitForApproval(ctx, ph.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"phase": ph, "approval": entry})
			})
		},
	}
	return cmd
}

func phaseApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <number>",
		Short: "Approve a pending phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, args[0])
				if err != nil {
					return err
				}
				ph, err = e.Approve(ctx, ph.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	return cmd
}

func phaseRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <number>",
		Short: "Reject a pending phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, args[0])
				if err != nil {
					return err
				}
				ph, err = e.Reject(ctx, ph.ID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the phase is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func artifactCmd() *cobra.Command {
	artifact := &cobra.Command{
		Use:   "artifact",
		Short: "Manage phase artifacts",
		Long:  "Artifacts are the documents of a phase. 'set' replaces the current value, 'append' records a tracked version, 'generate' asks the AI service for content. History and export read the immutable version log.",
	}
	artifact.AddCommand(artifactSetCmd())
	artifact.AddCommand(artifactGetCmd())
	artifact.AddCommand(artifactAppendCmd())
	artifact.AddCommand(artifactHistoryCmd())
	artifact.AddCommand(artifactExportCmd())
	artifact.AddCommand(artifactGenerateCmd())
	return artifact
}

func artifactSetCmd() *cobra.Command {
	var phase, value, file string
	cmd := &cobra.Command{
		Use:   "set <type>",
		Short: "Set current artifact value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := valueOrFile(value, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				ph, err = e.SetCurrent(ctx, ph.ID, args[0], content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	cmd.Flags().StringVar(&value, "value", "", "artifact value (JSON, or plain text)")
	cmd.Flags().StringVar(&file, "file", "", "read value from file")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func artifactGetCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "get <type>",
		Short: "Get current artifact value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				value, err := e.GetCurrent(ctx, ph.ID, args[0])
				if err != nil {
					return err
				}
				fmt.Println(string(value))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func artifactAppendCmd() *cobra.Command {
	var phase, value, file, changeType, summary string
	cmd := &cobra.Command{
		Use:   "append <type>",
		Short: "Append a tracked artifact version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := valueOrFile(value, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				entry, _, err := e.AppendVersion(ctx, engine.AppendVersionOptions{
					PhaseID:      ph.ID,
					ArtifactType: args[0],
					Content:      content,
					ChangeType:   changeType,
					Summary:      summary,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	cmd.Flags().StringVar(&value, "value", "", "artifact content (JSON, or plain text)")
	cmd.Flags().StringVar(&file, "file", "", "read content from file")
	cmd.Flags().StringVar(&changeType, "change-type", "edit", "change type (create, edit, manual, upload)")
	cmd.Flags().StringVar(&summary, "summary", "", "what changed")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func artifactHistoryCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "history <type>",
		Short: "Show artifact version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				entries, err := e.ListVersions(ctx, ph.ID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Edited", "By", "Change", "Summary"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Version, entry.EditedAt, entry.EditedBy, entry.ChangeType, entry.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func artifactExportCmd() *cobra.Command {
	var phase string
	var version int
	cmd := &cobra.Command{
		Use:   "export <type>",
		Short: "Export artifact content (current or a specific version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				content, err := e.ExportVersion(ctx, ph.ID, args[0], version)
				if err != nil {
					return err
				}
				fmt.Println(content)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	cmd.Flags().IntVar(&version, "version", 0, "version number (0 = current)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func artifactGenerateCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "generate <type>",
		Short: "Generate artifact content via the AI service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				ph, err = e.Generate(ctx, ph.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func stakeholderCmd() *cobra.Command {
	st := &cobra.Command{Use: "stakeholder", Short: "Manage phase stakeholders"}
	st.AddCommand(stakeholderAddCmd())
	st.AddCommand(stakeholderListCmd())
	st.AddCommand(stakeholderRemoveCmd())
	return st
}

func stakeholderAddCmd() *cobra.Command {
	var phase, role, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a stakeholder to a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				s, err := e.AddStakeholder(ctx, ph.ID, role, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	cmd.Flags().StringVar(&role, "role", "", "stakeholder role")
	cmd.Flags().StringVar(&name, "name", "", "stakeholder name")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stakeholderListCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phase stakeholders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				items, err := e.ListStakeholders(ctx, ph.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func stakeholderRemoveCmd() *cobra.Command {
	var phase string
	var position int
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a stakeholder from a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				ph, err := resolvePhase(ctx, e, projectID, phase)
				if err != nil {
					return err
				}
				return e.RemoveStakeholder(ctx, ph.ID, position, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase number or id")
	cmd.Flags().IntVar(&position, "position", 0, "stakeholder position")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func approvalsCmd() *cobra.Command {
	ap := &cobra.Command{
		Use:   "approvals",
		Short: "Cross-project approval center",
	}
	ap.AddCommand(approvalsPendingCmd())
	ap.AddCommand(approvalsHistoryCmd())
	return ap
}

func approvalsPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending submissions across all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(e *engine.Engine) error {
				items, err := e.ListPendingApprovals(cmd.Context())
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
	return cmd
}

func approvalsHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List resolved submissions across all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(e *engine.Engine) error {
				items, err := e.ListApprovalHistory(cmd.Context())
				if err != nil {
					return err
				}
				return printApprovals(items)
			})
		},
	}
	return cmd
}

func jiraCmd() *cobra.Command {
	j := &cobra.Command{Use: "jira", Short: "Jira integration"}
	j.AddCommand(jiraStatsCmd())
	j.AddCommand(jiraProjectsCmd())
	j.AddCommand(jiraExportCmd())
	return j
}

func jiraFlags(cmd *cobra.Command, creds *jira.Credentials) {
	cmd.Flags().StringVar(&creds.URL, "url", "", "Jira site URL")
	cmd.Flags().StringVar(&creds.Email, "email", "", "Jira account email")
	cmd.Flags().StringVar(&creds.APIToken, "token", "", "Jira API token")
	cmd.Flags().StringVar(&creds.ProjectKey, "key", "", "Jira project key")
}

func jiraStatsCmd() *cobra.Command {
	var creds jira.Credentials
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show Jira project statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := jira.NewClient().GetStats(cmd.Context(), creds)
			if err != nil {
				return err
			}
			return printJSONOrTable(stats)
		},
	}
	jiraFlags(cmd, &creds)
	return cmd
}

func jiraProjectsCmd() *cobra.Command {
	var creds jira.Credentials
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List Jira projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := jira.NewClient().ListProjects(cmd.Context(), creds)
			if err != nil {
				return err
			}
			return printJSONOrTable(projects)
		},
	}
	jiraFlags(cmd, &creds)
	return cmd
}

func jiraExportCmd() *cobra.Command {
	var creds jira.Credentials
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export issues to Jira from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var issues []jira.Issue
			if err := json.Unmarshal(data, &issues); err != nil {
				return fmt.Errorf("parse issues: %w", err)
			}
			res, err := jira.NewClient().ExportIssues(cmd.Context(), creds, issues)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	jiraFlags(cmd, &creds)
	cmd.Flags().StringVar(&file, "file", "", "JSON file of issues")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func githubCmd() *cobra.Command {
	gh := &cobra.Command{Use: "github", Short: "GitHub integration"}
	gh.AddCommand(githubReposCmd())
	gh.AddCommand(githubBranchesCmd())
	gh.AddCommand(githubCommitCmd())
	return gh
}

func githubToken() (string, error) {
	token := viper.GetString("github-token")
	if token == "" {
		token = os.Getenv("PHASELINE_GITHUB_TOKEN")
	}
	if token == "" {
		return "", fmt.Errorf("github token required; set PHASELINE_GITHUB_TOKEN")
	}
	return token, nil
}

func githubReposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := githubToken()
			if err != nil {
				return err
			}
			repos, err := github.NewClient(token).ListRepositories(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(repos)
		},
	}
	return cmd
}

func githubBranchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches <owner/repo>",
		Short: "List branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := githubToken()
			if err != nil {
				return err
			}
			branches, err := github.NewClient(token).ListBranches(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(branches)
		},
	}
	return cmd
}

func githubCommitCmd() *cobra.Command {
	var repoName, branch, path, message, file string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit a file to a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := githubToken()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			res, err := github.NewClient(token).Commit(cmd.Context(), github.CommitRequest{
				Repo:    repoName,
				Branch:  branch,
				Path:    path,
				Message: message,
				Content: string(data),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().StringVar(&repoName, "repo", "", "owner/repo")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name")
	cmd.Flags().StringVar(&path, "path", "", "file path in the repository")
	cmd.Flags().StringVar(&message, "message", "", "commit message")
	cmd.Flags().StringVar(&file, "file", "", "local file to commit")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("message")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(e *engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				stop, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				go func() {
					<-stop.Done()
					ctx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = srv.Shutdown(ctx)
				}()
				fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// withConn opens the workspace DB and hands over an engine without resolving
// an active project. Used by commands that span projects or create them.
func withConn(fn func(*engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil)
	e.Generator = generatorFromEnv()
	return fn(e)
}

// withEngine resolves the active project before running the command.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Generator = generatorFromEnv()
	return fn(ctx, e, projectID)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func generatorFromEnv() genai.Generator {
	url := os.Getenv("PHASELINE_GENAI_URL")
	if url == "" {
		return nil
	}
	return genai.NewClient(url, os.Getenv("PHASELINE_GENAI_TOKEN"))
}

// resolvePhase accepts a phase number or a phase id.
func resolvePhase(ctx context.Context, e *engine.Engine, projectID, ref string) (domain.Phase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Phase{}, fmt.Errorf("--phase required")
	}
	var number int
	if _, err := fmt.Sscanf(ref, "%d", &number); err == nil && fmt.Sprintf("%d", number) == ref {
		return e.GetPhaseByNumber(ctx, projectID, number)
	}
	return e.GetPhase(ctx, ref)
}

func valueOrFile(value, file string) (json.RawMessage, error) {
	raw := value
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	if raw == "" {
		return nil, fmt.Errorf("--value or --file required")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}
	quoted, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(quoted), nil
}

func printApprovals(items []domain.PhaseApproval) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Project", "#", "Phase", "Status", "Submitted"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ProjectName, a.PhaseNumber, a.PhaseName, a.Status, a.SubmittedDate})
	}
	tw.Render()
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
