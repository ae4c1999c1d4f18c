package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/deploy"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/ui"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a service description template",
	Long: `Write a commented service description template to the --config path.

An existing file is never overwritten.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(configPath); err != nil {
			return err
		}
		fmt.Printf("✓ Created %s\n", configPath)
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Prepare hosts for the service",
	Long: `Install packages, create the service user, storage datasets and
directories, write the environment file, configure Caddy and install the
boot script on every host. Setup is safe to run again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		plan, err := setupPlan(cfg)
		if err != nil {
			return err
		}

		console := ui.NewConsole(os.Stdout)
		p := provision.NewProvisioner(newExecutor(cfg))
		var errs []error
		for _, host := range cfg.Hosts {
			if err := cmd.Context().Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := p.Setup(cmd.Context(), host, plan, console.ForHost(host)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", host, err))
			}
		}
		return errors.Join(errs...)
	},
}

// setupPlan resolves what setup installs from the service description
func setupPlan(cfg *config.Config) (provision.Plan, error) {
	env, err := cfg.RenderEnv(os.LookupEnv)
	if err != nil {
		return provision.Plan{}, err
	}
	cert, err := cfg.Certificate(os.LookupEnv)
	if err != nil {
		return provision.Plan{}, err
	}
	plan := provision.Plan{
		Service:         cfg.Service,
		User:            cfg.User,
		Packages:        cfg.Packages,
		DataDirectories: cfg.Bindings(),
		Env:             env,
		Certificate:     cert,
	}
	if cfg.Proxy != nil {
		route := cfg.Proxy.Route("")
		plan.Proxy = &route
		plan.Port = cfg.Proxy.Port
	}
	return plan, nil
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the application in the current directory",
	Long: `Deploy the application to every host in a new jail.

The current directory is synced into the jail, minus .git, node_modules,
tmp, log and any data directory inside the application. Declared secrets
are read from your environment and the deploy stops before touching any
host when one is missing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")

		history := openHistory()
		if history != nil {
			defer history.Close()
		}

		broker, flush := startEvents()
		defer flush()

		console := ui.NewConsole(os.Stdout)
		d := deploy.NewDeployer(deploy.Options{
			Config:    cfg,
			Executor:  newExecutor(cfg),
			SourceDir: source,
			History:   history,
			Reporter:  reporterFor(console),
			Events:    broker,
		})
		return d.Deploy(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the jails of the service on every host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("history")

		history := openHistory()
		if history != nil {
			defer history.Close()
		}

		d := deploy.NewDeployer(deploy.Options{Config: cfg, Executor: newExecutor(cfg)})
		var errs []error
		for _, st := range d.Status(cmd.Context()) {
			if st.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", st.Host, st.Err))
			}
			printStatus(st, latestDeploy(history, st))
		}

		if limit > 0 {
			if err := printHistory(history, cfg.Service, limit); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	},
}

// latestDeploy returns the last recorded deploy of the service on the
// status's host, nil when there is none
func latestDeploy(store storage.Store, st *deploy.DeploymentStatus) *types.DeployRecord {
	if store == nil {
		return nil
	}
	record, err := store.LatestDeploy(st.Service, st.Host)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Logger.Warn().Err(err).Str("host", st.Host).Msg("failed to read deploy history")
		}
		return nil
	}
	return record
}

func printStatus(st *deploy.DeploymentStatus, last *types.DeployRecord) {
	fmt.Printf("%s\n", st.Host)
	if last != nil {
		fmt.Printf("  last deploy: %s %s (%s)\n", last.Status, valueOr(last.Jail, "-"), last.StartedAt.Local().Format(time.DateTime))
	}
	if st.Err != nil {
		fmt.Printf("  error: %v\n\n", st.Err)
		return
	}
	if st.Backend != "" {
		fmt.Printf("  proxy:  %s\n", st.Backend)
	}
	if st.Active != "" {
		fmt.Printf("  active: %s\n", st.Active)
	}
	if len(st.Jails) == 0 {
		fmt.Printf("  no jails\n\n")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tCREATED\tIP\tSTATE")
	for _, j := range st.Jails {
		state := "stopped"
		switch {
		case j.Serving:
			state = "serving"
		case j.Running:
			state = "running"
		}
		ip := j.IP
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", j.Name, j.Created.Format(time.DateTime), ip, state)
	}
	w.Flush()
	fmt.Println()
}

func printHistory(store storage.Store, service string, limit int) error {
	if store == nil {
		return fmt.Errorf("deploy history unavailable at %s", historyDB)
	}

	records, err := store.ListDeploys(service, limit)
	if err != nil {
		return fmt.Errorf("failed to read deploy history: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No deploys recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tHOST\tJAIL\tSTATUS\tDURATION\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID[:8],
			r.StartedAt.Local().Format(time.DateTime),
			r.Host,
			valueOr(r.Jail, "-"),
			r.Status,
			r.Duration().Round(time.Second),
			firstLine(r.Error),
		)
	}
	return w.Flush()
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Remove every jail of the service from every host",
	Long: `Destroy all jails of the service, its active link and its Caddy site on
every host. Data directories, the environment file and cached images are
kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm(fmt.Sprintf("Destroy %s on %s?", cfg.Service, strings.Join(cfg.Hosts, ", "))) {
			return errors.New("aborted")
		}

		broker, flush := startEvents()
		defer flush()

		console := ui.NewConsole(os.Stdout)
		d := deploy.NewDeployer(deploy.Options{
			Config:   cfg,
			Executor: newExecutor(cfg),
			Reporter: reporterFor(console),
			Events:   broker,
		})
		return d.Destroy(cmd.Context())
	},
}

func init() {
	deployCmd.Flags().String("source", ".", "Application directory to deploy")
	statusCmd.Flags().Int("history", 0, "Also show the last N recorded deploys")
	destroyCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
