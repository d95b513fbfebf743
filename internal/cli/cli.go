// ============================================================================
// Meeseeks CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra command tree for the meeseeks binary
//
// Command Structure:
//   meeseeks
//   ├── run                # start a box from config files
//   ├── submit             # submit a job (args after --)
//   ├── query              # show jobs matching filters
//   ├── kill               # kill jobs by id or filter
//   ├── ls                 # list job ids
//   ├── nodes              # cluster node status
//   ├── pools              # cluster pool status
//   └── watch              # run the directory watcher
//
// Client commands take --address/--port and key=value filters; run and
// watch read YAML or JSON config files.
//
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meeseeks-io/meeseeks/internal/box"
	"github.com/meeseeks-io/meeseeks/internal/client"
	"github.com/meeseeks-io/meeseeks/internal/config"
	"github.com/meeseeks-io/meeseeks/internal/metrics"
	"github.com/meeseeks-io/meeseeks/internal/watch"
	"github.com/meeseeks-io/meeseeks/pkg/types"
)

var (
	address string
	port    int
	timeout int
)

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meeseeks",
		Short: "Meeseeks: a distributed job execution cluster",
		Long: `Meeseeks runs jobs across a mesh of peer boxes:
- submit to any box, run where a pool has capacity
- gossip-based state sync, no coordinator
- per-pool slots, runtime caps, retries and restarts`,
	}

	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "localhost", "box address")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", types.DefaultPort, "box port")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 10, "request timeout seconds")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildQueryCommand())
	rootCmd.AddCommand(buildKillCommand())
	rootCmd.AddCommand(buildLsCommand())
	rootCmd.AddCommand(buildNodesCommand())
	rootCmd.AddCommand(buildPoolsCommand())
	rootCmd.AddCommand(buildWatchCommand())

	return rootCmd
}

func newClient() *client.Client {
	return client.New(client.Config{Address: address, Port: port, Timeout: timeout})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// loadConfig merges config files and key=value overrides into one tree.
func loadConfig(files, overrides []string) (*config.Config, error) {
	cfg := config.New()
	for _, f := range files {
		if err := cfg.LoadFile(f); err != nil {
			return nil, err
		}
	}
	cfg.Update(config.ParseKV(overrides))
	return cfg, nil
}

func buildRunCommand() *cobra.Command {
	var configFiles []string
	cmd := &cobra.Command{
		Use:   "run [key=value ...]",
		Short: "Start a meeseeks box",
		Long:  "Start a box from config files, with key=value overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFiles, args)
			if err != nil {
				return err
			}
			b, err := box.New(cfg, metrics.NewCollector())
			if err != nil {
				return err
			}
			if err := b.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
			b.Stop()
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&configFiles, "config", "c", nil, "config file(s)")
	return cmd
}

func buildSubmitCommand() *cobra.Command {
	var (
		id       string
		poolName string
		node     string
		stdin    string
		stdout   string
		stderr   string
		tags     []string
		envs     []string
		restart  bool
		resubmit bool
		hold     bool
		retries  int
		runtime  float64
		uid      string
		gid      string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "submit --pool <pool> -- <command> [args...]",
		Short: "Submit a job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := types.JobSpec{
				ID:     id,
				Pool:   poolName,
				Args:   args,
				Stdin:  stdin,
				Stdout: stdout,
				Stderr: stderr,
				Tags:   types.TagList(tags),
				UID:    types.UserID(uid),
				GID:    types.UserID(gid),
			}
			if node != "" {
				spec.Node = types.NodeSpec{node}
			}
			if len(envs) > 0 {
				spec.Env = map[string]string{}
				for _, kv := range envs {
					k, v, _ := cutKV(kv)
					spec.Env[k] = v
				}
			}
			if restart {
				spec.Restart = &restart
			}
			if resubmit {
				spec.Resubmit = &resubmit
			}
			if hold {
				spec.Hold = &hold
			}
			if retries > 0 {
				spec.Retries = &retries
			}
			if runtime > 0 {
				spec.Runtime = &runtime
			}

			c := newClient()
			defer c.Close()
			if !wait {
				r, err := c.Submit(&spec)
				if err != nil {
					return err
				}
				return printJSON(r)
			}
			h := c.NewJob(spec)
			if _, err := h.Start(); err != nil {
				return err
			}
			for h.Alive() {
				// the handle refreshes on each Alive call
				sleep()
			}
			return printJSON(h.InfoAll())
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (generated if empty)")
	cmd.Flags().StringVar(&poolName, "pool", "", "target pool (required)")
	cmd.Flags().StringVar(&node, "node", "", "target node, list, or glob")
	cmd.Flags().StringVar(&stdin, "stdin", "", "redirect stdin from file")
	cmd.Flags().StringVar(&stdout, "stdout", "", "redirect stdout to file")
	cmd.Flags().StringVar(&stderr, "stderr", "", "redirect stderr to file")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "job tags")
	cmd.Flags().StringSliceVar(&envs, "env", nil, "environment key=value")
	cmd.Flags().BoolVar(&restart, "restart", false, "restart when done")
	cmd.Flags().BoolVar(&resubmit, "resubmit", false, "resubmit via the submit node")
	cmd.Flags().BoolVar(&hold, "hold", false, "submit on hold")
	cmd.Flags().IntVar(&retries, "retries", 0, "retries on failure")
	cmd.Flags().Float64Var(&runtime, "runtime", 0, "max runtime seconds")
	cmd.Flags().StringVar(&uid, "uid", "", "run as user")
	cmd.Flags().StringVar(&gid, "gid", "", "run as group")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.MarkFlagRequired("pool")
	return cmd
}

func buildQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query [id | key=value ...]",
		Short: "Show jobs matching filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			if len(args) == 1 {
				if _, _, isKV := cutKV(args[0]); !isKV {
					j, err := c.Job(args[0])
					if err != nil {
						return err
					}
					return printJSON(j)
				}
			}
			jobs, err := c.Query(argsToQuery(args))
			if err != nil {
				return err
			}
			return printJSON(jobs)
		},
	}
}

func buildKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id ... | key=value ...>",
		Short: "Kill jobs by id or filter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			var arg any
			if _, _, isKV := cutKV(args[0]); isKV {
				arg = argsToQuery(args)
			} else {
				arg = args
			}
			r, err := c.Kill(arg)
			if err != nil {
				return err
			}
			return printJSON(r)
		},
	}
}

func buildLsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [key=value ...]",
		Short: "List job ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			ids, err := c.Ls(argsToQuery(args))
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func buildNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Show cluster node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			nodes, err := c.Nodes()
			if err != nil {
				return err
			}
			return printJSON(nodes)
		},
	}
}

func buildPoolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "Show cluster pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			defer c.Close()
			pools, err := c.Pools()
			if err != nil {
				return err
			}
			return printJSON(pools)
		},
	}
}

func buildWatchCommand() *cobra.Command {
	var configFiles []string
	cmd := &cobra.Command{
		Use:   "watch [key=value ...]",
		Short: "Run the directory watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFiles, args)
			if err != nil {
				return err
			}
			c := client.New(client.Config{
				Address: cfg.GetString("client.address", address),
				Port:    cfg.GetInt("client.port", port),
				Timeout: cfg.GetInt("client.timeout", timeout),
				Refresh: cfg.GetInt("client.refresh", 1),
			})
			defer c.Close()

			w := watch.New(c, watchConfig(cfg))
			w.Start()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				w.Stop()
			}()
			w.Wait()
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&configFiles, "config", "c", nil, "config file(s)")
	return cmd
}

// watchConfig maps the watch section of a config tree onto watch.Config.
func watchConfig(cfg *config.Config) watch.Config {
	var jobs []map[string]any
	if raw, ok := cfg.Get("jobs").([]any); ok {
		for _, j := range raw {
			if m, ok := j.(map[string]any); ok {
				jobs = append(jobs, m)
			} else {
				jobs = append(jobs, nil)
			}
		}
	}
	var globs []string
	switch g := cfg.Get("glob").(type) {
	case string:
		globs = []string{g}
	case []any:
		for _, e := range g {
			globs = append(globs, fmt.Sprintf("%v", e))
		}
	}
	vars := map[string]string{}
	for k, v := range cfg.Copy() {
		if s, ok := v.(string); ok {
			vars[k] = s
		}
	}
	return watch.Config{
		Name:    cfg.GetString("name", "watch"),
		Path:    cfg.GetString("path", "."),
		Globs:   globs,
		Jobs:    jobs,
		Refresh: cfg.GetInt("refresh", 10),
		Rescan:  cfg.GetInt("rescan", 60),
		MinAge:  cfg.GetInt("min_age", 0),
		MaxAge:  cfg.GetInt("max_age", 0),
		Updated: cfg.GetBool("updated", false),
		Retry:   cfg.GetBool("retry", true),
		RunAll:  cfg.GetBool("run_all", true),
		Reverse: cfg.GetBool("reverse", false),
		Count:   cfg.GetInt("count", 0),
		Split:   cfg.GetString("split", ""),
		Match:   cfg.GetInt("match", 0),
		Partial: cfg.GetBool("partial", false),
		Skip:    cfg.GetString("skip", ""),
		Vars:    vars,
	}
}

// argsToQuery turns key=value args into a job query. The special keys ids,
// ts, seq, and tag keep their query meaning.
func argsToQuery(args []string) types.Query {
	raw, _ := json.Marshal(config.ParseKV(args))
	var q types.Query
	json.Unmarshal(raw, &q)
	return q
}

func sleep() {
	time.Sleep(time.Second)
}

func cutKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
