package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netly/cnagent/config"
	"github.com/netly/cnagent/internal/agent"
	"github.com/netly/cnagent/internal/task"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var (
	jobFile    string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run -f job.yaml",
	Short: "Run the tasks of a job file locally and print their final state",
	Long: `run submits every request of a job file, waits until all of them are
terminal and prints the final instances as JSON. A job file holds one request
or a list of requests using the submission fields requestId, type, params and
timeoutMs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := loadJobs(jobFile)
		if err != nil {
			return err
		}

		a, err := agent.New(offline(cfg), log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		results, runErr := runJobs(ctx, a, jobs)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			runErr = multierr.Append(runErr, err)
		}

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
		defer cancel()
		return multierr.Append(runErr, a.Shutdown(sctx))
	},
}

func init() {
	runCmd.Flags().StringVarP(&jobFile, "file", "f", "", "job file (YAML)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "give up waiting after this long")
	_ = runCmd.MarkFlagRequired("file")
}

// loadJobs reads a job file holding either one request or a list.
func loadJobs(path string) ([]task.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("job file is empty")
	}

	var jobs []task.Request
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&jobs)
	case yaml.MappingNode:
		var one task.Request
		err = root.Decode(&one)
		jobs = append(jobs, one)
	default:
		return nil, errors.New("job file must hold a request or a list of requests")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode job file: %w", err)
	}

	for i, j := range jobs {
		if j.Type == "" {
			return nil, fmt.Errorf("job %d: type is required", i)
		}
	}
	return jobs, nil
}

// runJobs submits every job and waits for each. Rejected and failed tasks
// are reported in the returned error.
func runJobs(ctx context.Context, a *agent.Agent, jobs []task.Request) ([]task.Instance, error) {
	ids := make([]string, 0, len(jobs))
	var errs error
	for _, j := range jobs {
		inst, err := a.Dispatcher().Submit(ctx, j)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("submit %s: %w", j.Type, err))
			continue
		}
		ids = append(ids, inst.ID)
	}

	results := make([]task.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := a.Reporter().Wait(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("wait %s: %w", id, err))
			continue
		}
		if inst.State == task.StateFailed {
			errs = multierr.Append(errs, fmt.Errorf("task %s (%s) failed: %s", inst.ID, inst.Type, inst.Error))
		}
		results = append(results, inst)
	}
	return results, errs
}

// offline turns off every surface so only the local runtime is built.
func offline(c *config.Config) *config.Config {
	out := *c
	out.Server.Enabled = false
	out.Agent.BackendURL = ""
	return &out
}
