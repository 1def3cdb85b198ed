package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/meterflow/pkg/client"
)

var (
	serverURL  string
	cliAPIKey  string
	outputJSON bool
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Meterflow server URL")
		c.Flags().StringVar(&cliAPIKey, "api-key", "", "API key for the server (or set METERFLOW_API_KEY)")
		c.Flags().BoolVar(&outputJSON, "json", false, "Print raw JSON")
	}
}

func newClient() *client.Client {
	key := cliAPIKey
	if key == "" {
		key = os.Getenv("METERFLOW_API_KEY")
	}
	opts := []client.Option{}
	if key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func printJob(j *client.Job) {
	if outputJSON {
		printJSON(j)
		return
	}
	fmt.Printf("%s  %s  %s  cost=%d\n", j.ID, j.Provider, j.State, j.Cost)
	if j.ResultURL != nil {
		fmt.Printf("  result: %s\n", *j.ResultURL)
	}
	if j.ErrorKind != nil {
		detail := ""
		if j.ErrorDetail != nil {
			detail = "  " + *j.ErrorDetail
		}
		fmt.Printf("  error: %s%s\n", *j.ErrorKind, detail)
	}
}

var (
	runAccount  string
	runKey      string
	runCost     int64
	runDeadline time.Duration
	runWait     bool
)

var runCmd = &cobra.Command{
	Use:   "run <provider> <payload>",
	Short: "Run a metered job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &client.JobRequest{
			AccountID:      runAccount,
			Provider:       args[0],
			IdempotencyKey: runKey,
			Cost:           runCost,
			Payload:        json.RawMessage(args[1]),
			Deadline:       runDeadline,
		}
		c := newClient()
		if runWait {
			job, err := c.Run(context.Background(), req)
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		}
		res, err := c.Submit(context.Background(), req)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("Job accepted: key=%s lookup=%s\n", res.IdempotencyKey, res.Lookup)
		return nil
	},
}

var getJobCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().GetJob(context.Background(), args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var (
	listAccount string
	listState   string
	listLimit   int
)

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := newClient().ListJobs(context.Background(), listAccount, listState, listLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(jobs)
			return nil
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs")
			return nil
		}
		for i := range jobs {
			printJob(&jobs[i])
		}
		return nil
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel local polling for a job and refund its hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().CancelJob(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Job %s canceling\n", args[0])
		return nil
	},
}

var (
	summaryPeriod  string
	summaryGroupBy string
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show aggregated token spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Summary(context.Background(), summaryPeriod, summaryGroupBy)
		if err != nil {
			return err
		}
		printJSON(raw)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runAccount, "account", "", "Account to charge (required)")
	runCmd.Flags().StringVar(&runKey, "key", "", "Idempotency key (random when empty)")
	runCmd.Flags().Int64Var(&runCost, "cost", 0, "Token cost of the job (required)")
	runCmd.Flags().DurationVar(&runDeadline, "deadline", 0, "Per-job polling budget (0 uses the server default)")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Block until the job settles")
	runCmd.MarkFlagRequired("account")
	runCmd.MarkFlagRequired("cost")

	listJobsCmd.Flags().StringVar(&listAccount, "account", "", "Filter by account")
	listJobsCmd.Flags().StringVar(&listState, "state", "", "Filter by state")
	listJobsCmd.Flags().IntVar(&listLimit, "limit", 0, "Max jobs to return")

	summaryCmd.Flags().StringVar(&summaryPeriod, "period", "24h", "Aggregation window (Go duration)")
	summaryCmd.Flags().StringVar(&summaryGroupBy, "group-by", "", "Group totals by account or provider")

	addClientFlags(runCmd, getJobCmd, listJobsCmd, cancelJobCmd, summaryCmd)
	rootCmd.AddCommand(runCmd, getJobCmd, listJobsCmd, cancelJobCmd, summaryCmd)
}
