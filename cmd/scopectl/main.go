package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"convscope/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	server := "http://localhost:8080"
	if v := os.Getenv("CONVSCOPE_SERVER"); v != "" {
		server = v
	}

	root := &cobra.Command{
		Use:           "scopectl",
		Short:         "Inspect CNN inference jobs on a convscoped server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", server, "Base URL of the convscoped server (defaults CONVSCOPE_SERVER)")

	modelsCmd := &cobra.Command{
		Use:   "models [model-id]",
		Short: "List registered models, or show one model's descriptor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(server)
			if len(args) == 1 {
				det, err := c.model(args[0])
				if err != nil {
					return err
				}
				return printJSON(det)
			}
			list, err := c.models()
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}

	var (
		modelID   string
		topKPreds int
		topKCAM   int
		camLayers string
		watch     bool
		interval  time.Duration
	)
	submitCmd := &cobra.Command{
		Use:     "submit <image>",
		Short:   "Submit an image for layer inspection",
		Example: "  scopectl submit cat.jpg --model resnet-tiny --top-k-preds 3 --watch",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelID == "" {
				return fmt.Errorf("--model is required")
			}
			settings := types.JobSettings{TopKPreds: topKPreds, TopKCAM: topKCAM}
			if camLayers != "" {
				for _, l := range strings.Split(camLayers, ",") {
					settings.CAMLayers = append(settings.CAMLayers, strings.TrimSpace(l))
				}
			}
			c := newClient(server)
			job, err := c.submit(args[0], modelID, settings)
			if err != nil {
				return err
			}
			if !watch {
				return printJSON(job)
			}
			return watchJob(c, job.ID, interval)
		},
	}
	submitCmd.Flags().StringVar(&modelID, "model", "", "Model id from the registry (required)")
	submitCmd.Flags().IntVar(&topKPreds, "top-k-preds", 0, "Number of predicted classes to return")
	submitCmd.Flags().IntVar(&topKCAM, "top-k-cam", 0, "Number of classes to render Grad-CAM for")
	submitCmd.Flags().StringVar(&camLayers, "cam-layers", "", "Comma-separated layer names for Grad-CAM")
	submitCmd.Flags().BoolVar(&watch, "watch", false, "Poll until the job settles and print the final record")
	submitCmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Polling interval with --watch")

	jobCmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show one job's status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newClient(server).job(args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}

	root.AddCommand(modelsCmd, submitCmd, jobCmd)
	return root
}

// watchJob polls until the job reaches a terminal status, echoing progress
// changes to stderr and the final record to stdout.
func watchJob(c *client, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	lastProgress := -1
	for {
		job, err := c.job(id)
		if err != nil {
			return err
		}
		if job.Progress != lastProgress {
			fmt.Fprintf(os.Stderr, "%s %3d%% %s\n", job.Status, job.Progress, job.Message)
			lastProgress = job.Progress
		}
		if job.Status.Terminal() {
			return printJSON(job)
		}
		time.Sleep(interval)
	}
}
