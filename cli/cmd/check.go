package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const checkRetryWindow = 5 * time.Second

var (
	okStatus   = color.New(color.FgGreen, color.Bold).SprintFunc()("√") // √
	failStatus = color.New(color.FgRed, color.Bold).SprintFunc()("×")   // ×
)

// statusSource is the slice of the routing controller the check command
// reads.
type statusSource interface {
	IsReady(ctx context.Context) (bool, map[string]string)
	Groups(ctx context.Context) ([]string, error)
	Lazy() bool
}

type checkOptions struct {
	wait        bool
	waitTimeout time.Duration
	retryWindow time.Duration
}

func newCheckOptions() *checkOptions {
	return &checkOptions{
		wait:        false,
		waitTimeout: 5 * time.Minute,
		retryWindow: checkRetryWindow,
	}
}

func newCmdCheck() *cobra.Command {
	options := newCheckOptions()

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the serving layer is ready to serve assets",
		Long: `Check that the serving layer is ready to serve assets.

Probes the grouping strategy, the deployment platform and every group
worker, and prints one line per probe. The command exits non-zero if any
probe fails.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			controller, err := newController(context.Background())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if !runChecks(os.Stdout, controller, options) {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().BoolVar(&options.wait, "wait", false, "Retry failing probes until they pass")
	cmd.Flags().DurationVar(&options.waitTimeout, "wait-timeout", options.waitTimeout, "How long to retry when --wait is set")

	return cmd
}

// runChecks polls the source's readiness and renders one glyphed line per
// probe. Returns true when every probe passed.
func runChecks(w io.Writer, source statusSource, options *checkOptions) bool {
	headerText := "serving-layer checks"
	fmt.Fprintln(w, headerText)
	fmt.Fprintln(w, strings.Repeat("=", len(headerText)))
	fmt.Fprintln(w)

	spin := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
	spin.Writer = w

	deadline := time.Now().Add(options.waitTimeout)
	ready, issues := source.IsReady(context.Background())
	for !ready && options.wait && time.Now().Before(deadline) {
		if isatty.IsTerminal(os.Stdout.Fd()) {
			spin.Suffix = fmt.Sprintf(" %d probes failing", len(issues))
			spin.Color("bold") // this calls spin.Restart()
		}
		time.Sleep(options.retryWindow)
		ready, issues = source.IsReady(context.Background())
	}
	spin.Stop()

	for _, probe := range probeList(source, issues) {
		msg, failed := issues[probe.key]
		if failed {
			fmt.Fprintf(w, "%s %s\n", failStatus, probe.description)
			fmt.Fprintf(w, "    %s\n", msg)
			continue
		}
		fmt.Fprintf(w, "%s %s\n", okStatus, probe.description)
	}
	fmt.Fprintln(w)

	status := okStatus
	if !ready {
		status = failStatus
	}
	fmt.Fprintf(w, "Status check results are %s\n", status)
	return ready
}

type probe struct {
	key         string
	description string
}

// probeList orders the probes for printing: the two infrastructure probes
// first, one per known group after, then any reported issue that maps to
// neither so nothing is dropped.
func probeList(source statusSource, issues map[string]string) []probe {
	probes := []probe{
		{key: "grouping_strategy", description: "grouping strategy is reachable"},
		{key: "deployment_platform", description: "deployment platform is reachable"},
	}
	seen := map[string]bool{"grouping_strategy": true, "deployment_platform": true}

	// Lazy workers come up on demand, so only eager fleets enumerate group
	// probes up front.
	if !source.Lazy() {
		// A failing strategy shows up in the grouping_strategy probe; the
		// group list is best effort here.
		groups, _ := source.Groups(context.Background())
		sort.Strings(groups)
		for _, group := range groups {
			key := "service:" + group
			probes = append(probes, probe{key: key, description: fmt.Sprintf("group %s worker is serving", group)})
			seen[key] = true
		}
	}

	var rest []string
	for key := range issues {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		probes = append(probes, probe{key: key, description: key})
	}
	return probes
}
