package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/plugwire/plugwire/host"
	"github.com/plugwire/plugwire/manifest"
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario <scenario.yaml>",
	Short: "Replay a scripted session against a plugin and check expectations",
	Long: `Run a YAML-scripted scenario against one plugin. Example:

  plugin: ./plugins/stock
  steps:
    - execute: get_stock_price
      args: {symbol: AAPL}
      expect:
        success: true
        contains: AAPL
    - input: show me more
      expect:
        success: true
        awaiting_input: false

Each step either executes a function or sends passthrough input, then
checks the terminal outcome against its expect block.`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func init() {
	rootCmd.AddCommand(scenarioCmd)
}

type scenarioStep struct {
	Execute string         `yaml:"execute"`
	Args    map[string]any `yaml:"args"`
	Input   string         `yaml:"input"`
	Expect  *expectation   `yaml:"expect"`
}

type expectation struct {
	Success       *bool  `yaml:"success"`
	Contains      string `yaml:"contains"`
	AwaitingInput *bool  `yaml:"awaiting_input"`
}

type scenarioFile struct {
	Plugin string         `yaml:"plugin"`
	Steps  []scenarioStep `yaml:"steps"`
}

func runScenario(cmd *cobra.Command, args []string) error {
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var sc scenarioFile
	if err := yaml.Unmarshal(payload, &sc); err != nil {
		return fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Plugin == "" || len(sc.Steps) == 0 {
		return fmt.Errorf("scenario needs a plugin and at least one step")
	}

	m, err := manifest.ParseDir(sc.Plugin)
	if err != nil {
		return err
	}

	in := host.NewInstance(m, host.Callbacks{
		OnStream: func(_, text string) { fmt.Print(text) },
	})
	if err := in.Start(); err != nil {
		return err
	}
	defer in.Stop()
	if _, err := in.Initialize(); err != nil {
		return err
	}

	failures := 0
	for i, step := range sc.Steps {
		outcome, err := runStep(in, step)
		if err != nil {
			fmt.Printf("step %d: FAIL — %v\n", i+1, err)
			failures++
			continue
		}
		if problems := step.Expect.check(in, outcome); len(problems) > 0 {
			fmt.Printf("step %d: FAIL — %s\n", i+1, strings.Join(problems, "; "))
			failures++
		} else {
			fmt.Printf("step %d: ok\n", i+1)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d steps failed", failures, len(sc.Steps))
	}
	fmt.Printf("all %d steps passed\n", len(sc.Steps))
	return nil
}

func runStep(in *host.Instance, step scenarioStep) (*host.Outcome, error) {
	switch {
	case step.Execute != "":
		return in.Execute(step.Execute, step.Args, nil, nil)
	case step.Input != "":
		return in.SendInput(step.Input)
	default:
		return nil, fmt.Errorf("step needs either execute or input")
	}
}

func (e *expectation) check(in *host.Instance, outcome *host.Outcome) []string {
	if e == nil {
		return nil
	}
	var problems []string
	if e.Success != nil && outcome.Success != *e.Success {
		problems = append(problems, fmt.Sprintf("success = %v, want %v", outcome.Success, *e.Success))
	}
	if e.Contains != "" && !strings.Contains(outcome.Message, e.Contains) {
		problems = append(problems, fmt.Sprintf("message %q does not contain %q", outcome.Message, e.Contains))
	}
	if e.AwaitingInput != nil && in.AwaitingInput() != *e.AwaitingInput {
		problems = append(problems, fmt.Sprintf("awaiting_input = %v, want %v", in.AwaitingInput(), *e.AwaitingInput))
	}
	return problems
}
