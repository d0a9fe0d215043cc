package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plugwire/plugwire/events"
	"github.com/plugwire/plugwire/host"
)

var runCmd = &cobra.Command{
	Use:   "run <plugins-dir>",
	Short: "Run an interactive session against a plugins directory",
	Long: `Discover the plugins under a directory and drive them from an
interactive prompt.

Call a function as: <function> [json-arguments]

  > get_stock_price {"symbol": "AAPL"}

While a plugin holds a passthrough session, plain lines are sent to it
as user input. Meta commands:

  /plugins     list discovered plugins and their state
  /functions   list callable functions
  /stop        close the current passthrough session
  /exit        shut everything down and quit`,
	Args: cobra.ExactArgs(1),
	RunE: runInteractive,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runInteractive(cmd *cobra.Command, args []string) error {
	engine := host.NewEngine(args[0], host.Callbacks{
		OnStream: func(plugin, text string) {
			fmt.Print(text)
		},
		OnLog: func(plugin, level, message string) {
			fmt.Printf("[%s %s] %s\n", plugin, level, message)
		},
	})
	if err := engine.Load(); err != nil {
		return err
	}
	defer engine.Shutdown()

	engine.Events().Subscribe(events.TypePassthroughOpened, func(ev *events.Event) {
		fmt.Printf("\n[%s is listening — plain lines go to it, /stop to leave]\n", ev.Plugin)
	})
	engine.Events().Subscribe(events.TypePassthroughClosed, func(ev *events.Event) {
		fmt.Printf("\n[%s released the session]\n", ev.Plugin)
	})

	fmt.Printf("plugwire %s — %d plugin(s) loaded. Type /functions to explore.\n",
		Version, len(engine.Plugins()))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		prompt := "> "
		if name, active := engine.InPassthrough(); active {
			prompt = name + "> "
		}
		fmt.Print(prompt)

		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/exit":
			return nil
		case line == "/stop":
			engine.ExitPassthrough()
			continue
		case line == "/plugins":
			for _, name := range engine.Plugins() {
				in := engine.Plugin(name)
				fmt.Printf("  %-20s %s\n", name, in.State())
			}
			continue
		case line == "/functions":
			for _, def := range engine.Catalog() {
				fmt.Printf("  %-24s %s\n", def["name"], def["description"])
			}
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command:", line)
			continue
		}

		if _, active := engine.InPassthrough(); active {
			report(engine.SendInput(line))
			continue
		}

		function, rawArgs, _ := strings.Cut(line, " ")
		callArgs := map[string]any{}
		if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &callArgs); err != nil {
				fmt.Println("arguments must be a JSON object:", err)
				continue
			}
		}
		report(engine.Execute(function, callArgs, nil, nil))
	}
}

func report(outcome *host.Outcome, err error) {
	switch {
	case err != nil:
		fmt.Println("error:", err)
	case !outcome.Success:
		fmt.Printf("failed (%d): %s\n", outcome.Code, outcome.Message)
	case outcome.Message != "":
		fmt.Println(outcome.Message)
	default:
		fmt.Println("ok")
	}
}
