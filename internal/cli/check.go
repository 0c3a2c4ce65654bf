package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/config"
	"github.com/mgrinell/veil/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	flagLanguage string
	flagJSON     bool
)

var checkCmd = &cobra.Command{
	Use:   "check [file...]",
	Short: "Validate files (or stdin) without storing anything",
	Long: "Runs each input through the abstraction pipeline and prints the verdict.\n" +
		"Exits 1 if any input is rejected. With no arguments, reads stdin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			exitCode = ExitRuntimeError
			return err
		}
		cat, err := catalog.Load(cfg.RulesFile)
		if err != nil {
			exitCode = ExitRuntimeError
			return err
		}
		pipe := pipeline.New(cat, pipeline.Options{
			MinScore:        cfg.MinScore,
			ConfidenceFloor: cfg.ConfidenceFloor,
		})

		inputs, err := collectInputs(args)
		if err != nil {
			exitCode = ExitRuntimeError
			return err
		}

		for _, in := range inputs {
			res := pipe.Process(pipeline.ContentUnit{
				Code:     in.content,
				Language: flagLanguage,
			})
			printResult(in.name, res)
			if !res.IsValid {
				exitCode = ExitRejected
			}
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&flagLanguage, "language", "", "Language of the checked content")
	checkCmd.Flags().BoolVar(&flagJSON, "json", false, "Emit the full result as JSON")
}

type input struct {
	name    string
	content string
}

func collectInputs(args []string) ([]input, error) {
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return []input{{name: "stdin", content: string(data)}}, nil
	}
	inputs := make([]input, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		inputs = append(inputs, input{name: path, content: string(data)})
	}
	return inputs, nil
}

func printResult(name string, res pipeline.Result) {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}

	verdict := "ok"
	if !res.IsValid {
		verdict = "REJECTED"
	}
	fmt.Fprintf(os.Stdout, "%s: %s (score %.3f, %d mappings)\n", name, verdict, res.SafetyScore, len(res.Mappings))
	for _, m := range res.Mappings {
		fmt.Fprintf(os.Stdout, "  %s → %s\n", m.Original, m.Abstracted)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stdout, "  [%s] %s\n", e.Code, e.Message)
		if e.Suggestion != "" {
			fmt.Fprintf(os.Stdout, "      %s\n", e.Suggestion)
		}
	}
}
