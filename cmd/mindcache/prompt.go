package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	promptTools  bool
	promptInject string
)

var promptCmd = &cobra.Command{
	Use:   "prompt <snapshot>",
	Short: "Render the system prompt of a snapshot",
	Long: `Prompt prints what a model would see: every SystemPrompt or LLMRead key with
templates expanded, plus the current date and time. --tools prints the write
tools instead, --inject expands placeholders in the given text.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openSnapshot(args[0])
		if err != nil {
			fatal("Error reading snapshot", err)
		}

		switch {
		case promptInject != "":
			fmt.Println(store.InjectSTM(promptInject))
		case promptTools:
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(store.Tools()); err != nil {
				fatal("Error encoding JSON", err)
			}
		default:
			fmt.Println(store.SystemPrompt())
		}
	},
}

func init() {
	rootCmd.AddCommand(promptCmd)
	promptCmd.Flags().BoolVar(&promptTools, "tools", false, "Print the model write tools as JSON")
	promptCmd.Flags().StringVar(&promptInject, "inject", "", "Expand {{key}} placeholders in this text")
}
