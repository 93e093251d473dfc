package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/mindcache/pkg/codec"
)

var (
	exportOutput string
	exportTo     string
)

var exportCmd = &cobra.Command{
	Use:   "export <snapshot>",
	Short: "Convert a snapshot between JSON and Markdown",
	Long: `Export reads a .json or .md snapshot and writes it in the format named by
--to, or by the extension of --output. Without --output it prints to stdout.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openSnapshot(args[0])
		if err != nil {
			fatal("Error reading snapshot", err)
		}

		target := "snapshot." + exportTo
		if exportOutput != "" && !cmd.Flags().Changed("to") {
			target = exportOutput
		}
		serializer, err := codec.ForPath(target)
		if err != nil {
			fatal("Error choosing format", err)
		}
		data, err := serializer.Serialize(store.Snapshot())
		if err != nil {
			fatal("Error serializing snapshot", err)
		}

		if exportOutput == "" {
			_, _ = os.Stdout.Write(data)
			return
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			fatal("Error writing output", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file")
	exportCmd.Flags().StringVar(&exportTo, "to", "md", "Output format: json or md")
}
