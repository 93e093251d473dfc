package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/mindcache/pkg/core"
)

var (
	keysJSON  bool
	keysMatch string
	keysTag   string
)

var keysCmd = &cobra.Command{
	Use:   "keys <snapshot>",
	Short: "List the keys of a snapshot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openSnapshot(args[0])
		if err != nil {
			fatal("Error reading snapshot", err)
		}

		names := store.Keys()
		if keysMatch != "" {
			if names, err = store.Match(keysMatch); err != nil {
				fatal("Error matching keys", err)
			}
		}

		var entries []core.Entry
		for _, name := range names {
			e, ok := store.Entry(name)
			if !ok {
				continue
			}
			if keysTag != "" && !e.Attributes.HasTag(keysTag) && !e.Attributes.HasSystemTag(core.SystemTag(keysTag)) {
				continue
			}
			entries = append(entries, e)
		}

		if keysJSON {
			type row struct {
				Key        string          `json:"key"`
				Value      string          `json:"value"`
				Attributes core.Attributes `json:"attributes"`
			}
			rows := make([]row, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, row{Key: e.Key, Value: core.Render(e.Value), Attributes: e.Attributes})
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(rows); err != nil {
				fatal("Error encoding JSON", err)
			}
			return
		}

		for _, e := range entries {
			tags := slices.Clone(e.Attributes.ContentTags)
			for _, t := range e.Attributes.SystemTags {
				tags = append(tags, string(t))
			}
			fmt.Printf("%s\t%s\t%s\n", e.Key, e.Attributes.Type, strings.Join(tags, ","))
		}
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.Flags().BoolVar(&keysJSON, "json", false, "Output in JSON format")
	keysCmd.Flags().StringVar(&keysMatch, "match", "", "Only keys matching this glob (e.g. \"user/**\")")
	keysCmd.Flags().StringVar(&keysTag, "tag", "", "Only keys carrying this content or system tag")
}
