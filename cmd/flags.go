package cmd

import (
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/matcher"
	"github.com/spf13/cobra"
)

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// This is appropriate for flags defined in init() - errors indicate programming bugs.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetInt gets an int flag value or panics if the flag doesn't exist.
func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetFloat64 gets a float64 flag value or panics if the flag doesn't exist.
func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	val, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// addMatchFlags registers --threshold, --top-k and --per-person-k.
func addMatchFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("threshold", 0, "Maximum distance for an accepted match (0 = configured default)")
	cmd.Flags().Int("top-k", 0, "Number of ranked persons per face (0 = configured default)")
	cmd.Flags().Int("per-person-k", 0, "Closest embeddings considered per person (0 = configured default)")
}

// matchOptions reads the flags added by addMatchFlags. Unchanged flags stay
// unset so the configured defaults apply.
func matchOptions(cmd *cobra.Command) matcher.Options {
	var opts matcher.Options
	if cmd.Flags().Changed("threshold") {
		opts.Threshold = matcher.Float(mustGetFloat64(cmd, "threshold"))
	}
	opts.TopK = mustGetInt(cmd, "top-k")
	opts.PerPersonK = mustGetInt(cmd, "per-person-k")
	return opts
}
