package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/spf13/cobra"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>...",
	Short: "Recognize faces in images and print the result as JSON",
	Long: `Detect every face in the given images and rank enrolled persons for each.
The output is a JSON array with one entry per image.

Examples:
  face-recognizer recognize group.jpg
  face-recognizer recognize frame.png --threshold 0.5 --top-k 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)
	addMatchFlags(recognizeCmd)
}

func runRecognize(cmd *cobra.Command, args []string) error {
	opts := matchOptions(cmd)
	if err := recognition.ValidateOptions(opts); err != nil {
		return err
	}

	cfg, logger := loadConfig()
	ctx := context.Background()
	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	results := make([]*recognition.ImageResult, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := b.service.Recognize(ctx, data, opts)
		if err != nil {
			return fmt.Errorf("recognizing %s: %w", path, err)
		}
		res.Source = filepath.Base(path)
		results = append(results, res)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
