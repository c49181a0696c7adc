package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/kozaktomas/face-recognizer/internal/validation"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <person_id> <dir|files...>",
	Short: "Enroll a person from example photos",
	Long: `Detect the most confident face in each photo and store its embedding for
the person. Directories are scanned (not recursively) for JPEG, PNG, BMP and
WEBP files. Photos without a usable face are reported and skipped.

Examples:
  # Enroll from a directory, registering the person first
  face-recognizer enroll alice ./photos/alice --name "Alice Smith"

  # Enroll from individual files with 8 parallel workers
  face-recognizer enroll bob a.jpg b.jpg c.png --concurrency 8`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("name", "", "Register the person with this name if they do not exist yet")
	enrollCmd.Flags().Int("concurrency", 4, "Number of parallel workers")
	enrollCmd.Flags().Bool("verbose", false, "Print every skipped photo")
}

// collectImages expands directories into their image files and returns a
// sorted, de-duplicated list.
func collectImages(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && validation.HasImageExtension(e.Name()) {
				add(filepath.Join(p, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	personID := args[0]
	name := mustGetString(cmd, "name")
	concurrency := max(mustGetInt(cmd, "concurrency"), 1)
	verbose := mustGetBool(cmd, "verbose")

	files, err := collectImages(args[1:])
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no image files found")
	}

	cfg, logger := loadConfig()
	ctx := context.Background()
	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if _, err := b.service.GetPerson(ctx, personID); err != nil {
		if !errors.Is(err, apperr.ErrNotFound) || name == "" {
			return err
		}
		if _, err := b.service.RegisterPerson(ctx, personID, name); err != nil {
			return fmt.Errorf("registering person: %w", err)
		}
		fmt.Printf("Registered %s (%s)\n", personID, name)
	}

	fmt.Printf("Enrolling %s from %d photos\n\n", personID, len(files))
	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Enrolling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var (
		mu      sync.Mutex
		added   int
		skipped []recognition.SkippedImage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, path := range files {
		g.Go(func() error {
			defer bar.Add(1)

			data, err := os.ReadFile(path)
			if err != nil {
				mu.Lock()
				skipped = append(skipped, recognition.SkippedImage{Source: path, Reason: err.Error()})
				mu.Unlock()
				return nil
			}

			res, err := b.service.Enroll(gctx, personID, []recognition.ImageInput{{Source: filepath.Base(path), Data: data}})
			if err != nil {
				return fmt.Errorf("enrolling %s: %w", path, err)
			}

			mu.Lock()
			added += res.EmbeddingsAdded
			for _, s := range res.Skipped {
				skipped = append(skipped, recognition.SkippedImage{Source: path, Reason: s.Reason})
			}
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	bar.Finish()
	fmt.Println()

	if verbose {
		for _, s := range skipped {
			fmt.Printf("  skipped %s: %s\n", s.Source, s.Reason)
		}
	}
	fmt.Printf("Added %d embeddings, skipped %d photos\n", added, len(skipped))
	if err != nil {
		return err
	}

	p, err := b.service.GetPerson(ctx, personID)
	if err == nil {
		fmt.Printf("%s now has %d embeddings\n", p.PersonID, p.NumEmbeddings)
	}
	return nil
}
