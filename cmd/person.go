package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/spf13/cobra"
)

var personCmd = &cobra.Command{
	Use:   "person",
	Short: "Manage enrolled persons",
}

var personAddCmd = &cobra.Command{
	Use:   "add <person_id> <name>",
	Short: "Register a new person",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonAdd,
}

var personListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered persons",
	Args:  cobra.NoArgs,
	RunE:  runPersonList,
}

var personShowCmd = &cobra.Command{
	Use:   "show <person_id>",
	Short: "Show a person and their embedding count",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonShow,
}

var personDeleteCmd = &cobra.Command{
	Use:   "delete <person_id>",
	Short: "Delete a person and all of their embeddings",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonDelete,
}

func init() {
	rootCmd.AddCommand(personCmd)
	personCmd.AddCommand(personAddCmd, personListCmd, personShowCmd, personDeleteCmd)

	personListCmd.Flags().Int("page", 1, "Page number")
	personListCmd.Flags().Int("per-page", constants.DefaultPersonPageSize, "Persons per page (max 100)")
}

func runPersonAdd(cmd *cobra.Command, args []string) error {
	cfg, logger := loadConfig()
	ctx := context.Background()
	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := b.service.RegisterPerson(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("registering person: %w", err)
	}
	fmt.Printf("Registered %s (%s)\n", p.PersonID, p.Name)
	return nil
}

func runPersonList(cmd *cobra.Command, args []string) error {
	page := mustGetInt(cmd, "page")
	perPage := mustGetInt(cmd, "per-page")
	if page < 1 {
		return fmt.Errorf("--page must be at least 1")
	}

	cfg, logger := loadConfig()
	ctx := context.Background()
	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	result, err := b.service.ListPersons(ctx, (page-1)*perPage, perPage)
	if err != nil {
		return fmt.Errorf("listing persons: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON ID\tNAME\tEMBEDDINGS\tCREATED")
	for _, p := range result.Persons {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.PersonID, p.Name, p.NumEmbeddings, p.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	fmt.Printf("\nShowing %d of %d persons (page %d)\n", len(result.Persons), result.Total, page)
	return nil
}

func runPersonShow(cmd *cobra.Command, args []string) error {
	cfg, logger := loadConfig()
	ctx := context.Background()
	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := b.service.GetPerson(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Person ID:  %s\n", p.PersonID)
	fmt.Printf("Name:       %s\n", p.Name)
	fmt.Printf("Embeddings: %d\n", p.NumEmbeddings)
	fmt.Printf("Created:    %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:    %s\n", p.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runPersonDelete(cmd *cobra.Command, args []string) error {
	cfg, logger := loadConfig()
	ctx := context.Background()
	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.service.DeletePerson(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}
