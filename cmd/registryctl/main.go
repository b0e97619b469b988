// registryctl is the administrative CLI for registryx: schema migration,
// repository/user provisioning, and API key issuance (spec §6 "CLI
// commands"). Grounded on distribution-distribution/registry/root.go's
// cobra.Command tree.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/floundr/registryx/pkg/config"
	"github.com/floundr/registryx/pkg/database"
	"github.com/floundr/registryx/pkg/metadata"
	"github.com/floundr/registryx/pkg/scopeauth"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "registryctl",
		Short: "Administrative commands for registryx",
	}

	root.AddCommand(migrateFreshCmd())
	root.AddCommand(newRepoCmd())
	root.AddCommand(newUserCmd())
	root.AddCommand(genKeyCmd())

	return root
}

func migrateFreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-fresh",
		Short: "Drop and recreate every table registryx owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := database.Connect(cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := database.MigrateFresh(db); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Println("migration complete")
			return nil
		},
	}
}

func newRepoCmd() *cobra.Command {
	var public bool
	cmd := &cobra.Command{
		Use:   "new-repo <name>",
		Short: "Create a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := database.Connect(cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			store := metadata.NewStore(db)
			repo, err := store.CreateRepository(context.Background(), args[0], public)
			if err != nil {
				return fmt.Errorf("failed to create repository: %w", err)
			}
			fmt.Printf("created repository %s (%s)\n", repo.Name, repo.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&public, "public", false, "mark the repository publicly pullable")
	return cmd
}

func newUserCmd() *cobra.Command {
	var password string
	var admin bool
	cmd := &cobra.Command{
		Use:   "new-user <email>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			cfg := config.Load()
			db, err := database.Connect(cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			store := scopeauth.NewStore(db)
			user, err := store.CreateUser(context.Background(), args[0], password, admin)
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			fmt.Printf("created user %s (%s)\n", user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant administrative privileges")
	return cmd
}

func genKeyCmd() *cobra.Command {
	var outputFile string
	cmd := &cobra.Command{
		Use:   "gen-key <email>",
		Short: "Generate a service-account API key owned by a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, err := database.Connect(cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			store := scopeauth.NewStore(db)
			ctx := context.Background()

			user, err := store.UserByEmail(ctx, args[0])
			if err != nil {
				return fmt.Errorf("unknown user %s: %w", args[0], err)
			}

			client, err := store.CreateClient(ctx, user.ID)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			output := fmt.Sprintf("%s:%s\n", client.ClientID, client.Secret)
			if outputFile != "" {
				if err := os.WriteFile(outputFile, []byte(output), 0o600); err != nil {
					return fmt.Errorf("failed to write key file: %w", err)
				}
				fmt.Printf("wrote key to %s\n", outputFile)
				return nil
			}
			fmt.Print(output)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputFile, "output-file", "", "write the client_id:secret pair to this file instead of stdout")
	return cmd
}
