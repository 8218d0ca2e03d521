// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/config"
	"github.com/unclebandit/broadcast-pipeline/internal/db"
	"github.com/unclebandit/broadcast-pipeline/internal/logger"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
	"github.com/unclebandit/broadcast-pipeline/internal/service"
)

type seedOptions struct {
	Email         string
	ProjectName   string
	PhoneNumberID string
	PageID        string
	TemplateName  string
}

func main() {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:          "seeder",
		Short:        "Apply the schema and seed a demo user, API key, project and template",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "demo@example.com", "demo user email")
	cmd.Flags().StringVar(&opts.ProjectName, "project", "Demo Project", "demo project name")
	cmd.Flags().StringVar(&opts.PhoneNumberID, "phone-number-id", "100000000000001", "WhatsApp phone number id")
	cmd.Flags().StringVar(&opts.PageID, "page-id", "", "Facebook page id")
	cmd.Flags().StringVar(&opts.TemplateName, "template", "hello_world", "approved template name")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, cfg.AppName+"-seeder")
	if err != nil {
		return err
	}
	defer log.Sync()

	conn, err := db.Open(ctx, db.Options{DSN: cfg.DSN()}, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	log.Info("schema applied")

	userID, err := seedUser(ctx, conn, opts.Email)
	if err != nil {
		return err
	}
	projectID, err := seedProject(ctx, conn, userID, opts)
	if err != nil {
		return err
	}
	templateID, err := seedTemplate(ctx, conn, projectID, opts.TemplateName)
	if err != nil {
		return err
	}

	keys := &service.APIKeyService{Keys: repository.NewPostgres(conn).APIKeys, Log: log}
	raw, _, err := keys.Issue(ctx, userID)
	if err != nil {
		return err
	}

	log.Info("seed complete",
		zap.String("user_id", userID),
		zap.String("project_id", projectID),
		zap.String("template_id", templateID))

	fmt.Printf("user_id:     %s\n", userID)
	fmt.Printf("project_id:  %s\n", projectID)
	fmt.Printf("template_id: %s\n", templateID)
	fmt.Printf("api_key:     %s (shown once)\n", raw)
	return nil
}

func seedUser(ctx context.Context, conn *sql.DB, email string) (string, error) {
	var id string
	err := conn.QueryRowContext(ctx, `
		INSERT INTO users (email, name) VALUES ($1, 'Demo User')
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id`, email).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed user: %w", err)
	}
	return id, nil
}

func seedProject(ctx context.Context, conn *sql.DB, userID string, opts seedOptions) (string, error) {
	var id string
	err := conn.QueryRowContext(ctx,
		`SELECT id FROM projects WHERE user_id = $1 AND name = $2`, userID, opts.ProjectName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("find project: %w", err)
	}
	err = conn.QueryRowContext(ctx, `
		INSERT INTO projects (user_id, name, facebook_page_id, phone_number_ids)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, userID, opts.ProjectName, opts.PageID, pq.Array([]string{opts.PhoneNumberID})).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed project: %w", err)
	}
	return id, nil
}

func seedTemplate(ctx context.Context, conn *sql.DB, projectID, name string) (string, error) {
	var id string
	err := conn.QueryRowContext(ctx,
		`SELECT id FROM templates WHERE project_id = $1 AND name = $2`, projectID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("find template: %w", err)
	}
	err = conn.QueryRowContext(ctx, `
		INSERT INTO templates (project_id, name, status, components)
		VALUES ($1, $2, 'APPROVED', '[{"type":"BODY","text":"Hello {{1}}"}]')
		RETURNING id`, projectID, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed template: %w", err)
	}
	return id, nil
}
