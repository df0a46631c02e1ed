package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/opencis/cis/internal/config"
	"github.com/opencis/cis/internal/openehr/ehrbase"
)

// templateRegistry is the part of the repository client the template
// commands use.
type templateRegistry interface {
	ListTemplates(ctx context.Context) ([]ehrbase.Template, error)
	UploadTemplate(ctx context.Context, opt []byte) (bool, error)
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect and register operational templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List templates registered in the openEHR repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := templateClient()
			if err != nil {
				return err
			}
			ts, err := client.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-40s %-30s %s\n", "TEMPLATE ID", "CONCEPT", "ROOT ARCHETYPE")
			for _, t := range ts {
				fmt.Fprintf(w, "%-40s %-30s %s\n", t.TemplateID, t.Concept, t.ArchetypeID)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the vital signs template is registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := templateClient()
			if err != nil {
				return err
			}
			if err := checkTemplate(cmd.Context(), client, cfg.VitalSignsTemplateID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Template %s is registered.\n", cfg.VitalSignsTemplateID)
			return nil
		},
	})

	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload every .opt file in the templates directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := templateClient()
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.TemplatesDir
			}
			return uploadTemplates(cmd.Context(), client, dir, cmd.OutOrStdout())
		},
	}
	uploadCmd.Flags().String("dir", "", "Directory holding .opt files (default TEMPLATES_DIR)")
	cmd.AddCommand(uploadCmd)

	return cmd
}

func templateClient() (*config.Config, *ehrbase.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, newEHRbaseClient(cfg, newLogger(cfg.Env)), nil
}

// checkTemplate fails unless templateID is registered in the repository.
func checkTemplate(ctx context.Context, r templateRegistry, templateID string) error {
	ts, err := r.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	for _, t := range ts {
		if t.TemplateID == templateID {
			return nil
		}
	}
	return fmt.Errorf("template %s is not registered; run `cis-server templates upload`", templateID)
}

// uploadTemplates registers the .opt files of dir in name order. Templates the
// repository already has are reported and skipped.
func uploadTemplates(ctx context.Context, r templateRegistry, dir string, out io.Writer) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.opt"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .opt files in %s", dir)
	}
	sort.Strings(files)

	for _, f := range files {
		opt, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		created, err := r.UploadTemplate(ctx, opt)
		if err != nil {
			return fmt.Errorf("upload %s: %w", filepath.Base(f), err)
		}
		if created {
			fmt.Fprintf(out, "uploaded %s\n", filepath.Base(f))
		} else {
			fmt.Fprintf(out, "already registered %s\n", filepath.Base(f))
		}
	}
	return nil
}
