package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wingetstudio/oplife/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect and validate lifecycle policy sets",
	}

	cmd.AddCommand(newPoliciesListCommand())
	cmd.AddCommand(newPoliciesValidateCommand())

	return cmd
}

func newPoliciesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [path...]",
		Short: "List built-in and loaded policy sets",
		Long: `List the built-in policy sets together with the sets loaded from the
given paths, or from policies.paths in the configuration when no path is
given. Loaded sets shadow built-in sets of the same name.`,
		Example: `  # Built-in sets only
  oplife policies list

  # Include sets from a directory
  oplife policies list ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			paths := args
			if len(paths) == 0 {
				paths = cfg.Policies.Paths
			}

			registry := policy.NewRegistry()
			if len(paths) > 0 {
				sets, err := policy.NewLoader(zerolog.Nop()).LoadFromPaths(cmd.Context(), paths)
				if err != nil {
					return err
				}
				registry.Replace(sets)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				listing := make(map[string][]string)
				for _, name := range registry.Names() {
					opts, _ := registry.Get(name)
					listing[name] = opts.Names()
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(listing)
			}

			for _, name := range registry.Names() {
				opts, _ := registry.Get(name)
				marker := ""
				if name == cfg.Policies.DefaultSet {
					marker = " (default)"
				}
				fmt.Fprintf(out, "%s%s\n", name, marker)
				for _, p := range opts.Policies {
					fmt.Fprintf(out, "  %-11s %s\n", p.Kind(), p.Name())
				}
			}
			return nil
		},
	}
}

func newPoliciesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path...>",
		Short: "Validate policy-set files",
		Long: `Validate policy-set files. Directories are searched recursively for
.yaml and .yml files. Every file is parsed, validated and built, including
compilation of Rego conditions.`,
		Example: `  oplife policies validate ./policies
  oplife policies validate installs.yaml updates.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectPolicyFiles(args)
			if err != nil {
				return err
			}

			loader := policy.NewLoader(zerolog.Nop())
			out := cmd.OutOrStdout()

			var failed []string
			sets := 0
			for _, file := range files {
				loaded, err := loader.LoadFromPaths(cmd.Context(), []string{file})
				if err != nil {
					failed = append(failed, file)
					fmt.Fprintf(out, "FAIL %s: %v\n", file, err)
					continue
				}
				sets += len(loaded)
				fmt.Fprintf(out, "ok   %s (%d sets)\n", file, len(loaded))
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d of %d policy files are invalid: %s",
					len(failed), len(files), strings.Join(failed, ", "))
			}
			fmt.Fprintf(out, "%d policy sets in %d files are valid\n", sets, len(files))
			return nil
		},
	}
}

func collectPolicyFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			ext := strings.ToLower(filepath.Ext(p))
			if !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}

	if len(files) == 0 {
		return nil, errors.New("no policy files found")
	}
	return files, nil
}
