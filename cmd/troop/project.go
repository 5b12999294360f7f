package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"troop/internal/registry"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(
		newProjectCreateCmd(),
		newProjectListCmd(),
		newProjectPauseCmd(),
		newProjectResumeCmd(),
		newProjectDeleteCmd(),
	)
	return cmd
}

func newProjectCreateCmd() *cobra.Command {
	var name, workspacePath string

	cmd := &cobra.Command{
		Use:   "create <key>",
		Short: "Create a project and start its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if name == "" {
				name = key
			}
			if workspacePath == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				workspacePath = filepath.Join(cwd, key)
			}

			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var project registry.Project
			err = client.post("/api/projects", map[string]string{
				"key": key, "name": name, "workspace_path": workspacePath,
			}, &project)
			if err != nil {
				return err
			}

			fmt.Printf("Created project %s (%s)\n", project.Key, project.Name)
			fmt.Printf("Workspace: %s\n", project.WorkspacePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human readable project name")
	cmd.Flags().StringVar(&workspacePath, "workspace", "", "workspace directory (default ./<key>)")
	return cmd
}

func newProjectListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			path := "/api/projects"
			if status != "" {
				path += "?status=" + status
			}
			var projects []registry.Project
			if err := client.get(path, &projects); err != nil {
				return err
			}

			if len(projects) == 0 {
				fmt.Println("No projects.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tSTATUS\tWORKSPACE")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Key, p.Name, p.Status, p.WorkspacePath)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused, completed)")
	return cmd
}

func newProjectPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <key>",
		Short: "Pause a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.post("/api/projects/"+args[0]+"/pause", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Paused project %s\n", args[0])
			return nil
		},
	}
}

func newProjectResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <key>",
		Short: "Resume a paused project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.post("/api/projects/"+args[0]+"/resume", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Resumed project %s\n", args[0])
			return nil
		},
	}
}

func newProjectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a project from the orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.do(http.MethodDelete, "/api/projects/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Deleted project %s\n", args[0])
			return nil
		},
	}
}
