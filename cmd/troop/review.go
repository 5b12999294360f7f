package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"troop/internal/review"
)

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List and decide review gates",
	}
	cmd.AddCommand(
		newReviewListCmd(),
		newReviewShowCmd(),
		newReviewApproveCmd(),
		newReviewRejectCmd(),
	)
	return cmd
}

func newReviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List open review gates for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var gates []review.Gate
			if err := client.get("/api/projects/"+args[0]+"/reviews", &gates); err != nil {
				return err
			}
			if len(gates) == 0 {
				fmt.Println("No pending review gates.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTAGE\tARTIFACT")
			for _, g := range gates {
				fmt.Fprintf(w, "%s\t%s\t%s\n", g.IssueID, g.StageName, g.ArtifactPath)
			}
			return w.Flush()
		},
	}
}

func newReviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project> <gate-id>",
		Short: "Show a review gate with its artifact content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var gate review.Gate
			if err := client.get("/api/projects/"+args[0]+"/reviews/"+args[1], &gate); err != nil {
				return err
			}

			fmt.Printf("Gate:     %s\n", gate.IssueID)
			fmt.Printf("Title:    %s\n", gate.Title)
			fmt.Printf("Status:   %s\n", gate.Status)
			fmt.Printf("Artifact: %s\n", gate.ArtifactPath)
			if gate.ArtifactContent != "" {
				fmt.Printf("\n%s\n", gate.ArtifactContent)
			}
			return nil
		},
	}
}

func newReviewApproveCmd() *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "approve <project> <gate-id>",
		Short: "Approve a review gate and advance the pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var res review.Result
			err = client.post("/api/projects/"+args[0]+"/reviews/"+args[1]+"/approve",
				map[string]string{"feedback": feedback}, &res)
			if err != nil {
				return err
			}
			fmt.Println(res.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "optional approval feedback")
	return cmd
}

func newReviewRejectCmd() *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "reject <project> <gate-id>",
		Short: "Reject a review gate and dispatch rework",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if feedback == "" {
				return fmt.Errorf("rejection requires --feedback")
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var res review.Result
			err = client.post("/api/projects/"+args[0]+"/reviews/"+args[1]+"/reject",
				map[string]string{"feedback": feedback}, &res)
			if err != nil {
				return err
			}
			fmt.Println(res.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "why the artifact was rejected (required)")
	return cmd
}
