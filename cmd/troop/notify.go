package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"troop/internal/notify"
)

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Inspect pending notifications",
	}
	cmd.AddCommand(newNotifyListCmd(), newNotifyReadCmd())
	return cmd
}

func newNotifyListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List unread notifications for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			path := "/api/projects/" + args[0] + "/notifications"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}

			var body struct {
				Notifications []notify.Notification `json:"notifications"`
				UnreadCount   int                   `json:"unread_count"`
			}
			if err := client.get(path, &body); err != nil {
				return err
			}

			if len(body.Notifications) == 0 {
				fmt.Println("No unread notifications.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRI\tTYPE\tTITLE")
			for _, n := range body.Notifications {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", n.ID, n.Priority, n.Type, n.Title)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d unread.\n", body.UnreadCount)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum notifications to list")
	return cmd
}

func newNotifyReadCmd() *cobra.Command {
	var all string

	cmd := &cobra.Command{
		Use:   "read [notification-id]",
		Short: "Mark notifications as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			if all != "" {
				var res struct {
					MarkedRead int `json:"marked_read"`
				}
				err := client.post("/api/projects/"+all+"/notifications/read-all", nil, &res)
				if err != nil {
					return err
				}
				fmt.Printf("Marked %d notifications read.\n", res.MarkedRead)
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("pass a notification id or --all <project>")
			}
			if err := client.post("/api/notifications/"+args[0]+"/read", nil, nil); err != nil {
				return err
			}
			fmt.Println("Marked read.")
			return nil
		},
	}

	cmd.Flags().StringVar(&all, "all", "", "mark every notification of a project read")
	return cmd
}
