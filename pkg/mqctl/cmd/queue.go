package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stocktracker/mailqueue/pkg/mail"
	"github.com/stocktracker/mailqueue/pkg/mqctl/client"
	"github.com/stocktracker/mailqueue/pkg/mqctl/output"
	"github.com/stocktracker/mailqueue/pkg/queue"
)

func NewStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			format, err := rt.OutputFormat()
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if format == output.FormatTable || format == output.FormatWide {
				output.WriteStatsTable(rt.Writer(), stats)
				return nil
			}
			return output.WriteObject(rt.Writer(), format, stats)
		},
	}
}

func NewListCommand() *cobra.Command {
	var (
		opts client.ListOptions
		all  bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued emails, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Status != "" {
				if _, err := queue.ParseStatus(opts.Status); err != nil {
					return err
				}
			}
			rt, c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			format, err := rt.OutputFormat()
			if err != nil {
				return err
			}

			var jobs []queue.Job
			var page *queue.Page
			if all {
				jobs, err = c.ListAll(cmd.Context(), opts)
			} else {
				page, err = c.List(cmd.Context(), opts)
				if page != nil {
					jobs = page.Jobs
				}
			}
			if err != nil {
				return err
			}

			switch format {
			case output.FormatTable:
				output.WriteJobTable(rt.Writer(), jobs)
			case output.FormatWide:
				output.WriteJobTableWide(rt.Writer(), jobs)
			default:
				if page != nil {
					return output.WriteObject(rt.Writer(), format, page)
				}
				return output.WriteObject(rt.Writer(), format, jobs)
			}
			if page != nil && page.Pages > 1 {
				_, _ = fmt.Fprintf(rt.Writer(), "\nPage %d of %d (%d emails)\n", page.CurrentPage, page.Pages, page.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "Only show emails in this status: pending, processing, completed, failed")
	cmd.Flags().StringVar(&opts.Search, "search", "", "Substring match on recipient or subject")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&opts.Limit, "limit", queue.DefaultPageSize, "Page size (max 100)")
	cmd.Flags().BoolVar(&all, "all", false, "Fetch every page")
	return cmd
}

func NewGetCommand() *cobra.Command {
	var showBody bool
	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one queued email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			format, err := rt.OutputFormat()
			if err != nil {
				return err
			}
			job, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("email %s not found", args[0])
				}
				return err
			}
			if format == output.FormatTable || format == output.FormatWide {
				output.WriteJob(rt.Writer(), job, showBody)
				return nil
			}
			return output.WriteObject(rt.Writer(), format, job)
		},
	}
	cmd.Flags().BoolVar(&showBody, "body", false, "Print the HTML body")
	return cmd
}

func NewRetryCommand() *cobra.Command {
	var allFailed bool
	cmd := &cobra.Command{
		Use:   "retry [ID...]",
		Short: "Reset emails to pending so the processor attempts them again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if allFailed == (len(args) > 0) {
				return errors.New("pass either email IDs or --all-failed")
			}
			rt, c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			ids := args
			if allFailed {
				jobs, err := c.ListAll(cmd.Context(), client.ListOptions{Status: string(queue.StatusFailed)})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					_, _ = fmt.Fprintln(rt.Writer(), "No failed emails")
					return nil
				}
				ids = make([]string, 0, len(jobs))
				for _, j := range jobs {
					ids = append(ids, j.ID)
				}
			}
			resp, err := c.Retry(cmd.Context(), ids)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(rt.Writer(), resp.Message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "Retry every email currently in failed status")
	return cmd
}

func NewEnqueueCommand() *cobra.Command {
	var to, subject, html, htmlFile string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an email for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if htmlFile != "" {
				data, err := os.ReadFile(htmlFile)
				if err != nil {
					return fmt.Errorf("failed to read HTML file: %w", err)
				}
				html = string(data)
			}
			if html == "" {
				return errors.New("one of --html or --html-file is required")
			}
			rt, c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			id, err := c.Enqueue(cmd.Context(), to, subject, html)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(rt.Writer(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&html, "html", "", "HTML body")
	cmd.Flags().StringVar(&htmlFile, "html-file", "", "Read the HTML body from a file")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	cmd.MarkFlagsMutuallyExclusive("html", "html-file")
	return cmd
}

func NewSendCommand() *cobra.Command {
	var req client.TemplateRequest
	cmd := &cobra.Command{
		Use:       "send TEMPLATE",
		Short:     "Queue a transactional email rendered from a server template",
		Long:      "Queue a transactional email rendered by the server. TEMPLATE is one of: " + strings.Join(mail.TemplateNames, ", "),
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: mail.TemplateNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Template = args[0]
			rt, c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			ids, err := c.SendTemplate(cmd.Context(), req)
			if err != nil {
				return err
			}
			for _, id := range ids {
				_, _ = fmt.Fprintln(rt.Writer(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.To, "to", "", "Recipient address (ignored for admin-notification)")
	cmd.Flags().StringVar(&req.Token, "link-token", "", "Link token for verify-email and password-reset")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "Greeting name for welcome")
	cmd.Flags().StringVar(&req.Title, "title", "", "Title for admin-notification")
	cmd.Flags().StringVar(&req.Message, "message", "", "Message for admin-notification")
	return cmd
}

func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server and its store are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := c.Health(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(rt.Writer(), "ok")
			return nil
		},
	}
}
