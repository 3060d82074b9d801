package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-turn-scheduling/internal/feed"
	"github.com/hackgods/clinic-turn-scheduling/internal/logging"
	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
)

type options struct {
	api         string
	user        string
	institution string
	date        string
	logLevel    string
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "queue-console",
		Short:        "Desk console for the daily patient queue",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.api, "api", envOr("QUEUE_API", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("QUEUE_USER"), "User id sent as X-User-ID")
	rootCmd.PersistentFlags().StringVar(&opts.institution, "institution", os.Getenv("QUEUE_INSTITUTION"), "Institution id")
	rootCmd.PersistentFlags().StringVar(&opts.date, "date", "", "Queue day (YYYY-MM-DD), defaults to today")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(watchCmd(opts))
	rootCmd.AddCommand(listCmd(opts))
	rootCmd.AddCommand(addCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) institutionID() (uuid.UUID, error) {
	if o.institution == "" {
		return uuid.Nil, errors.New("--institution is required")
	}
	id, err := uuid.Parse(o.institution)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --institution: %w", err)
	}
	return id, nil
}

func (o *options) day() string {
	if o.date != "" {
		return o.date
	}
	return queue.Today(time.Now(), time.Local)
}

func (o *options) logger() zerolog.Logger {
	return logging.New("dev", o.logLevel)
}

// console is a loaded queue mirror plus what its user may see of it. The
// feed delivers every ticket of the day, so output always goes through the
// visibility projection.
type console struct {
	eng    *queue.Engine
	client *queue.HTTPClient
	vis    queue.Visibility
}

func (c *console) visible() []queue.Item {
	return c.eng.Visible(c.vis, queue.Filter{})
}

// open resolves the user's visibility, then builds and loads the mirror.
// onChange receives the already projected view.
func (o *options) open(ctx context.Context, onError func(error), onChange func([]queue.Item)) (*console, error) {
	inst, err := o.institutionID()
	if err != nil {
		return nil, err
	}
	client := queue.NewHTTPClient(o.api, o.user)

	vis, err := client.Visibility(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("resolve visibility: %w", err)
	}

	cfg := queue.EngineConfig{
		InstitutionID: inst,
		Date:          o.day(),
		Writer:        client,
		Logger:        o.logger(),
		OnError:       onError,
	}
	if onChange != nil {
		cfg.OnChange = func(items []queue.Item) { onChange(queue.Project(items, vis)) }
	}

	eng := queue.NewEngine(cfg)
	if err := eng.Load(ctx, client); err != nil {
		eng.Close()
		return nil, err
	}
	return &console{eng: eng, client: client, vis: vis}, nil
}

func watchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the queue live through the change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			c, err := opts.open(ctx,
				func(err error) { fmt.Fprintf(cmd.ErrOrStderr(), "write failed: %v\n", err) },
				func(items []queue.Item) { printQueue(out, items) },
			)
			if err != nil {
				return err
			}
			defer c.eng.Close()

			eng := c.eng
			log := opts.logger()
			sub := feed.NewSubscriber(wsURL(opts.api), []string{eng.Topic()}, log)
			sub.OnConnect = func(ctx context.Context) {
				if err := eng.Load(ctx, c.client); err != nil {
					log.Warn().Err(err).Msg("reload after reconnect failed")
				}
			}

			events := make(chan feed.Event, 64)
			go eng.Run(ctx, events)
			return sub.Run(ctx, events)
		},
	}
}

func listCmd(opts *options) *cobra.Command {
	var status, service string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := opts.institutionID()
			if err != nil {
				return err
			}

			var f queue.Filter
			if status != "" {
				s := queue.Status(status)
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				f.Statuses = []queue.Status{s}
			}
			if service != "" {
				id, err := uuid.Parse(service)
				if err != nil {
					return fmt.Errorf("invalid --service: %w", err)
				}
				f.ServiceID = &id
			}

			items, err := queue.NewHTTPClient(opts.api, opts.user).ListDay(cmd.Context(), inst, opts.day())
			if err != nil {
				return err
			}
			printQueue(cmd.OutOrStdout(), f.Apply(items))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only tickets in this status")
	cmd.Flags().StringVar(&service, "service", "", "Only tickets for this service id")
	return cmd
}

func addCmd(opts *options) *cobra.Command {
	var name, dni, service, professional string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a walk-in patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcID, err := uuid.Parse(service)
			if err != nil {
				return fmt.Errorf("invalid --service: %w", err)
			}
			ticket := queue.NewTicket{PatientName: name, PatientDNI: dni, ServiceID: svcID}
			if professional != "" {
				id, err := uuid.Parse(professional)
				if err != nil {
					return fmt.Errorf("invalid --professional: %w", err)
				}
				ticket.ProfessionalID = &id
			}

			return runMutation(cmd, opts, func(eng *queue.Engine) error {
				id, err := eng.Add(ticket)
				if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "queued %s as %s\n", name, id)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Patient name")
	cmd.Flags().StringVar(&dni, "dni", "", "Patient document number")
	cmd.Flags().StringVar(&service, "service", "", "Service id")
	cmd.Flags().StringVar(&professional, "professional", "", "Professional id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("dni")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <ticket-id> <status>",
		Short: "Move a ticket to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to := queue.Status(args[1])
			if !to.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}
			return runMutation(cmd, opts, func(eng *queue.Engine) error {
				return eng.SetStatus(args[0], to)
			})
		},
	}
}

// runMutation applies one optimistic change and waits for its write. A
// rejected write surfaces through OnError after the rollback.
func runMutation(cmd *cobra.Command, opts *options, mutate func(*queue.Engine) error) error {
	var writeErr error
	c, err := opts.open(cmd.Context(), func(err error) { writeErr = err }, nil)
	if err != nil {
		return err
	}
	defer c.eng.Close()

	if err := mutate(c.eng); err != nil {
		return err
	}
	c.eng.Wait()
	if writeErr != nil {
		return writeErr
	}

	printQueue(cmd.OutOrStdout(), c.visible())
	return nil
}

func printQueue(out io.Writer, items []queue.Item) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPATIENT\tDNI\tSTATUS\tID")
	for _, it := range items {
		id := it.ID
		if it.Temporary() {
			id += " (saving)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", it.OrderNumber, it.PatientName, it.PatientDNI, it.Status, id)
	}
	_ = tw.Flush()
	fmt.Fprintln(out)
}

func wsURL(api string) string {
	switch {
	case strings.HasPrefix(api, "https://"):
		api = "wss://" + strings.TrimPrefix(api, "https://")
	case strings.HasPrefix(api, "http://"):
		api = "ws://" + strings.TrimPrefix(api, "http://")
	}
	return strings.TrimSuffix(api, "/") + "/ws"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
