package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/robotlink/internal/auth"
	"github.com/nerrad567/robotlink/internal/device"
	"github.com/nerrad567/robotlink/internal/protocol"
)

func newRefreshCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Print every robot attribute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := cfg.connect(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.close()
			return printJSON(cmd.OutOrStdout(), s.client.Mirror().Snapshot())
		},
	}
}

func newQueryCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "query <operation> [key=value ...]",
		Short: "Run a query operation and print its data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			s, err := cfg.connect(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
			defer cancel()
			data, err := s.client.Query(ctx, args[0], params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

// errOperationFailed is returned by submit --wait when the operation ends
// with an error.
var errOperationFailed = errors.New("operation failed")

func newSubmitCommand(cfg *cliConfig) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <operation> [key=value ...]",
		Short: "Start an operation and print its handle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			s, err := cfg.connect(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			var tracker *lifecycle
			if wait {
				tracker = newLifecycle(out)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
			defer cancel()
			var h protocol.Handle
			if tracker != nil {
				h, err = s.client.Submit(ctx, args[0], params, tracker.observe)
			} else {
				h, err = s.client.Submit(ctx, args[0], params, nil)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "handle %d\n", h)

			if tracker == nil {
				return nil
			}
			return tracker.wait(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "print lifecycle events until the operation ends")
	return cmd
}

// lifecycle prints operation events and records how the operation ended.
type lifecycle struct {
	out  io.Writer
	mu   sync.Mutex
	done chan struct{}
	err  error
	once sync.Once
}

func newLifecycle(out io.Writer) *lifecycle {
	return &lifecycle{out: out, done: make(chan struct{})}
}

func (l *lifecycle) observe(h protocol.Handle, stage protocol.Stage, message, errMsg *string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%d %s", h, stage)
	if message != nil {
		line += " " + *message
	}
	if errMsg != nil {
		line += " error: " + *errMsg
	}
	fmt.Fprintln(l.out, line)

	if stage == protocol.StageEnd {
		l.once.Do(func() {
			if errMsg != nil {
				l.err = fmt.Errorf("%w: %s", errOperationFailed, *errMsg)
			}
			close(l.done)
		})
	}
}

func (l *lifecycle) wait(ctx context.Context) error {
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newWatchCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [attribute ...]",
		Short: "Print attribute changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = device.Attributes()
			}
			for _, name := range names {
				if !device.IsAttribute(name) {
					return fmt.Errorf("unknown attribute %q", name)
				}
			}

			s, err := cfg.connect(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.close()

			p := &linePrinter{out: cmd.OutOrStdout()}
			for _, name := range names {
				cancel := s.client.Observers().Observe(name, p.print)
				defer cancel()
			}
			<-cmd.Context().Done()
			return nil
		},
	}
}

// linePrinter writes one "time name=value" line per notification.
type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *linePrinter) print(name string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s=%s\n", time.Now().Format(time.RFC3339), name, formatValue(value))
}

func newTokenCommand(_ *cliConfig) *cobra.Command {
	var (
		secret  string
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("ROBOTLINK_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or ROBOTLINK_JWT_SECRET is required")
			}
			token, err := auth.GenerateAccessToken(subject, auth.Role(role), secret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&secret, "secret", "", "JWT signing secret (default $ROBOTLINK_JWT_SECRET)")
	flags.StringVar(&subject, "subject", "robotctl", "token subject")
	flags.StringVar(&role, "role", string(auth.RoleOperator), "role: "+roleList())
	flags.DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}

func roleList() string {
	roles := make([]string, 0, len(auth.ValidRoles))
	for _, r := range auth.ValidRoles {
		roles = append(roles, string(r))
	}
	return strings.Join(roles, "|")
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the robotctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "robotctl %s\n", version)
			return err
		},
	}
}
