// Command aero-signal-probe logs into a signaling relay, prints who is online
// and optionally follows membership changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/signaling"
)

const envVarProbeURL = "AERO_SIGNAL_PROBE_URL"

func main() {
	_ = godotenv.Load()

	defaultURL := os.Getenv(envVarProbeURL)
	if defaultURL == "" {
		defaultURL = "ws://localhost:9000/"
	}

	url := flag.String("url", defaultURL, "Signaling WebSocket URL (env "+envVarProbeURL+")")
	name := flag.String("name", "probe-"+uuid.NewString()[:8], "Name to log in as")
	watch := flag.Bool("watch", false, "Keep the connection open and print membership changes")
	timeout := flag.Duration("timeout", 10*time.Second, "Timeout for connecting and logging in")
	attempts := flag.Int("attempts", 3, "Connection attempts before giving up")
	verbose := flag.Bool("v", false, "Log connection attempts to stderr")
	flag.Parse()

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, *url, *name, *watch, *timeout, *attempts, logger); err != nil {
		fmt.Fprintln(os.Stderr, color.Red.Sprint(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, url, name string, watch bool, timeout time.Duration, attempts int, logger *slog.Logger) error {
	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.Dial(loginCtx, url, client.Options{
		Logger:      logger,
		MaxAttempts: attempts,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer c.Close()

	fmt.Fprintf(out, "connected to %s: %s\n", url, c.Greeting())

	users, err := c.Login(loginCtx, name)
	if err != nil {
		return fmt.Errorf("login as %q: %w", name, err)
	}
	fmt.Fprintf(out, "logged in as %s\n", color.Green.Sprint(name))
	renderUsers(out, users)

	if !watch {
		return nil
	}
	return follow(ctx, out, c)
}

func renderUsers(out io.Writer, users []string) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "User"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, u := range users {
		table.Append([]string{fmt.Sprint(i + 1), u})
	}
	table.Render()
	if len(users) == 0 {
		fmt.Fprintln(out, "no other users online")
	}
}

func follow(ctx context.Context, out io.Writer, c *client.Client) error {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, client.ErrClosed) {
				return nil
			}
			return err
		}
		ts := time.Now().Format("15:04:05")
		switch msg.Type {
		case signaling.TypeUpdateUsers:
			fmt.Fprintf(out, "%s %s %s\n", ts, color.Green.Sprint("+"), userName(msg))
		case signaling.TypeRemoveUser:
			fmt.Fprintf(out, "%s %s %s\n", ts, color.Red.Sprint("-"), userName(msg))
		default:
			fmt.Fprintf(out, "%s %s %s\n", ts, color.Gray.Sprint(msg.Type), strings.TrimSpace(msg.Name))
		}
	}
}

func userName(msg client.Message) string {
	if msg.User != nil {
		return msg.User.UserName
	}
	return ""
}
