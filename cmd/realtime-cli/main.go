// Command realtime-cli is a thin command-line client over the realtime
// package: connect to a host, publish one message, or subscribe and print
// messages as they arrive.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaywire/realtime-go"
	"github.com/relaywire/realtime-go/internal/connfsm"
	"github.com/relaywire/realtime-go/internal/protocol"
	"github.com/relaywire/realtime-go/internal/rtconfig"
	"github.com/relaywire/realtime-go/internal/rtlog"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	host    string
	apiKey  string
	format  string
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:     "realtime-cli",
	Short:   "realtime-cli - command-line client for the realtime pub/sub protocol",
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("realtime-cli %s (%s)\n", Version, GitCommit)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <channel> <event> <data>",
	Short: "Publish one message to a channel and exit",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer client.Close(ctx)

		ch := client.Channel(args[0])
		var data interface{} = args[2]
		var parsed interface{}
		if json.Unmarshal([]byte(args[2]), &parsed) == nil {
			data = parsed
		}
		if err := ch.Publish(ctx, args[1], data); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		fmt.Println("published")
		return nil
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <channel> [event]",
	Short: "Attach to a channel and print messages until interrupted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := client.Connect(connectCtx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer client.Close(context.Background())

		ch := client.Channel(args[0])
		eventName := ""
		if len(args) == 2 {
			eventName = args[1]
		}
		ch.Subscribe(eventName, func(m protocol.Message) {
			b, _ := json.Marshal(m)
			fmt.Println(string(b))
		})

		attachCtx, attachCancel := context.WithTimeout(ctx, 30*time.Second)
		defer attachCancel()
		if err := ch.Attach(attachCtx); err != nil {
			return fmt.Errorf("attach: %w", err)
		}

		<-ctx.Done()
		return nil
	},
}

func newClient() (*realtime.Client, error) {
	opts := rtconfig.Default()
	opts.Host = host
	opts.APIKey = apiKey
	if format == "msgpack" {
		opts.Format = protocol.FormatMsgpack
	}

	level := zerolog.InfoLevel
	if logJSON {
		level = zerolog.DebugLevel
	}
	logger := rtlog.New(level, os.Stderr)

	return realtime.New(realtime.ClientOptions{
		Host:       opts.Host,
		Format:     opts.Format,
		APIKey:     opts.APIKey,
		Logger:     &logger,
		Connection: connfsm.Options{RetryMax: opts.RetryMax, IdleSuspend: opts.IdleSuspend},
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&host, "host", "realtime.example.com", "realtime service host")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("REALTIME_API_KEY"), "API key, <app>.<keyId>:<secret>")
	rootCmd.PersistentFlags().StringVar(&format, "format", "json", "wire format: json or msgpack")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd, publishCmd, subscribeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
