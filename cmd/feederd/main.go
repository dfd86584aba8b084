package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/superduperfeeder/feeder"
	"github.com/superduperfeeder/feeder/internal"
)

const shutdownTimeout = 30 * time.Second

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "feederd",
	Version: feeder.FullVersion(),
	Short:   "WebSub hub and feed-to-webhook bridge",
	Long: `feederd is a WebSub hub with a polling fallback: subscribers get
pushed content for topics that publish to the hub, and feeds that speak no
WebSub at all are polled on a schedule and bridged to webhooks.`,
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("debug") {
			log.SetLevel(log.DebugLevel)
		}

		svr, err := internal.NewServer(
			viper.GetString("bind"),
			internal.WithDebug(viper.GetBool("debug")),
			internal.WithData(viper.GetString("data")),
			internal.WithStore(viper.GetString("store")),
			internal.WithBaseURL(viper.GetString("base-url")),
			internal.WithHubURL(viper.GetString("hub-url")),
			internal.WithDefaultLeaseSeconds(viper.GetInt("default-lease-seconds")),
			internal.WithMaxLeaseSeconds(viper.GetInt("max-lease-seconds")),
			internal.WithDefaultPollingInterval(viper.GetInt("default-polling-interval")),
			internal.WithMinPollingInterval(viper.GetInt("min-polling-interval")),
			internal.WithQueueWorkers(viper.GetInt("queue-workers")),
			internal.WithPollSchedule(viper.GetString("poll-schedule")),
			internal.WithRenewSchedule(viper.GetString("renew-schedule")),
			internal.WithSweepSchedule(viper.GetString("sweep-schedule")),
		)
		if err != nil {
			log.WithError(err).Error("error creating server")
			os.Exit(1)
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-stop
			log.Info("shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := svr.Shutdown(ctx); err != nil {
				log.WithError(err).Error("error shutting down server")
			}
		}()

		if err := svr.Run(); err != nil {
			log.WithError(err).Error("error running server")
			os.Exit(1)
		}
	},
}

func init() {
	flags := RootCmd.Flags()

	flags.Bool("debug", internal.DefaultDebug, "enable debug logging")
	flags.StringP("bind", "b", "0.0.0.0:8080", "[int]:<port> to bind to")
	flags.StringP("data", "d", internal.DefaultData, "data directory")
	flags.StringP("store", "s", internal.DefaultStore, "data store uri (defaults to a bitcask store in the data directory)")
	flags.StringP("base-url", "u", internal.DefaultBaseURL, "base url this instance is reachable at")
	flags.String("hub-url", "", "hub url advertised in Link headers (defaults to the base url)")
	flags.Int("default-lease-seconds", internal.DefaultLeaseSeconds, "lease granted when a subscriber requests none")
	flags.Int("max-lease-seconds", internal.DefaultMaxLeaseSeconds, "longest lease a subscriber may request")
	flags.Int("default-polling-interval", internal.DefaultPollingIntervalMinutes, "default feed polling interval in minutes")
	flags.Int("min-polling-interval", internal.DefaultMinPollingIntervalMinutes, "minimum feed polling interval in minutes")
	flags.Int("queue-workers", internal.DefaultQueueWorkers, "number of queue dispatch workers")
	flags.String("poll-schedule", internal.DefaultPollSchedule, "cron schedule of the polling tick")
	flags.String("renew-schedule", internal.DefaultRenewSchedule, "cron schedule of subscription renewal")
	flags.String("sweep-schedule", internal.DefaultSweepSchedule, "cron schedule of the expiry sweep")

	if err := viper.BindPFlags(flags); err != nil {
		log.WithError(err).Error("error binding flags")
		os.Exit(1)
	}

	viper.SetEnvPrefix("FEEDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
