package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/roomcast/roomcast/pkg/roomcast"
	"github.com/roomcast/roomcast/pkg/roomcast/config"
	"github.com/roomcast/roomcast/pkg/util"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "roomcast.yaml", "YAML config file")

	flag.Parse()
	if configFile == nil {
		flag.Usage()
		os.Exit(1)
	}

	configContents, err := os.ReadFile(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error reading config file")
	}
	var opts config.Config
	if err := yaml.Unmarshal(configContents, &opts); err != nil {
		log.Fatal().Err(err).Msg("error unmarshaling yaml file")
	}

	if opts.LogLevel != "" {
		level, err := zerolog.ParseLevel(opts.LogLevel)
		if err != nil {
			log.Fatal().Err(err).Str("level", opts.LogLevel).Msg("invalid log level")
		}
		log.Logger = log.Logger.Level(level)
	}

	var influxWriteAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		influxWriteAPI = influxdb2.NewClient(opts.InfluxDB.Host, "").WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
	}

	hub, err := roomcast.New(roomcast.Options{
		MulticastGroup:     opts.MulticastGroup,
		AudioPort:          opts.AudioPort,
		WebListenAddr:      opts.WebListenAddr,
		ChimesDir:          opts.ChimesDir,
		DeviceName:         opts.DeviceName,
		RxTimeout:          opts.RxTimeout,
		ChannelWaitTimeout: opts.ChannelWaitTimeout,
		SessionIdleTimeout: opts.SessionIdleTimeout,
		RecvBuffer:         opts.RecvBuffer,
	},
		roomcast.WithInfluxDB(influxWriteAPI),
		roomcast.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create hub")
	}

	eg, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		cancel()
		return hub.Close()
	})

	eg.Go(func() error {
		return hub.Start(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}
