// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mlinux-apps/lora-mqtt-bridge/backend"
	"github.com/mlinux-apps/lora-mqtt-bridge/backend/amqp"
	"github.com/mlinux-apps/lora-mqtt-bridge/backend/mqtt"
	"github.com/mlinux-apps/lora-mqtt-bridge/bridge"
	bridgeconfig "github.com/mlinux-apps/lora-mqtt-bridge/config"
	"github.com/mlinux-apps/lora-mqtt-bridge/status"
	"github.com/mlinux-apps/lora-mqtt-bridge/sysinfo"
)

// BridgeCmd is the main command that is executed when running lora-mqtt-bridge
var BridgeCmd = &cobra.Command{
	Use:   "lora-mqtt-bridge",
	Short: "Bridge between the local LoRa broker and remote MQTT brokers",
	Long:  `lora-mqtt-bridge forwards filtered uplinks from the local broker to remote brokers and routes downlinks back`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		level := log.InfoLevel
		if config.GetBool("debug") {
			level = log.DebugLevel
		}
		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
	},
	Run: runBridge,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

func runBridge(cmd *cobra.Command, args []string) {
	configFile := config.GetString("config")
	cfg, err := bridgeconfig.Load(ctx, configFile)
	if err != nil {
		ctx.WithError(err).WithField("File", configFile).Fatal("Could not load configuration")
	}

	b := bridge.New(ctx)
	b.SetHealthInterval(time.Duration(cfg.HealthInterval) * time.Second)

	localTLS, err := cfg.LocalBroker.TLS.Build()
	if err != nil {
		ctx.WithError(err).Fatal("Could not set up TLS for the local broker")
	}
	local := mqtt.New(mqtt.Config{
		Name:      "local",
		Host:      cfg.LocalBroker.Host,
		Port:      cfg.LocalBroker.Port,
		ClientID:  cfg.LocalBroker.ClientID,
		Username:  cfg.LocalBroker.Username,
		Password:  cfg.LocalBroker.Password,
		Keepalive: time.Duration(cfg.LocalBroker.Keepalive) * time.Second,
		TLSConfig: localTLS,
	}, ctx)
	b.SetLocal(local, cfg.LocalBroker.Format(), cfg.LocalBroker.Host, cfg.LocalBroker.Port)

	applyRemotes(ctx, b, cfg)

	if err := b.Start(); err != nil {
		ctx.WithError(err).Fatal("Could not start bridge")
	}
	defer func() {
		b.Stop()
		time.Sleep(100 * time.Millisecond)
	}()

	statusDir := config.GetString("status-dir")
	if statusDir == "" {
		statusDir = cfg.Status.Dir
	}
	writer := status.NewWriter(ctx, statusDir, time.Duration(cfg.Status.Interval)*time.Second, b.Status)
	writer.Start()
	defer writer.Stop()

	if metricsAddress := config.GetString("metrics-address"); metricsAddress != "" && metricsAddress != "disable" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			ctx.WithField("Address", metricsAddress).Info("Serving metrics")
			if err := http.ListenAndServe(metricsAddress, mux); err != nil {
				ctx.WithError(err).Error("Could not serve metrics")
			}
		}()
	}

	if config.GetBool("watch-config") {
		watcher, err := bridgeconfig.Watch(ctx, configFile, func(newConfig *bridgeconfig.Config) {
			applyRemotes(ctx, b, newConfig)
		})
		if err != nil {
			ctx.WithError(err).Warn("Could not watch configuration file")
		} else {
			defer watcher.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")
}

// applyRemotes reconciles the remote brokers of the bridge with the
// configuration: brokers that disappeared are removed, new ones are added and
// existing ones are replaced so that filter changes take effect.
func applyRemotes(ctx log.Interface, b *bridge.Bridge, cfg *bridgeconfig.Config) {
	desired := make(map[string]bool)
	for _, remoteConfig := range cfg.RemoteBrokers {
		if remoteConfig.IsEnabled() {
			desired[remoteConfig.Name] = true
		}
	}
	for _, name := range b.RemoteNames() {
		if !desired[name] {
			b.RemoveRemote(name)
			ctx.WithField("Remote", name).Info("Removed remote broker")
		}
	}
	for _, remoteConfig := range cfg.RemoteBrokers {
		if !remoteConfig.IsEnabled() {
			continue
		}
		remote, err := buildRemote(ctx, remoteConfig)
		if err != nil {
			ctx.WithField("Remote", remoteConfig.Name).WithError(err).Error("Could not set up remote broker")
			continue
		}
		if _, ok := b.Remote(remoteConfig.Name); ok {
			b.RemoveRemote(remoteConfig.Name)
		}
		b.AddRemote(remote)
	}
}

func buildRemote(ctx log.Interface, cfg bridgeconfig.RemoteBrokerConfig) (*bridge.Remote, error) {
	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	var client backend.Client
	switch cfg.Transport {
	case bridgeconfig.TransportAMQP:
		client = amqp.New(amqp.Config{
			Name:      cfg.Name,
			Host:      cfg.Host,
			Port:      cfg.Port,
			Username:  cfg.Username,
			Password:  cfg.Password,
			VHost:     cfg.VHost,
			Exchange:  cfg.Exchange,
			TLSConfig: tlsConfig,
		}, ctx)
	default:
		client = mqtt.New(mqtt.Config{
			Name:         cfg.Name,
			Host:         cfg.Host,
			Port:         cfg.Port,
			ClientID:     cfg.ClientID,
			Username:     cfg.Username,
			Password:     cfg.Password,
			Keepalive:    time.Duration(cfg.Keepalive) * time.Second,
			CleanSession: cfg.CleanSession,
			QoS:          byte(cfg.QoSLevel()),
			Retain:       cfg.RetainMessages(),
			TLSConfig:    tlsConfig,
		}, ctx)
	}
	messageFilter, err := cfg.MessageFilter.Build()
	if err != nil {
		return nil, err
	}
	downlinkTopic := strings.Replace(cfg.DownlinkTopic, "%(gwuuid)s", sysinfo.GatewayUUID(ctx), -1)
	remote := bridge.NewRemote(ctx, bridge.RemoteOptions{
		Name:          cfg.Name,
		Client:        client,
		Filter:        messageFilter,
		Fields:        cfg.FieldFilter.Build(),
		UplinkPattern: cfg.Topics.UplinkPattern,
		DownlinkTopic: downlinkTopic,
		Formats:       cfg.Formats(),
		MaxQueueSize:  cfg.MaxQueueSize,
		GatewayUUID: func() string {
			return sysinfo.GatewayUUID(ctx)
		},
	})
	if mqttClient, ok := client.(*mqtt.MQTT); ok {
		mqttClient.OnConnect(remote.Drain)
	}
	return remote, nil
}

func init() {
	BridgeCmd.Flags().String("config", "/var/config/lora-mqtt-bridge/config.json", "Location of the configuration file")
	BridgeCmd.Flags().Bool("watch-config", true, "Reload the configuration file when it changes")
	BridgeCmd.Flags().String("log-file", "", "Location of the log file")
	BridgeCmd.Flags().Bool("debug", false, "Log debug messages")
	BridgeCmd.Flags().String("status-dir", "", "Directory for status.json (defaults to $APP_DIR)")
	BridgeCmd.Flags().String("metrics-address", "", "Address to serve Prometheus metrics on (disable with \"disable\")")

	viper.BindPFlags(BridgeCmd.Flags())
}
