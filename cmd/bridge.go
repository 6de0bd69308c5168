package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/bridge"
	"github.com/irfnriza/flowin-swm-server/internal/mqttingest"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tarm/serial"
)

var (
	bridgePort     string
	bridgeDeviceID string
)

// bridgeCmd forwards samples printed on a meter's serial console to MQTT
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Forward serial console samples to the MQTT broker",
	Long: `Reads one JSON sample per line from a water meter attached over USB
serial and publishes them in batches to the telemetry topic of that device.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runBridge(); err != nil {
			log.Fatalf("Bridge error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)

	bridgeCmd.Flags().StringVar(&bridgePort, "port", "", "serial port (overrides config file)")
	bridgeCmd.Flags().StringVar(&bridgeDeviceID, "device-id", "", "device id (overrides config file)")
}

func runBridge() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if bridgePort != "" {
		cfg.Bridge.SerialPort = bridgePort
	}
	if bridgeDeviceID != "" {
		cfg.Bridge.DeviceID = bridgeDeviceID
	}

	port, err := serial.OpenPort(&serial.Config{Name: cfg.Bridge.SerialPort, Baud: cfg.Bridge.BaudRate})
	if err != nil {
		return err
	}
	defer port.Close()

	client, err := mqttingest.Connect(cfg.MQTT, cfg.MQTT.ClientID+"-bridge-"+cfg.Bridge.DeviceID)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	topic := mqttingest.TopicFor(cfg.MQTT.Topic, cfg.Bridge.DeviceID)
	b, err := bridge.New(mqttingest.NewPublisher(client, byte(cfg.MQTT.QOS), 0), bridge.Config{
		DeviceID:  cfg.Bridge.DeviceID,
		Topic:     topic,
		BatchSize: cfg.Bridge.BatchSize,
		MaxBuffer: cfg.Bridge.MaxBuffer,
	}, log)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"serial_port": cfg.Bridge.SerialPort,
		"baud_rate":   cfg.Bridge.BaudRate,
		"topic":       topic,
	}).Info("Serial bridge started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return b.Run(ctx, port)
}
