package loadgen

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Device is one simulated host publishing metric bundles at a fixed rate.
type Device struct {
	ID               string
	MessageRate      float64
	PayloadGenerator PayloadGenerator
}

// PayloadGenerator builds the bytes a device publishes.
type PayloadGenerator interface {
	GeneratePayload(device *Device) ([]byte, error)
}

// Client delivers payloads to the broker.
type Client interface {
	Connect() error
	Disconnect()
	Publish(ctx context.Context, device *Device) error
}

// LoadGenerator runs every device against one client for a fixed duration.
type LoadGenerator struct {
	client  Client
	devices []*Device
	logger  zerolog.Logger
}

// NewLoadGenerator creates a new LoadGenerator.
func NewLoadGenerator(client Client, devices []*Device, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:  client,
		devices: devices,
		logger:  logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run publishes from every device until duration elapses or ctx is done.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) error {
	lg.logger.Info().Int("num_devices", len(lg.devices)).Dur("duration", duration).Msg("Starting load generator")

	if err := lg.client.Connect(); err != nil {
		lg.logger.Error().Err(err).Msg("Failed to connect client")
		return err
	}
	defer lg.client.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, device := range lg.devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			lg.runDevice(ctx, d)
		}(device)
	}

	wg.Wait()
	lg.logger.Info().Msg("Load generator finished")
	return nil
}

func (lg *LoadGenerator) runDevice(ctx context.Context, device *Device) {
	if device.MessageRate <= 0 {
		lg.logger.Warn().Str("device_id", device.ID).Msg("Device has a message rate of 0, no messages will be sent")
		return
	}

	limiter := rate.NewLimiter(rate.Limit(device.MessageRate), 1)
	lg.logger.Info().Str("device_id", device.ID).Float64("rate_hz", device.MessageRate).Msg("Device starting")

	for {
		if err := limiter.Wait(ctx); err != nil {
			lg.logger.Info().Str("device_id", device.ID).Msg("Device stopping")
			return
		}
		if err := lg.client.Publish(ctx, device); err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to publish message")
		}
	}
}
