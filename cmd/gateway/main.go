// Command gateway runs the vineyard edge gateway: it ingests field-node
// telemetry over UDP and LoRa, validates and republishes it to the cloud
// MQTT broker (buffering durably when disconnected), routes downlink
// commands back to their originating node, and serves an HTTP health
// endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vineguard/edge-gateway/internal/config"
	"github.com/vineguard/edge-gateway/internal/core"
	"github.com/vineguard/edge-gateway/internal/health"
	"github.com/vineguard/edge-gateway/internal/logger"
	"github.com/vineguard/edge-gateway/internal/mqttclient"
	"github.com/vineguard/edge-gateway/internal/queue"
	"github.com/vineguard/edge-gateway/internal/source/lora"
	"github.com/vineguard/edge-gateway/internal/source/udp"
	"github.com/vineguard/edge-gateway/internal/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: config: %s\n", err)
		os.Exit(1)
	}

	lg := logger.New(os.Stdout, cfg.LogLevel)

	q, err := queue.Open(cfg.QueueDBPath, lg.With(map[string]any{"component": "queue"}))
	if err != nil {
		lg.Fatalf("open persistent queue: %s", err)
	}

	// The MQTT client needs a message handler that in turn needs the
	// gateway core, but the core needs an already-constructed client to
	// publish through. We break the cycle the same way the gateway's
	// original prototype does: hold a settable reference the client's
	// callback reads lazily, and fill it in once the core exists.
	var gc *core.Gateway
	onMessage := func(topic string, payload []byte) {
		if gc != nil {
			gc.HandleCommand(topic, payload)
		}
	}

	mq, err := mqttclient.New(cfg, onMessage, lg.With(map[string]any{"component": "mqtt"}))
	if err != nil {
		lg.Fatalf("construct mqtt client: %s", err)
	}

	v := validator.New()
	gc = core.New(cfg.GatewayID, v, q, mq, lg.With(map[string]any{"component": "core"}))

	if cfg.EnableUDPSource {
		udpSrc := udp.New(cfg.UDPListenHost, cfg.UDPListenPort, gc.HandleMessage,
			lg.With(map[string]any{"component": "source.udp"}))
		gc.AddSource(udpSrc)
	}
	if cfg.EnableLoRaSource {
		loraOpts := []lora.Option{}
		if cfg.LoRaFixturePath != "" {
			extra, err := lora.LoadSimulatedNodesFromYAML(cfg.LoRaFixturePath)
			if err != nil {
				lg.Warnf("lora fixture file ignored: %s", err)
			} else {
				nodes := lora.MergeSimulatedNodes(lora.DefaultSimulatedNodes, extra)
				loraOpts = append(loraOpts, lora.WithSimulatedNodes(nodes))
			}
		}
		loraSrc := lora.New(nil, cfg.LoRaForceSimulation, gc.HandleMessage,
			lg.With(map[string]any{"component": "source.lora"}), loraOpts...)
		gc.AddSource(loraSrc)
	}

	hs := health.New("0.0.0.0", cfg.HealthPort, func() any { return gc.BuildHealthStatus() },
		lg.With(map[string]any{"component": "health"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mq.Start()
	if err := gc.StartSources(ctx); err != nil {
		lg.Fatalf("start sources: %s", err)
	}
	hs.Start()

	lg.Infof("vineguard edge gateway running: gatewayId=%s healthPort=%d", cfg.GatewayID, cfg.HealthPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	lg.Infof("shutting down")

	if err := hs.Stop(); err != nil {
		lg.Warnf("health server shutdown: %s", err)
	}
	if err := gc.StopSources(); err != nil {
		lg.Warnf("stop sources: %s", err)
	}
	mq.Stop()
	if err := q.Close(); err != nil {
		lg.Warnf("close queue: %s", err)
	}
}
