//go:build no_mqtt

package main

import (
	"log/slog"

	"smartthings-go-home/internal/account"
	"smartthings-go-home/internal/coordinator"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *account.Registry, _ *coordinator.EventBus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
