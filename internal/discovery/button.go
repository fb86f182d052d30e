package discovery

import (
	"context"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

// skipButtonCommands are covered by the switch platform.
var skipButtonCommands = map[string]bool{
	"on": true, "off": true, "activate": true, "deactivate": true,
}

// buttonRule exposes every zero-argument command as a button.
type buttonRule struct{}

func (buttonRule) Platform() string { return PlatformButton }

func (buttonRule) Discover(ctx context.Context, s *Scan) {
	if !s.Options.ExposeCommandButtons {
		return
	}
	s.eachDeclaredCapability(false, func(dev api.Device, compID, capID string, version int, _ map[string]any) {
		def := s.Definition(ctx, capID, version)
		if def == nil {
			return
		}
		for _, name := range def.CommandNames() {
			if skipButtonCommands[name] || len(def.Commands[name].Arguments) > 0 {
				continue
			}
			key := joinKey(dev.DeviceID, compID, capID, name)
			if s.Seen(key) {
				continue
			}
			ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Command: name}
			s.Add(s.descriptor(PlatformButton, key, dev, ref, status.CapabilityTail(capID)+"."+name))
		}
	})
}
