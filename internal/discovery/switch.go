package discovery

import (
	"context"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

// switchRule maps on/off style commands to switches. Patterns are tried in
// order; the first two stop at the first match for a capability.
type switchRule struct{}

func (switchRule) Platform() string { return PlatformSwitch }

func (switchRule) Discover(ctx context.Context, s *Scan) {
	s.eachDeclaredCapability(true, func(dev api.Device, compID, capID string, version int, capStatus map[string]any) {
		if !hasSwitchCandidate(capStatus) {
			return
		}
		def := s.Definition(ctx, capID, version)
		if def == nil {
			return
		}
		add := func(key, attr, command string, spec SwitchSpec) {
			if s.Seen(key) {
				return
			}
			ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Attribute: attr, Command: command}
			d := s.descriptor(PlatformSwitch, key, dev, ref, status.CapabilityTail(capID)+"."+attr)
			d.Switch = &spec
			s.Add(d)
		}

		if _, ok := capStatus["switch"]; ok && def.HasCommand("on") && def.HasCommand("off") {
			add(joinKey(dev.DeviceID, compID, capID, "switch"), "switch", "",
				SwitchSpec{StateAttribute: "switch", OnCommand: "on", OffCommand: "off"})
			return
		}
		if _, ok := capStatus["activated"]; ok && def.HasCommand("activate") && def.HasCommand("deactivate") {
			add(joinKey(dev.DeviceID, compID, capID, "activated"), "activated", "",
				SwitchSpec{StateAttribute: "activated", OnCommand: "activate", OffCommand: "deactivate"})
			return
		}

		for _, name := range def.CommandNames() {
			args := def.Commands[name].Arguments
			if len(args) != 1 || args[0].Schema.Type != "boolean" {
				continue
			}
			arg := args[0].Name
			if _, ok := capStatus[arg]; arg == "" || !ok {
				continue
			}
			add(joinKey(dev.DeviceID, compID, capID, arg, name), arg, name, SwitchSpec{
				StateAttribute: arg,
				OnCommand:      name,
				OffCommand:     name,
				OnArgs:         []any{true},
				OffArgs:        []any{false},
			})
		}
	})
}

// hasSwitchCandidate gates the definition fetch on a plausible state
// attribute.
func hasSwitchCandidate(capStatus map[string]any) bool {
	for _, a := range []string{"switch", "activated", "enabled"} {
		if _, ok := capStatus[a]; ok {
			return true
		}
	}
	for _, raw := range capStatus {
		if p, ok := raw.(map[string]any); ok {
			if _, isBool := p["value"].(bool); isBool {
				return true
			}
		}
	}
	return false
}
