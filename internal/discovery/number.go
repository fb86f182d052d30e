package discovery

import (
	"context"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

// numberRule maps commands with a single numeric argument to number
// entities. The range comes from the argument schema and may be overridden
// by settable<Arg>Min/Max/Step attributes in status.
type numberRule struct{}

func (numberRule) Platform() string { return PlatformNumber }

func (numberRule) Discover(ctx context.Context, s *Scan) {
	s.eachDeclaredCapability(true, func(dev api.Device, compID, capID string, version int, capStatus map[string]any) {
		def := s.Definition(ctx, capID, version)
		if def == nil {
			return
		}
		for _, name := range def.CommandNames() {
			args := def.Commands[name].Arguments
			if len(args) != 1 {
				continue
			}
			schema := args[0].Schema
			if schema.Type != "number" && schema.Type != "integer" {
				continue
			}
			arg := args[0].Name
			if _, ok := capStatus[arg]; arg == "" || !ok {
				continue
			}

			prefix := "settable" + upperFirst(arg)
			lo := overrideBound(capStatus, prefix+"Min", schema.Minimum)
			hi := overrideBound(capStatus, prefix+"Max", schema.Maximum)
			step := overrideBound(capStatus, prefix+"Step", schema.MultipleOf)
			if lo == nil && hi == nil {
				s.logger.Debug("number without bounds skipped", "device", dev.DeviceID, "component", compID, "capability", capID, "argument", arg)
				continue
			}

			spec := NumberSpec{Command: name, Step: step}
			if lo != nil {
				spec.Min = *lo
			}
			if hi != nil {
				spec.Max = *hi
			} else {
				spec.Max = s.Options.NumberDefaultMax
				if cur, ok := numericValue(status.AttributeValue(capStatus, arg)); ok && cur*2 != 0 {
					spec.Max = cur * 2
				}
			}

			key := joinKey(dev.DeviceID, compID, capID, arg, name)
			if s.Seen(key) {
				continue
			}
			ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Attribute: arg, Command: name}
			d := s.descriptor(PlatformNumber, key, dev, ref, status.CapabilityTail(capID)+"."+arg)
			d.Number = &spec
			s.Add(d)
		}
	})
}

// overrideBound prefers a numeric status attribute over the schema bound.
func overrideBound(capStatus map[string]any, attr string, fallback *float64) *float64 {
	if f, ok := numericValue(status.AttributeValue(capStatus, attr)); ok {
		return &f
	}
	return fallback
}
