package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"smartthings-go-home/internal/api"
	"smartthings-go-home/internal/status"
)

const (
	supportedOptionsCap = "custom.supportedOptions"
	setCourseCommand    = "setCourse"
)

// selectRule maps enumerated commands to select entities. It knows three
// sources of options: the course list of custom.supportedOptions, enum
// argument schemas, and (in aggressive mode) supported* list attributes.
type selectRule struct{}

func (selectRule) Platform() string { return PlatformSelect }

func (selectRule) Discover(ctx context.Context, s *Scan) {
	s.eachDeclaredCapability(true, func(dev api.Device, compID, capID string, version int, capStatus map[string]any) {
		def := s.Definition(ctx, capID, version)
		if def == nil {
			return
		}
		add := func(key, attr, suffix string, spec SelectSpec, disabled bool) {
			if s.Seen(key) {
				return
			}
			ref := Ref{DeviceID: dev.DeviceID, ComponentID: compID, CapabilityID: capID, Attribute: attr, Command: spec.Command}
			d := s.descriptor(PlatformSelect, key, dev, ref, suffix)
			d.Select = &spec
			d.DisabledByDefault = disabled
			s.Add(d)
		}

		if capID == supportedOptionsCap && def.HasCommand(setCourseCommand) {
			if courses := listValue(capStatus, "supportedCourses"); len(courses) > 0 {
				add(joinKey(dev.DeviceID, compID, capID, "course", setCourseCommand), "course", "course",
					SelectSpec{Command: setCourseCommand, Options: courses}, false)
			}
		}

		for _, name := range def.CommandNames() {
			args := def.Commands[name].Arguments
			if len(args) != 1 || len(args[0].Schema.Enum) == 0 {
				continue
			}
			arg := args[0].Name
			if _, ok := capStatus[arg]; arg == "" || !ok {
				continue
			}
			options := make([]string, 0, len(args[0].Schema.Enum)+1)
			for _, v := range args[0].Schema.Enum {
				options = append(options, OptionString(v))
			}
			if cur := status.AttributeValue(capStatus, arg); cur != nil && !contains(options, OptionString(cur)) {
				options = append([]string{OptionString(cur)}, options...)
			}
			add(joinKey(dev.DeviceID, compID, capID, arg, name), arg, selectSuffix(compID, capID, arg),
				SelectSpec{Command: name, Options: options}, false)
		}

		if !s.Options.Aggressive {
			return
		}
		for _, attr := range sortedKeys(capStatus) {
			if !strings.HasPrefix(attr, "supported") {
				continue
			}
			options := listValue(capStatus, attr)
			if len(options) == 0 || len(options) > s.Options.MaxHeuristicOptions {
				continue
			}
			current := currentAttribute(capStatus, attr)
			if current == "" || status.AttributeValue(capStatus, current) == nil {
				continue
			}
			cmd := "set" + upperFirst(current)
			c, ok := def.Commands[cmd]
			if !ok || len(c.Arguments) != 1 {
				continue
			}
			add(joinKey(dev.DeviceID, compID, capID, current, cmd), current, selectSuffix(compID, capID, current),
				SelectSpec{Command: cmd, Options: options}, len(options) > s.Options.DisableAboveOptions)
		}
	})
}

// currentAttribute maps a supported* list attribute to the attribute holding
// the current value, e.g. supportedModes -> mode.
func currentAttribute(capStatus map[string]any, supported string) string {
	tail := strings.TrimPrefix(supported, "supported")
	if tail == "" || tail == supported {
		return ""
	}
	cand := lowerFirst(tail)
	candidates := []string{cand}
	if strings.HasSuffix(cand, "s") {
		candidates = append(candidates, strings.TrimSuffix(cand, "s"))
	}
	if strings.HasSuffix(cand, "es") {
		candidates = append(candidates, strings.TrimSuffix(cand, "es"))
	}
	if strings.HasSuffix(cand, "ies") {
		candidates = append(candidates, strings.TrimSuffix(cand, "ies")+"y")
	}
	for _, c := range candidates {
		if _, ok := capStatus[c]; ok {
			return c
		}
	}
	return ""
}

func selectSuffix(compID, capID, attr string) string {
	suffix := status.CapabilityTail(capID) + "." + attr
	if compID != status.MainComponent {
		return compID + "." + suffix
	}
	return suffix
}

// listValue returns a list attribute's items as strings, or nil.
func listValue(capStatus map[string]any, attr string) []string {
	items, ok := status.AttributeValue(capStatus, attr).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, OptionString(it))
	}
	return out
}

// OptionString renders a value as a select option.
func OptionString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
