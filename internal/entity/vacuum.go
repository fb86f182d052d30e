package entity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"smartthings-go-home/internal/discovery"
	"smartthings-go-home/internal/status"
)

const batteryCapability = "battery"

// Vacuum activities.
const (
	ActivityIdle      = "idle"
	ActivityCleaning  = "cleaning"
	ActivityPaused    = "paused"
	ActivityReturning = "returning"
	ActivityDocked    = "docked"
	ActivityError     = "error"
)

// Vacuum actions.
const (
	VacuumStart        = "start"
	VacuumPause        = "pause"
	VacuumStop         = "stop"
	VacuumReturnToBase = "return_to_base"
)

type activityRule struct {
	activity string
	words    []string
}

// activityRules map operating state substrings to activities; the first
// matching rule wins.
var activityRules = []activityRule{
	{ActivityError, []string{"error", "fail", "stuck"}},
	{ActivityPaused, []string{"pause"}},
	{ActivityReturning, []string{"home", "return", "homing"}},
	{ActivityDocked, []string{"charge", "dock"}},
	{ActivityCleaning, []string{"clean", "mop", "vacuum", "wash", "steriliz", "dry", "spin", "moving"}},
}

// fallback command sequences, tried in order until one succeeds.
var (
	stopCommands   = []string{"cancelRemainingJob", "stop", "cancel", "setOperatingState"}
	returnCommands = []string{"returnToHome", "return_to_home"}
)

// VacuumActivity maps a robot cleaner operating state to an activity.
func VacuumActivity(state any) string {
	if state == nil {
		return ActivityIdle
	}
	s := strings.ToLower(fmt.Sprint(state))
	if s == "" {
		return ActivityIdle
	}
	for _, r := range activityRules {
		for _, w := range r.words {
			if strings.Contains(s, w) {
				return r.activity
			}
		}
	}
	return ActivityIdle
}

func vacuumAttributes(capStatus, batteryStatus map[string]any) map[string]any {
	attrs := map[string]any{}
	for key, attr := range map[string]string{
		"operating_state":     "operatingState",
		"cleaning_step":       "cleaningStep",
		"homing_reason":       "homingReason",
		"map_based_available": "isMapBasedOperationAvailable",
	} {
		if v := status.AttributeValue(capStatus, attr); v != nil {
			attrs[key] = v
		}
	}
	if f, ok := status.AsFloat(status.AttributeValue(batteryStatus, "battery")); ok {
		attrs["battery_level"] = int(math.Trunc(f))
	}
	return attrs
}

// Vacuum performs a vacuum action. Stop and return to base try several
// command names, since models differ; they fail only when every candidate
// fails. A refresh is requested in every case.
func (r *Runtime) Vacuum(ctx context.Context, d discovery.Descriptor, action string) error {
	if d.Platform != discovery.PlatformVacuum {
		return ErrUnsupported
	}
	defer r.coord.RequestRefresh()

	switch action {
	case VacuumStart, VacuumPause:
		return r.send(ctx, d.Ref, action)
	case VacuumStop:
		return r.firstOf(ctx, d.Ref, stopCommands)
	case VacuumReturnToBase:
		return r.firstOf(ctx, d.Ref, returnCommands)
	}
	return fmt.Errorf("vacuum action %q: %w", action, ErrUnsupported)
}

func (r *Runtime) send(ctx context.Context, ref discovery.Ref, command string) error {
	if err := r.commander.ExecuteCommand(ctx, ref.DeviceID, status.MainComponent, ref.CapabilityID, command, []any{}); err != nil {
		return fmt.Errorf("%s %s: %w", command, ref.DeviceID, err)
	}
	return nil
}

func (r *Runtime) firstOf(ctx context.Context, ref discovery.Ref, commands []string) error {
	var errs []error
	for _, c := range commands {
		err := r.send(ctx, ref, c)
		if err == nil {
			return nil
		}
		r.logger.Debug("vacuum command failed", "device", ref.DeviceID, "command", c, "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
