package account

import (
	"context"
	"errors"
	"fmt"

	"smartthings-go-home/internal/status"
)

// ErrInvalidArguments is returned when command arguments do not match the
// capability's argument schemas.
var ErrInvalidArguments = errors.New("invalid command arguments")

// CommandRequest is a raw device command addressed to an account.
type CommandRequest struct {
	// Account selects the account; it may be empty when only one is
	// configured.
	Account    string `json:"account,omitempty"`
	DeviceID   string `json:"device_id"`
	Component  string `json:"component,omitempty"`
	Capability string `json:"capability"`
	Command    string `json:"command"`
	Arguments  []any  `json:"arguments,omitempty"`
}

func (req *CommandRequest) normalize() error {
	if req.DeviceID == "" || req.Capability == "" || req.Command == "" {
		return fmt.Errorf("%w: device_id, capability and command are required", ErrInvalidArguments)
	}
	if req.Component == "" {
		req.Component = status.MainComponent
	}
	if req.Arguments == nil {
		req.Arguments = []any{}
	}
	return nil
}

// SendCommand validates a raw command, sends it through the resolved
// account and asks that account's coordinator for a refresh.
func (r *Registry) SendCommand(ctx context.Context, req CommandRequest) error {
	if err := req.normalize(); err != nil {
		return err
	}
	a, err := r.Resolve(req.Account)
	if err != nil {
		return err
	}
	if err := r.validate(ctx, a, req); err != nil {
		return err
	}
	if err := a.Client.ExecuteCommand(ctx, req.DeviceID, req.Component, req.Capability, req.Command, req.Arguments); err != nil {
		return err
	}
	if a.Coordinator != nil {
		a.Coordinator.RequestRefresh()
	}
	return nil
}

// validate checks arguments against the command definition when one can be
// found. Missing definitions and schemas that do not compile are not errors.
func (r *Registry) validate(ctx context.Context, a *Account, req CommandRequest) error {
	version := 1
	if a.Coordinator != nil {
		if dev, ok := a.Coordinator.Snapshot().Device(req.DeviceID); ok {
			if v, ok := dev.CapabilityVersions(req.Component)[req.Capability]; ok {
				version = v
			}
		}
	}
	def, err := a.Client.CapabilityDefinition(ctx, req.Capability, version)
	if err != nil || def == nil {
		return nil
	}
	cmd, ok := def.Commands[req.Command]
	if !ok {
		return nil
	}

	required := 0
	for _, arg := range cmd.Arguments {
		if !arg.Optional {
			required++
		}
	}
	if len(req.Arguments) < required || len(req.Arguments) > len(cmd.Arguments) {
		return fmt.Errorf("%w: %s.%s takes %d to %d arguments, got %d",
			ErrInvalidArguments, req.Capability, req.Command, required, len(cmd.Arguments), len(req.Arguments))
	}
	for i, value := range req.Arguments {
		arg := cmd.Arguments[i]
		if err := r.validator.Validate(arg.Schema.Raw, value); err != nil {
			return fmt.Errorf("%w: argument %q: %v", ErrInvalidArguments, arg.Name, err)
		}
	}
	return nil
}
