package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/logging"
)

// Command errors. None of them closes the connection.
var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownAction    = errors.New("unknown action")
	ErrMissingTarget    = errors.New("missing target")
	ErrMissingParameter = errors.New("missing parameter")
)

// commandMessage is the JSON shape of an inbound command. "player" is accepted as
// an alias of "target".
type commandMessage struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Player string `json:"player"`
	Level  *int   `json:"level"`
	Amount *int   `json:"amount"`
}

// ParseCommand decodes one text message into a command.
func ParseCommand(message string) (simwatch.Command, error) {
	var msg commandMessage
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return simwatch.Command{}, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}

	action := simwatch.Action(strings.ToLower(strings.TrimSpace(msg.Action)))
	if action == "" {
		return simwatch.Command{}, fmt.Errorf("%w: action is required", ErrMalformedCommand)
	}

	target := strings.TrimSpace(msg.Target)
	if target == "" {
		target = strings.TrimSpace(msg.Player)
	}

	cmd := simwatch.Command{Action: action, Target: target}
	switch action {
	case simwatch.ActionSet:
		if msg.Level == nil {
			return simwatch.Command{}, fmt.Errorf("%w: set requires level", ErrMissingParameter)
		}
		cmd.Value = *msg.Level
	case simwatch.ActionAdd:
		if msg.Amount == nil {
			return simwatch.Command{}, fmt.Errorf("%w: add requires amount", ErrMissingParameter)
		}
		cmd.Value = *msg.Amount
	case simwatch.ActionClear:
	default:
		return simwatch.Command{}, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}

	if cmd.Target == "" {
		return simwatch.Command{}, fmt.Errorf("%w: %s", ErrMissingTarget, action)
	}
	return cmd, nil
}

// Dispatcher turns inbound text messages into tasks on the host's owning goroutine.
// It never mutates host state itself.
type Dispatcher struct {
	sink   simwatch.CommandSink
	logger *slog.Logger

	dispatched atomic.Int64
	rejected   atomic.Int64
}

// NewDispatcher creates a dispatcher that submits commands to sink.
func NewDispatcher(sink simwatch.CommandSink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sink:   sink,
		logger: logging.OrNop(logger),
	}
}

// Dispatch handles one message from clientID. Empty and whitespace-only messages
// are keepalives and ignored. A message that does not parse is logged and its
// error returned; the caller keeps the connection open either way.
func (d *Dispatcher) Dispatch(clientID, message string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}

	cmd, err := ParseCommand(message)
	if err != nil {
		d.rejected.Add(1)
		d.logger.Warn("rejected command", "clientId", clientID, "error", err)
		return err
	}

	err = d.sink.Execute(func() {
		if err := d.sink.Apply(cmd); err != nil {
			d.logger.Warn("command not applied",
				"clientId", clientID, "action", cmd.Action, "target", cmd.Target, "error", err)
		}
	})
	if err != nil {
		d.rejected.Add(1)
		d.logger.Warn("failed to queue command", "clientId", clientID, "action", cmd.Action, "error", err)
		return fmt.Errorf("failed to queue command: %w", err)
	}

	d.dispatched.Add(1)
	d.logger.Debug("command queued", "clientId", clientID, "action", cmd.Action, "target", cmd.Target)
	return nil
}

// Stats returns how many commands were queued and how many were rejected.
func (d *Dispatcher) Stats() (dispatched, rejected int64) {
	return d.dispatched.Load(), d.rejected.Load()
}
