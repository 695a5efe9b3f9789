package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xraph/bastion/alert"
)

// ErrActionDispatch wraps every failed alert action.
var ErrActionDispatch = errors.New("bastion: alert action dispatch failed")

// ActionHandler executes one action type.
type ActionHandler interface {
	Execute(ctx context.Context, a *alert.Instance, act alert.Action) error
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, a *alert.Instance, act alert.Action) error

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, a *alert.Instance, act alert.Action) error {
	return f(ctx, a, act)
}

// AccountLocker locks a subject's account.
type AccountLocker interface {
	LockAccount(ctx context.Context, subjectID, reason string) error
}

type blocklistLocker struct{ b *Blocklist }

func (l blocklistLocker) LockAccount(_ context.Context, subjectID, reason string) error {
	l.b.BlockPrincipal(subjectID, "account locked: "+reason)
	return nil
}

func (m *Manager) builtinHandlers() map[alert.ActionType]ActionHandler {
	return map[alert.ActionType]ActionHandler{
		alert.ActionLog:            ActionFunc(m.logAction),
		alert.ActionNotify:         ActionFunc(m.notifyAction),
		alert.ActionBlockPrincipal: ActionFunc(m.blockPrincipalAction),
		alert.ActionBlockSource:    ActionFunc(m.blockSourceAction),
		alert.ActionLockAccount:    ActionFunc(m.lockAccountAction),
	}
}

// execute runs actions in ascending priority. Actions with equal priority
// keep their declared order. A failing action is logged and reported to
// plugins; the remaining actions still run.
func (m *Manager) execute(ctx context.Context, a *alert.Instance, actions []alert.Action) {
	ordered := make([]alert.Action, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, act := range ordered {
		if err := m.dispatch(ctx, a, act); err != nil {
			m.logger.Error("alert action failed",
				slog.String("alert_id", a.ID.String()),
				slog.String("rule", a.RuleName),
				slog.String("action", string(act.Type)),
				slog.String("error", err.Error()),
			)
			m.plugins.EmitActionFailed(ctx, a, act.Type, err)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, a *alert.Instance, act alert.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrActionDispatch, act.Type, r)
		}
	}()

	h, ok := m.handlers[act.Type]
	if !ok {
		return fmt.Errorf("%w: no handler for %q", ErrActionDispatch, act.Type)
	}
	if err := h.Execute(ctx, a, act); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrActionDispatch, act.Type, err)
	}
	return nil
}

func (m *Manager) logAction(_ context.Context, a *alert.Instance, act alert.Action) error {
	attrs := []any{
		slog.String("alert_id", a.ID.String()),
		slog.String("rule", a.RuleName),
		slog.String("severity", string(a.Severity)),
		slog.String("event_type", string(a.EventType)),
		slog.String("subject_id", a.SubjectID),
		slog.String("source_address", a.SourceAddress),
		slog.String("message", a.Message),
	}
	if act.Config["level"] == "error" {
		m.logger.Error("security alert", attrs...)
		return nil
	}
	m.logger.Warn("security alert", attrs...)
	return nil
}

func (m *Manager) notifyAction(ctx context.Context, a *alert.Instance, act alert.Action) error {
	channel := act.Config["channel"]
	var errs []error
	sent := 0
	for _, n := range m.notifiers {
		if channel != "" && n.Name() != channel {
			continue
		}
		sent++
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if sent == 0 {
		if channel != "" {
			return fmt.Errorf("unknown notification channel %q", channel)
		}
		m.logger.Debug("no notifiers configured", slog.String("alert_id", a.ID.String()))
	}
	return errors.Join(errs...)
}

func (m *Manager) blockPrincipalAction(_ context.Context, a *alert.Instance, _ alert.Action) error {
	if a.SubjectID == "" {
		return errors.New("alert has no subject to block")
	}
	m.blocklist.BlockPrincipal(a.SubjectID, a.RuleName)
	m.logger.Warn("principal blocked", slog.String("subject_id", a.SubjectID), slog.String("rule", a.RuleName))
	return nil
}

func (m *Manager) blockSourceAction(_ context.Context, a *alert.Instance, _ alert.Action) error {
	if a.SourceAddress == "" {
		return errors.New("alert has no source address to block")
	}
	m.blocklist.BlockSource(a.SourceAddress, a.RuleName)
	m.logger.Warn("source blocked", slog.String("source_address", a.SourceAddress), slog.String("rule", a.RuleName))
	return nil
}

func (m *Manager) lockAccountAction(ctx context.Context, a *alert.Instance, _ alert.Action) error {
	if a.SubjectID == "" {
		return errors.New("alert has no subject to lock")
	}
	return m.locker.LockAccount(ctx, a.SubjectID, a.RuleName)
}
