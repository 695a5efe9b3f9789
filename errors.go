package bastion

import (
	"errors"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/alerting"
	"github.com/xraph/bastion/invalidation"
	"github.com/xraph/bastion/monitor"
	"github.com/xraph/bastion/secevent"
)

var (
	// ErrStoreRequired is returned by NewEngine when no store is configured.
	ErrStoreRequired = errors.New("bastion: store is required")

	// ErrUnknownRole is returned when a role name is not recognized.
	ErrUnknownRole = errors.New("bastion: unknown role")

	// ErrCacheUnavailable is returned when an invalidation could not reach
	// the decision cache. Nothing is broadcast in that case.
	ErrCacheUnavailable = invalidation.ErrCacheUnavailable

	// ErrRateLimited is returned when a security event exceeded its quota.
	ErrRateLimited = monitor.ErrRateLimited

	// ErrUnknownEventType is returned for security events of unknown type.
	ErrUnknownEventType = secevent.ErrUnknownType

	// ErrEventNotFound is returned when a security event cannot be found.
	ErrEventNotFound = secevent.ErrNotFound

	// ErrInvalidRule is returned when an alert rule fails validation.
	ErrInvalidRule = alert.ErrInvalidRule

	// ErrRuleNotFound is returned when an alert rule cannot be found.
	ErrRuleNotFound = alert.ErrRuleNotFound

	// ErrAlertNotFound is returned when an alert cannot be found.
	ErrAlertNotFound = alert.ErrAlertNotFound

	// ErrActionDispatch wraps failed alert actions.
	ErrActionDispatch = alerting.ErrActionDispatch
)
