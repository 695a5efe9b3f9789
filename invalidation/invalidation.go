// Package invalidation keeps decision caches consistent with role and
// permission changes. Every operation completes its local cache mutation
// before the change is broadcast, so a subscriber that reacts to the
// broadcast never observes a stale decision on this instance.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/bastion/broadcast"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/rolechange"
)

// ErrCacheUnavailable is returned when the cache mutation fails. Nothing is
// broadcast in that case.
var ErrCacheUnavailable = errors.New("bastion: decision cache unavailable")

// Cache is the subset of the decision cache the service mutates.
type Cache interface {
	InvalidateSubject(ctx context.Context, subjectID string) (int, error)
	InvalidateResource(ctx context.Context, resource string) (int, error)
	Clear(ctx context.Context) error
}

// Service performs invalidations and announces them.
type Service struct {
	cache       Cache
	broadcaster *broadcast.Broadcaster
	history     rolechange.Store
	plugins     *plugin.Registry
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHistory records role transitions in s.
func WithHistory(s rolechange.Store) Option { return func(svc *Service) { svc.history = s } }

// WithPlugins sets the plugin registry notified of invalidations.
func WithPlugins(r *plugin.Registry) Option { return func(svc *Service) { svc.plugins = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(svc *Service) { svc.logger = l } }

// WithNow sets the clock used for history timestamps.
func WithNow(fn func() time.Time) Option { return func(svc *Service) { svc.now = fn } }

// New creates a service. A nil broadcaster gets a local-only one.
func New(c Cache, b *broadcast.Broadcaster, opts ...Option) *Service {
	svc := &Service{
		cache:       c,
		broadcaster: b,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.broadcaster == nil {
		svc.broadcaster = broadcast.New(broadcast.WithLogger(svc.logger))
	}
	if svc.plugins == nil {
		svc.plugins = plugin.NewRegistry(svc.logger)
	}
	return svc
}

// Broadcaster returns the broadcaster events are announced on.
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }

// RoleChanged drops every cached decision of subjectID, records the
// transition and broadcasts it.
func (s *Service) RoleChanged(ctx context.Context, subjectID, oldRole, newRole string) error {
	if err := s.invalidateSubject(ctx, "role_change", subjectID); err != nil {
		return err
	}

	if s.history != nil {
		entry := &rolechange.Entry{
			ID:        id.NewRoleChangeID(),
			SubjectID: subjectID,
			OldRole:   oldRole,
			NewRole:   newRole,
			CreatedAt: s.now().UTC(),
		}
		if err := s.history.CreateRoleChange(ctx, entry); err != nil {
			s.logger.Warn("role change history write failed",
				slog.String("subject_id", subjectID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.broadcaster.Broadcast(ctx, broadcast.Event{
		Kind:      broadcast.KindRoleChanged,
		SubjectID: subjectID,
		OldRole:   oldRole,
		NewRole:   newRole,
	})
	return nil
}

// ResourceUpdated drops every cached decision for resource. An empty
// resource clears the whole cache.
func (s *Service) ResourceUpdated(ctx context.Context, resource string) error {
	if resource == "" {
		return s.ClearAll(ctx)
	}
	if err := s.invalidateResource(ctx, resource); err != nil {
		return err
	}
	s.broadcaster.Broadcast(ctx, broadcast.Event{
		Kind:     broadcast.KindResourceUpdated,
		Resource: resource,
	})
	return nil
}

// SubjectDeactivated drops every cached decision of subjectID.
func (s *Service) SubjectDeactivated(ctx context.Context, subjectID string) error {
	if err := s.invalidateSubject(ctx, "deactivation", subjectID); err != nil {
		return err
	}
	s.broadcaster.Broadcast(ctx, broadcast.Event{
		Kind:      broadcast.KindDeactivated,
		SubjectID: subjectID,
	})
	return nil
}

// ClearAll empties the cache.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.clear(ctx); err != nil {
		return err
	}
	s.broadcaster.Broadcast(ctx, broadcast.Event{Kind: broadcast.KindGlobalClear})
	return nil
}

// Attach applies events broadcast by other instances to the local cache.
// Local events are skipped because the originating call already mutated the
// cache. The returned function detaches the service.
func (s *Service) Attach() (detach func()) {
	return s.broadcaster.Subscribe(s.applyRemote)
}

func (s *Service) applyRemote(ctx context.Context, ev broadcast.Event) error {
	if !ev.Remote {
		return nil
	}
	switch ev.Kind {
	case broadcast.KindRoleChanged:
		return s.invalidateSubject(ctx, "remote_role_change", ev.SubjectID)
	case broadcast.KindDeactivated:
		return s.invalidateSubject(ctx, "remote_deactivation", ev.SubjectID)
	case broadcast.KindResourceUpdated:
		if ev.Resource == "" {
			return s.clear(ctx)
		}
		return s.invalidateResource(ctx, ev.Resource)
	case broadcast.KindGlobalClear:
		return s.clear(ctx)
	default:
		return fmt.Errorf("bastion: unknown invalidation kind %q", ev.Kind)
	}
}

func (s *Service) invalidateSubject(ctx context.Context, kind, subjectID string) error {
	done := s.plugins.StartOperation(ctx, "cache.invalidate_subject")
	removed, err := s.cache.InvalidateSubject(ctx, subjectID)
	done(err)
	if err != nil {
		return fmt.Errorf("%w: invalidate subject %q: %w", ErrCacheUnavailable, subjectID, err)
	}
	s.logger.Debug("invalidated subject decisions",
		slog.String("kind", kind),
		slog.String("subject_id", subjectID),
		slog.Int("removed", removed),
	)
	s.plugins.EmitCacheInvalidated(ctx, kind, subjectID, removed)
	return nil
}

func (s *Service) invalidateResource(ctx context.Context, resource string) error {
	done := s.plugins.StartOperation(ctx, "cache.invalidate_resource")
	removed, err := s.cache.InvalidateResource(ctx, resource)
	done(err)
	if err != nil {
		return fmt.Errorf("%w: invalidate resource %q: %w", ErrCacheUnavailable, resource, err)
	}
	s.plugins.EmitCacheInvalidated(ctx, "resource_update", resource, removed)
	return nil
}

func (s *Service) clear(ctx context.Context) error {
	done := s.plugins.StartOperation(ctx, "cache.clear")
	err := s.cache.Clear(ctx)
	done(err)
	if err != nil {
		return fmt.Errorf("%w: clear: %w", ErrCacheUnavailable, err)
	}
	s.plugins.EmitCacheInvalidated(ctx, "global_clear", "", -1)
	return nil
}
