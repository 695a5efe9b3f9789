package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/bastion"
	"github.com/xraph/bastion/rolechange"
)

func (a *API) registerInvalidationRoutes(router forge.Router) error {
	g := router.Group("/v1/invalidations", forge.WithGroupTags("invalidation"))

	if err := g.POST("/role-change", a.roleChanged,
		forge.WithSummary("Invalidate on role change"),
		forge.WithDescription("Drops every cached decision of the subject and announces the change to all instances."),
		forge.WithOperationID("invalidateRoleChange"),
		forge.WithRequestSchema(RoleChangeRequest{}),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.POST("/permission-update", a.permissionUpdated,
		forge.WithSummary("Invalidate on permission update"),
		forge.WithDescription("Drops every cached decision on the resource, or the whole cache when no resource is given."),
		forge.WithOperationID("invalidatePermissionUpdate"),
		forge.WithRequestSchema(PermissionUpdateRequest{}),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.POST("/deactivation", a.deactivated,
		forge.WithSummary("Invalidate on deactivation"),
		forge.WithDescription("Drops every cached decision of a deactivated subject."),
		forge.WithOperationID("invalidateDeactivation"),
		forge.WithRequestSchema(DeactivationRequest{}),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	return g.GET("/role-changes", a.listRoleChanges,
		forge.WithSummary("List role changes"),
		forge.WithDescription("Returns the recorded role transitions, newest first."),
		forge.WithOperationID("listRoleChanges"),
		forge.WithRequestSchema(ListRoleChangesRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Role change list", []*rolechange.Entry{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) roleChanged(ctx forge.Context, req *RoleChangeRequest) (*struct{}, error) {
	if req.SubjectID == "" {
		return nil, forge.BadRequest("subject_id is required")
	}
	oldRole, err := bastion.ParseRole(req.OldRole)
	if err != nil {
		return nil, forge.BadRequest(err.Error())
	}
	newRole, err := bastion.ParseRole(req.NewRole)
	if err != nil {
		return nil, forge.BadRequest(err.Error())
	}

	if err := a.eng.InvalidateOnRoleChange(ctx.Context(), req.SubjectID, oldRole, newRole); err != nil {
		return nil, writeError(ctx, err)
	}
	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) permissionUpdated(ctx forge.Context, req *PermissionUpdateRequest) (*struct{}, error) {
	if err := a.eng.InvalidateOnPermissionUpdate(ctx.Context(), req.Resource); err != nil {
		return nil, writeError(ctx, err)
	}
	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) deactivated(ctx forge.Context, req *DeactivationRequest) (*struct{}, error) {
	if req.SubjectID == "" {
		return nil, forge.BadRequest("subject_id is required")
	}
	if err := a.eng.InvalidateOnDeactivation(ctx.Context(), req.SubjectID); err != nil {
		return nil, writeError(ctx, err)
	}
	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) listRoleChanges(ctx forge.Context, req *ListRoleChangesRequest) ([]*rolechange.Entry, error) {
	entries, err := a.eng.RoleChanges(ctx.Context(), &rolechange.ListFilter{
		SubjectID: req.SubjectID,
		Limit:     defaultLimit(req.Limit),
		Offset:    req.Offset,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return entries, ctx.JSON(http.StatusOK, entries)
}
