package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/bastion"
)

func (a *API) registerCheckRoutes(router forge.Router) error {
	g := router.Group("/v1/authz", forge.WithGroupTags("authorization"))

	if err := g.POST("/check", a.check,
		forge.WithSummary("Authorization check"),
		forge.WithDescription("Evaluates whether the subject can perform the action on the resource."),
		forge.WithOperationID("authzCheck"),
		forge.WithRequestSchema(CheckRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Check result", CheckResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.POST("/enforce", a.enforce,
		forge.WithSummary("Enforce authorization"),
		forge.WithDescription("Returns 200 if allowed, 403 if denied."),
		forge.WithOperationID("authzEnforce"),
		forge.WithRequestSchema(CheckRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Allowed", CheckResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.POST("/batch-check", a.batchCheck,
		forge.WithSummary("Batch authorization check"),
		forge.WithDescription("Evaluates multiple authorization checks in one request."),
		forge.WithOperationID("authzBatchCheck"),
		forge.WithRequestSchema(BatchCheckRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Batch results", BatchCheckResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	return g.GET("/cache/stats", a.cacheStats,
		forge.WithSummary("Decision cache statistics"),
		forge.WithDescription("Returns entry counts of the decision cache."),
		forge.WithOperationID("authzCacheStats"),
		forge.WithResponseSchema(http.StatusOK, "Cache statistics", CacheStatsResponse{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) check(ctx forge.Context, req *CheckRequest) (*CheckResponse, error) {
	creq, err := toCheckRequest(req)
	if err != nil {
		return nil, err
	}
	resp := toCheckResponse(a.eng.Check(ctx.Context(), creq))
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) enforce(ctx forge.Context, req *CheckRequest) (*CheckResponse, error) {
	creq, err := toCheckRequest(req)
	if err != nil {
		return nil, err
	}
	resp := toCheckResponse(a.eng.Check(ctx.Context(), creq))
	if !resp.Allowed {
		return resp, ctx.JSON(http.StatusForbidden, resp)
	}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) batchCheck(ctx forge.Context, req *BatchCheckRequest) (*BatchCheckResponse, error) {
	if len(req.Checks) == 0 {
		return nil, forge.BadRequest("checks cannot be empty")
	}

	results := make([]CheckResponse, len(req.Checks))
	for i := range req.Checks {
		creq, err := toCheckRequest(&req.Checks[i])
		if err != nil {
			return nil, err
		}
		results[i] = *toCheckResponse(a.eng.Check(ctx.Context(), creq))
	}

	resp := &BatchCheckResponse{Results: results}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) cacheStats(ctx forge.Context, _ *struct{}) (*CacheStatsResponse, error) {
	stats, err := a.eng.CacheStats(ctx.Context())
	if err != nil {
		return nil, writeError(ctx, err)
	}
	resp := &CacheStatsResponse{CacheStats: stats}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func toCheckRequest(r *CheckRequest) (*bastion.CheckRequest, error) {
	if r.SubjectID == "" || r.Resource == "" || r.Action == "" {
		return nil, forge.BadRequest("subject_id, resource, and action are required")
	}
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	// Unknown roles are passed through so the engine denies them.
	role, err := bastion.ParseRole(r.Role)
	if err != nil {
		role = bastion.Role(r.Role)
	}
	return &bastion.CheckRequest{
		Subject:  bastion.Subject{ID: r.SubjectID, Role: role, Active: active},
		Resource: r.Resource,
		Action:   r.Action,
		Scope:    r.Scope,
	}, nil
}

func toCheckResponse(r *bastion.CheckResult) *CheckResponse {
	return &CheckResponse{
		Allowed:    r.Allowed,
		Reason:     string(r.Reason),
		Cached:     r.Cached,
		EvalTimeNs: r.EvalTimeNs,
	}
}
