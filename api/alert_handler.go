package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

func (a *API) registerAlertRoutes(router forge.Router) error {
	g := router.Group("/v1", forge.WithGroupTags("alerts"))

	if err := g.GET("/alerts/active", a.activeAlerts,
		forge.WithSummary("List active alerts"),
		forge.WithDescription("Returns unresolved alerts, newest first."),
		forge.WithOperationID("listActiveAlerts"),
		forge.WithResponseSchema(http.StatusOK, "Active alerts", []*alert.Instance{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.GET("/alerts", a.listAlerts,
		forge.WithSummary("List alerts"),
		forge.WithDescription("Lists alerts with optional filters."),
		forge.WithOperationID("listAlerts"),
		forge.WithRequestSchema(ListAlertsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Alert list", []*alert.Instance{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.GET("/alerts/:alertId", a.getAlert,
		forge.WithSummary("Get alert"),
		forge.WithDescription("Returns a single alert."),
		forge.WithOperationID("getAlert"),
		forge.WithResponseSchema(http.StatusOK, "Alert details", &alert.Instance{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.POST("/alerts/:alertId/acknowledge", a.acknowledgeAlert,
		forge.WithSummary("Acknowledge alert"),
		forge.WithDescription("Marks an alert acknowledged. Acknowledging twice reports changed=false."),
		forge.WithOperationID("acknowledgeAlert"),
		forge.WithRequestSchema(AcknowledgeAlertRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Acknowledgement result", ChangedResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	return g.POST("/alerts/:alertId/resolve", a.resolveAlert,
		forge.WithSummary("Resolve alert"),
		forge.WithDescription("Marks an alert resolved. Resolving twice reports changed=false."),
		forge.WithOperationID("resolveAlert"),
		forge.WithResponseSchema(http.StatusOK, "Resolution result", ChangedResponse{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) activeAlerts(ctx forge.Context, _ *struct{}) ([]*alert.Instance, error) {
	alerts, err := a.eng.GetActiveAlerts(ctx.Context())
	if err != nil {
		return nil, mapError(err)
	}
	return alerts, ctx.JSON(http.StatusOK, alerts)
}

func (a *API) listAlerts(ctx forge.Context, req *ListAlertsRequest) ([]*alert.Instance, error) {
	filter := &alert.ListFilter{
		Severity: secevent.Severity(req.Severity),
		Limit:    defaultLimit(req.Limit),
		Offset:   req.Offset,
	}
	if req.RuleID != "" {
		ruleID, err := id.ParseAlertRuleID(req.RuleID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid rule_id: %v", err))
		}
		filter.RuleID = &ruleID
	}

	var err error
	if filter.Acknowledged, err = optionalBool(req.Acknowledged); err != nil {
		return nil, forge.BadRequest("invalid acknowledged: " + err.Error())
	}
	if filter.Resolved, err = optionalBool(req.Resolved); err != nil {
		return nil, forge.BadRequest("invalid resolved: " + err.Error())
	}

	alerts, err := a.eng.Alerts(ctx.Context(), filter)
	if err != nil {
		return nil, mapError(err)
	}
	return alerts, ctx.JSON(http.StatusOK, alerts)
}

func (a *API) getAlert(ctx forge.Context, _ *GetAlertRequest) (*alert.Instance, error) {
	alertID, err := id.ParseAlertID(ctx.Param("alertId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid alert ID: %v", err))
	}
	inst, err := a.eng.Alert(ctx.Context(), alertID)
	if err != nil {
		return nil, mapError(err)
	}
	return inst, ctx.JSON(http.StatusOK, inst)
}

func (a *API) acknowledgeAlert(ctx forge.Context, req *AcknowledgeAlertRequest) (*ChangedResponse, error) {
	alertID, err := id.ParseAlertID(ctx.Param("alertId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid alert ID: %v", err))
	}
	if req.AcknowledgedBy == "" {
		return nil, forge.BadRequest("acknowledged_by is required")
	}
	changed, err := a.eng.AcknowledgeAlert(ctx.Context(), alertID, req.AcknowledgedBy)
	if err != nil {
		return nil, mapError(err)
	}
	resp := &ChangedResponse{Changed: changed}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) resolveAlert(ctx forge.Context, _ *GetAlertRequest) (*ChangedResponse, error) {
	alertID, err := id.ParseAlertID(ctx.Param("alertId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid alert ID: %v", err))
	}
	changed, err := a.eng.ResolveAlert(ctx.Context(), alertID)
	if err != nil {
		return nil, mapError(err)
	}
	resp := &ChangedResponse{Changed: changed}
	return resp, ctx.JSON(http.StatusOK, resp)
}
