package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

func (a *API) registerAlertRuleRoutes(router forge.Router) error {
	g := router.Group("/v1", forge.WithGroupTags("alert-rules"))

	if err := g.POST("/alert-rules", a.createAlertRule,
		forge.WithSummary("Create alert rule"),
		forge.WithDescription("Creates an alert rule. A rule with the same name is replaced."),
		forge.WithOperationID("createAlertRule"),
		forge.WithRequestSchema(AlertRuleRequest{}),
		forge.WithCreatedResponse(&alert.Rule{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.GET("/alert-rules", a.listAlertRules,
		forge.WithSummary("List alert rules"),
		forge.WithDescription("Returns the active alert rules ordered by name."),
		forge.WithOperationID("listAlertRules"),
		forge.WithResponseSchema(http.StatusOK, "Alert rule list", []*alert.Rule{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.GET("/alert-rules/:ruleId", a.getAlertRule,
		forge.WithSummary("Get alert rule"),
		forge.WithDescription("Returns a single alert rule."),
		forge.WithOperationID("getAlertRule"),
		forge.WithResponseSchema(http.StatusOK, "Alert rule", &alert.Rule{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.PUT("/alert-rules/:ruleId", a.updateAlertRule,
		forge.WithSummary("Update alert rule"),
		forge.WithDescription("Replaces an alert rule."),
		forge.WithOperationID("updateAlertRule"),
		forge.WithRequestSchema(AlertRuleRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Updated rule", &alert.Rule{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	return g.DELETE("/alert-rules/:ruleId", a.deleteAlertRule,
		forge.WithSummary("Delete alert rule"),
		forge.WithDescription("Deletes an alert rule."),
		forge.WithOperationID("deleteAlertRule"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)
}

func toRule(req *AlertRuleRequest) *alert.Rule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &alert.Rule{
		Name:            req.Name,
		Description:     req.Description,
		EventType:       secevent.Type(req.EventType),
		Conditions:      req.Conditions,
		Actions:         req.Actions,
		Enabled:         enabled,
		CooldownSeconds: req.CooldownSeconds,
		Severity:        secevent.Severity(req.Severity),
	}
}

func (a *API) createAlertRule(ctx forge.Context, req *AlertRuleRequest) (*alert.Rule, error) {
	r := toRule(req)
	if err := a.eng.CreateAlertRule(ctx.Context(), r); err != nil {
		return nil, mapError(err)
	}
	return r, ctx.JSON(http.StatusCreated, r)
}

func (a *API) listAlertRules(ctx forge.Context, _ *struct{}) ([]*alert.Rule, error) {
	rules := a.eng.AlertRules()
	return rules, ctx.JSON(http.StatusOK, rules)
}

func (a *API) getAlertRule(ctx forge.Context, _ *GetAlertRuleRequest) (*alert.Rule, error) {
	ruleID, err := id.ParseAlertRuleID(ctx.Param("ruleId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid rule ID: %v", err))
	}
	r, err := a.eng.AlertRule(ruleID)
	if err != nil {
		return nil, mapError(err)
	}
	return r, ctx.JSON(http.StatusOK, r)
}

func (a *API) updateAlertRule(ctx forge.Context, req *AlertRuleRequest) (*alert.Rule, error) {
	ruleID, err := id.ParseAlertRuleID(ctx.Param("ruleId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid rule ID: %v", err))
	}
	r := toRule(req)
	r.ID = ruleID
	if err := a.eng.UpdateAlertRule(ctx.Context(), r); err != nil {
		return nil, mapError(err)
	}
	return r, ctx.JSON(http.StatusOK, r)
}

func (a *API) deleteAlertRule(ctx forge.Context, _ *GetAlertRuleRequest) (*struct{}, error) {
	ruleID, err := id.ParseAlertRuleID(ctx.Param("ruleId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid rule ID: %v", err))
	}
	if err := a.eng.DeleteAlertRule(ctx.Context(), ruleID); err != nil {
		return nil, mapError(err)
	}
	return nil, ctx.NoContent(http.StatusNoContent)
}
