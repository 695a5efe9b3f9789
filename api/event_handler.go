package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

func (a *API) registerEventRoutes(router forge.Router) error {
	g := router.Group("/v1", forge.WithGroupTags("security-events"))

	if err := g.POST("/security-events", a.recordEvent,
		forge.WithSummary("Record security event"),
		forge.WithDescription("Records a security event, runs threat analysis and evaluates alert rules."),
		forge.WithOperationID("recordSecurityEvent"),
		forge.WithRequestSchema(RecordEventRequest{}),
		forge.WithCreatedResponse(RecordEventResponse{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.GET("/security-events", a.listEvents,
		forge.WithSummary("List security events"),
		forge.WithDescription("Lists security events with optional filters, newest first."),
		forge.WithOperationID("listSecurityEvents"),
		forge.WithRequestSchema(ListEventsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Event list", []*secevent.Event{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	if err := g.GET("/security-events/:eventId", a.getEvent,
		forge.WithSummary("Get security event"),
		forge.WithDescription("Returns a single security event."),
		forge.WithOperationID("getSecurityEvent"),
		forge.WithResponseSchema(http.StatusOK, "Event details", &secevent.Event{}),
		forge.WithErrorResponses(),
	); err != nil {
		return err
	}

	return g.POST("/security-events/:eventId/resolve", a.resolveEvent,
		forge.WithSummary("Resolve security event"),
		forge.WithDescription("Marks an event resolved. Resolving twice reports changed=false."),
		forge.WithOperationID("resolveSecurityEvent"),
		forge.WithRequestSchema(ResolveEventRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Resolution result", ChangedResponse{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) recordEvent(ctx forge.Context, req *RecordEventRequest) (*RecordEventResponse, error) {
	t, err := secevent.ParseType(req.Type)
	if err != nil {
		return nil, forge.BadRequest(err.Error())
	}
	ev := &secevent.Event{
		Type:          t,
		Severity:      secevent.Severity(req.Severity),
		SubjectID:     req.SubjectID,
		SourceAddress: req.SourceAddress,
		Resource:      req.Resource,
		Action:        req.Action,
		Details: secevent.Details{
			Reason:    req.Reason,
			UserAgent: req.UserAgent,
			Extra:     req.Extra,
		},
	}
	if ev.Severity != "" && !ev.Severity.Valid() {
		return nil, forge.BadRequest(fmt.Sprintf("invalid severity %q", req.Severity))
	}

	eventID, err := a.eng.RecordSecurityEvent(ctx.Context(), ev)
	if err != nil {
		return nil, writeError(ctx, err)
	}
	resp := &RecordEventResponse{ID: eventID.String()}
	return resp, ctx.JSON(http.StatusCreated, resp)
}

func (a *API) listEvents(ctx forge.Context, req *ListEventsRequest) ([]*secevent.Event, error) {
	filter := &secevent.QueryFilter{
		SubjectID:     req.SubjectID,
		SourceAddress: req.SourceAddress,
		Severity:      secevent.Severity(req.Severity),
		Limit:         defaultLimit(req.Limit),
		Offset:        req.Offset,
	}
	if req.Type != "" {
		t, err := secevent.ParseType(req.Type)
		if err != nil {
			return nil, forge.BadRequest(err.Error())
		}
		filter.Type = t
	}

	var err error
	if filter.Derived, err = optionalBool(req.Derived); err != nil {
		return nil, forge.BadRequest("invalid derived: " + err.Error())
	}
	if filter.Resolved, err = optionalBool(req.Resolved); err != nil {
		return nil, forge.BadRequest("invalid resolved: " + err.Error())
	}
	if filter.Since, err = parseTime(req.Since); err != nil {
		return nil, forge.BadRequest("invalid since timestamp")
	}
	if filter.Until, err = parseTime(req.Until); err != nil {
		return nil, forge.BadRequest("invalid until timestamp")
	}

	events, err := a.eng.SecurityEvents(ctx.Context(), filter)
	if err != nil {
		return nil, mapError(err)
	}
	return events, ctx.JSON(http.StatusOK, events)
}

func (a *API) getEvent(ctx forge.Context, _ *GetEventRequest) (*secevent.Event, error) {
	eventID, err := id.ParseSecurityEventID(ctx.Param("eventId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid event ID: %v", err))
	}
	ev, err := a.eng.SecurityEvent(ctx.Context(), eventID)
	if err != nil {
		return nil, mapError(err)
	}
	return ev, ctx.JSON(http.StatusOK, ev)
}

func (a *API) resolveEvent(ctx forge.Context, req *ResolveEventRequest) (*ChangedResponse, error) {
	eventID, err := id.ParseSecurityEventID(ctx.Param("eventId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid event ID: %v", err))
	}
	if req.ResolvedBy == "" {
		return nil, forge.BadRequest("resolved_by is required")
	}
	changed, err := a.eng.ResolveSecurityEvent(ctx.Context(), eventID, req.ResolvedBy)
	if err != nil {
		return nil, mapError(err)
	}
	resp := &ChangedResponse{Changed: changed}
	return resp, ctx.JSON(http.StatusOK, resp)
}
