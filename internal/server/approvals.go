package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"phaseline/internal/engine"
)

func registerApprovals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/submit",
		Summary:     "Submit phase for approval",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		ph, _, err := e.SubmitForApproval(ctx, input.PhaseID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/approve",
		Summary:     "Approve phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		ph, err := e.Approve(ctx, input.PhaseID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/reject",
		Summary:     "Reject phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID string             `path:"phase_id"`
		Body    RejectPhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ph, err := e.Reject(ctx, input.PhaseID, input.Body.Reason, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phase-approvals",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/approvals",
		Summary:     "List phase approval ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body []ApprovalEntryResponse `json:"body"`
	}, error) {
		items, err := e.ListApprovalEntries(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ApprovalEntryResponse, 0, len(items))
		for _, item := range items {
			res = append(res, approvalEntryResponse(item))
		}
		return &struct {
			Body []ApprovalEntryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/pending",
		Summary:     "List pending approvals across projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PhaseApprovalResponse `json:"body"`
	}, error) {
		items, err := e.ListPendingApprovals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approval-history",
		Method:      http.MethodGet,
		Path:        "/approvals/history",
		Summary:     "List resolved approvals across projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PhaseApprovalResponse `json:"body"`
	}, error) {
		items, err := e.ListApprovalHistory(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})
}

func registerStakeholders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stakeholders",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/stakeholders",
		Summary:     "List phase stakeholders",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body []StakeholderResponse `json:"body"`
	}, error) {
		items, err := e.ListStakeholders(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StakeholderResponse, 0, len(items))
		for _, item := range items {
			res = append(res, stakeholderResponse(item))
		}
		return &struct {
			Body []StakeholderResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-stakeholder",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/stakeholders",
		Summary:       "Add phase stakeholder",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID string                `path:"phase_id"`
		Body    AddStakeholderRequest `json:"body"`
	}) (*struct {
		Body StakeholderResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.AddStakeholder(ctx, input.PhaseID, input.Body.Role, input.Body.Name, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StakeholderResponse `json:"body"`
		}{Body: stakeholderResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-stakeholder",
		Method:      http.MethodDelete,
		Path:        "/phases/{phase_id}/stakeholders/{position}",
		Summary:     "Remove phase stakeholder",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID  string `path:"phase_id"`
		Position int    `path:"position"`
	}) (*struct{}, error) {
		if err := e.RemoveStakeholder(ctx, input.PhaseID, input.Position, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, item := range items {
			res = append(res, eventResponse(item))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
