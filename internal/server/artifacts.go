package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"phaseline/internal/engine"
)

func registerArtifacts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/artifacts/{artifact_type}",
		Summary:     "Get current artifact value",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID      string `path:"phase_id"`
		ArtifactType string `path:"artifact_type"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		value, err := e.GetCurrent(ctx, input.PhaseID, input.ArtifactType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: ArtifactResponse{
			ArtifactType: input.ArtifactType,
			Value:        decodeAny(string(value)),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-artifact",
		Method:      http.MethodPut,
		Path:        "/phases/{phase_id}/artifacts/{artifact_type}",
		Summary:     "Set current artifact value",
		Description: "Replaces the current value without touching version history. Use the versions endpoint for tracked edits.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID      string             `path:"phase_id"`
		ArtifactType string             `path:"artifact_type"`
		Body         SetArtifactRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		value, err := json.Marshal(input.Body.Value)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid value", nil)
		}
		ph, err := e.SetCurrent(ctx, input.PhaseID, input.ArtifactType, value, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-versions",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/artifacts/{artifact_type}/versions",
		Summary:     "List artifact version history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID      string `path:"phase_id"`
		ArtifactType string `path:"artifact_type"`
	}) (*struct {
		Body []VersionEntryResponse `json:"body"`
	}, error) {
		items, err := e.ListVersions(ctx, input.PhaseID, input.ArtifactType)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]VersionEntryResponse, 0, len(items))
		for _, item := range items {
			res = append(res, versionEntryResponse(item))
		}
		return &struct {
			Body []VersionEntryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-artifact-version",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/artifacts/{artifact_type}/versions",
		Summary:       "Append artifact version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID      string               `path:"phase_id"`
		ArtifactType string               `path:"artifact_type"`
		Body         AppendVersionRequest `json:"body"`
	}) (*struct {
		Body VersionEntryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		content, err := json.Marshal(input.Body.Content)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid content", nil)
		}
		entry, _, err := e.AppendVersion(ctx, engine.AppendVersionOptions{
			PhaseID:      input.PhaseID,
			ArtifactType: input.ArtifactType,
			Content:      content,
			ChangeType:   input.Body.ChangeType,
			Summary:      input.Body.Summary,
			Version:      input.Body.Version,
			ActorID:      actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionEntryResponse `json:"body"`
		}{Body: versionEntryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-artifact-version",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/artifacts/{artifact_type}/export",
		Summary:     "Export artifact content",
		Description: "Returns the content of one version, or the current value when version is omitted.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID      string `path:"phase_id"`
		ArtifactType string `path:"artifact_type"`
		Version      int    `query:"version"`
	}) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		content, err := e.ExportVersion(ctx, input.PhaseID, input.ArtifactType, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{
			ArtifactType: input.ArtifactType,
			Version:      input.Version,
			Content:      content,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-artifact",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/artifacts/{artifact_type}/generate",
		Summary:     "Generate artifact content",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID      string `path:"phase_id"`
		ArtifactType string `path:"artifact_type"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		ph, err := e.Generate(ctx, input.PhaseID, input.ArtifactType, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})
}
