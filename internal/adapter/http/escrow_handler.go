package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"estatefund-escrow/internal/adapter/middleware"
	escrowDomain "estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/ledger"
	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/usecase/settlement"
)

type Settlement interface {
	Execute(ctx context.Context, req settlement.Request) (*settlement.Result, error)
	FundingStatus(ctx context.Context, projectID string, verify bool) (*settlement.FundingStatus, error)
}

type EscrowHandler struct {
	svc Settlement
	log *zap.Logger
}

func NewEscrowHandler(svc Settlement, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{svc: svc, log: logger.OrNop(log)}
}

// Amount accepts both a JSON number and a decimal string.
type escrowActionReq struct {
	Action      string      `json:"action"       validate:"required,oneof=release refund status"`
	Amount      json.Number `json:"amount"       validate:"omitempty,money"`
	Reason      string      `json:"reason"       validate:"max=500"`
	ReleaseType string      `json:"release_type" validate:"omitempty,oneof=full partial"`
}

type rejectedResp struct {
	Error  string             `json:"error"`
	Reason string             `json:"reason"`
	Result *settlement.Result `json:"result,omitempty"`
}

func (r escrowActionReq) toRequest(projectID, adminID string) settlement.Request {
	req := settlement.Request{
		ProjectID:   projectID,
		AdminID:     adminID,
		Action:      settlement.Action(r.Action),
		Reason:      r.Reason,
		ReleaseType: escrowDomain.ReleaseType(r.ReleaseType),
	}
	if r.Amount != "" {
		if d, err := parseMoney(string(r.Amount)); err == nil {
			req.Amount = &d
		}
	}
	if req.Action == settlement.ActionRelease && req.ReleaseType == "" {
		req.ReleaseType = escrowDomain.ReleaseFull
		if req.Amount != nil {
			req.ReleaseType = escrowDomain.ReleasePartial
		}
	}
	return req
}

// Action handles POST /admin/projects/:project_id/escrow/actions.
func (h *EscrowHandler) Action(c echo.Context) error {
	projectID := c.Param("project_id")
	if projectID == "" {
		return errorJSON(c, http.StatusBadRequest, "missing project_id path param")
	}
	adminID := middleware.AdminID(c)
	if adminID == "" {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}

	var body escrowActionReq
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid body")
	}
	if err := c.Validate(&body); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation failed",
			Details: ToFieldErrors(err),
		})
	}

	res, err := h.svc.Execute(c.Request().Context(), body.toRequest(projectID, adminID))
	var (
		rejected *settlement.RejectedError
		partial  *settlement.PartialBatchError
	)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.As(err, &rejected):
		return c.JSON(http.StatusConflict, rejectedResp{Error: "rejected", Reason: rejected.Reason, Result: res})
	case errors.As(err, &partial):
		return c.JSON(http.StatusMultiStatus, res)
	case errors.Is(err, settlement.ErrInvalidRequest):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, project.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "project not found")
	default:
		h.log.Error("escrow action failed",
			zap.String("project_id", projectID),
			zap.String("admin_id", adminID),
			zap.String("action", body.Action),
			zap.Error(err),
		)
		return errorJSON(c, http.StatusInternalServerError, "internal error")
	}
}

type fundingStatusResp struct {
	*settlement.FundingStatus
	Violation string `json:"violation,omitempty"`
}

// FundingStatus handles GET /projects/:project_id/funding-status[?verify=true].
func (h *EscrowHandler) FundingStatus(c echo.Context) error {
	projectID := c.Param("project_id")
	verify := false
	if raw := c.QueryParam("verify"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "verify must be a boolean")
		}
		verify = v
	}

	st, err := h.svc.FundingStatus(c.Request().Context(), projectID, verify)
	violations := ledger.Violations(err)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, fundingStatusResp{FundingStatus: st})
	case len(violations) > 0 && st != nil:
		h.log.Error("ledger verification failed", zap.String("project_id", projectID), zap.Error(err))
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Error()
		}
		return c.JSON(http.StatusOK, fundingStatusResp{FundingStatus: st, Violation: strings.Join(msgs, "; ")})
	case errors.Is(err, project.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "project not found")
	default:
		h.log.Error("funding status failed", zap.String("project_id", projectID), zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "internal error")
	}
}
