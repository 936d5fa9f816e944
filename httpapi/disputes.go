package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"jobmarket/dispute"
)

type raiseRequest struct {
	Details string `json:"details" binding:"required"`
}

func (s *Server) raiseDispute(c *gin.Context) {
	var req raiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "details are required")
		return
	}
	rec, err := s.disputes.Raise(c.Request.Context(), mustIdentity(c), dispute.RaiseParams{
		JobID:   c.Param("id"),
		Details: req.Details,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) listDisputes(c *gin.Context) {
	records, err := s.disputes.ListForJob(c.Request.Context(), mustIdentity(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, r := range records {
		items = append(items, toDisputeResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getDispute(c *gin.Context) {
	rec, err := s.disputes.Get(c.Request.Context(), mustIdentity(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDisputeResponse(rec))
}

type respondRequest struct {
	Body         string `json:"body" binding:"required"`
	InternalOnly bool   `json:"internal_only"`
}

func (s *Server) respondDispute(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body is required")
		return
	}
	resp, err := s.disputes.Respond(c.Request.Context(), mustIdentity(c), c.Param("id"), dispute.RespondParams{
		Body:         req.Body,
		InternalOnly: req.InternalOnly,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toThreadEntry(resp))
}

func (s *Server) disputeResponses(c *gin.Context) {
	thread, err := s.disputes.Responses(c.Request.Context(), mustIdentity(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]threadEntry, 0, len(thread))
	for _, r := range thread {
		items = append(items, toThreadEntry(r))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type resolveRequest struct {
	Resolution    string           `json:"resolution" binding:"required"`
	Notes         string           `json:"notes"`
	ReverseCredit bool             `json:"reverse_credit"`
	FinalAmount   *decimal.Decimal `json:"final_amount"`
}

func (s *Server) resolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "resolution is required")
		return
	}
	rec, err := s.disputes.Resolve(c.Request.Context(), mustIdentity(c), c.Param("id"), dispute.ResolveParams{
		Resolution:    dispute.Resolution(strings.ToUpper(req.Resolution)),
		Notes:         req.Notes,
		ReverseCredit: req.ReverseCredit,
		FinalAmount:   req.FinalAmount,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDisputeResponse(rec))
}
