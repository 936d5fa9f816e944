package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"jobmarket/auth"
	"jobmarket/job"
	"jobmarket/ledger"
)

type userResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name"`
	Role       auth.Role `json:"role"`
	ProviderID *string   `json:"provider_id,omitempty"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role, ProviderID: u.ProviderID}
}

func (s *Server) register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	user, err := s.accounts.Register(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(*user))
}

func (s *Server) login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		badRequest(c, "email and password are required")
		return
	}
	res, err := s.accounts.Login(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": res.Token, "user": toUserResponse(res.User)})
}

func (s *Server) me(c *gin.Context) {
	id := mustIdentity(c)
	body := gin.H{"user_id": id.UserID, "role": id.Role}
	if id.ProviderID != "" {
		body["provider_id"] = id.ProviderID
	}
	c.JSON(http.StatusOK, body)
}

type postJobRequest struct {
	Title       string           `json:"title" binding:"required"`
	Description string           `json:"description"`
	Budget      *decimal.Decimal `json:"budget"`
}

func (s *Server) postJob(c *gin.Context) {
	var req postJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "title is required")
		return
	}
	id := mustIdentity(c)
	created, err := s.jobs.Post(c.Request.Context(), job.ActorFrom(id), job.PostParams{
		RequesterID: id.UserID,
		Title:       req.Title,
		Description: req.Description,
		Budget:      req.Budget,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toJobResponse(created))
}

// listJobs scopes requesters to their own jobs. Providers may narrow to the
// jobs assigned to them with ?assigned=true.
func (s *Server) listJobs(c *gin.Context) {
	id := mustIdentity(c)
	filters := job.Filters{
		Status:   job.Status(strings.ToUpper(c.Query("status"))),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		badRequest(c, "unknown status filter")
		return
	}
	switch id.Role {
	case auth.RoleRequester:
		filters.RequesterID = id.UserID
	case auth.RoleProvider:
		if c.Query("assigned") == "true" {
			filters.ProviderID = id.ProviderID
		}
	}

	res, err := s.jobs.List(c.Request.Context(), filters)
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]jobResponse, 0, len(res.Items))
	for _, j := range res.Items {
		items = append(items, toJobResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": res.Total, "page": filters.Page, "page_size": filters.PageSize})
}

func (s *Server) getJob(c *gin.Context) {
	j, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(j))
}

func (s *Server) jobEvents(c *gin.Context) {
	id := mustIdentity(c)
	j, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !isParty(id, j) {
		s.writeError(c, job.ErrForbidden)
		return
	}
	events, err := s.jobs.Events(c.Request.Context(), j.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toEventResponses(events)})
}

type grantRequest struct {
	Method     ledger.Method `json:"method" binding:"required"`
	PaymentRef string        `json:"payment_ref"`
}

func (s *Server) grantAccess(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "method is required")
		return
	}
	id := mustIdentity(c)
	g, err := s.access.Grant(c.Request.Context(), ledger.GrantParams{
		JobID:      c.Param("id"),
		ProviderID: id.ProviderID,
		Method:     ledger.Method(strings.ToUpper(string(req.Method))),
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toGrantResponse(g))
}

func (s *Server) listGrants(c *gin.Context) {
	id := mustIdentity(c)
	j, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if id.Role != auth.RoleArbitrator && j.RequesterID != id.UserID {
		s.writeError(c, job.ErrForbidden)
		return
	}
	grants, err := s.access.ListForJob(c.Request.Context(), j.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		items = append(items, toGrantResponse(g))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) claimWin(c *gin.Context) {
	id := mustIdentity(c)
	g, err := s.access.ClaimWin(c.Request.Context(), c.Param("id"), id.ProviderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toGrantResponse(g))
}

type winnerRequest struct {
	ProviderID string `json:"provider_id"`
}

// confirmWinner accepts an empty body: the single claimant is then chosen.
func (s *Server) confirmWinner(c *gin.Context) {
	var req winnerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	s.transition(c, func(actor job.Actor) (job.Job, error) {
		return s.jobs.ConfirmWinner(c.Request.Context(), c.Param("id"), actor, req.ProviderID)
	})
}

func (s *Server) confirmStart(c *gin.Context) {
	s.transition(c, func(actor job.Actor) (job.Job, error) {
		return s.jobs.ConfirmStart(c.Request.Context(), c.Param("id"), actor)
	})
}

type proposeRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

func (s *Server) proposeFinalPrice(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount == nil {
		badRequest(c, "amount is required")
		return
	}
	s.transition(c, func(actor job.Actor) (job.Job, error) {
		return s.jobs.ProposeFinalPrice(c.Request.Context(), c.Param("id"), actor, *req.Amount)
	})
}

type confirmPriceRequest struct {
	Accept *bool  `json:"accept" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) confirmFinalPrice(c *gin.Context) {
	var req confirmPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "accept is required")
		return
	}
	s.transition(c, func(actor job.Actor) (job.Job, error) {
		return s.jobs.ConfirmFinalPrice(c.Request.Context(), c.Param("id"), actor, *req.Accept, req.Reason)
	})
}

type overrideRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) overrideFinalPrice(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason is required")
		return
	}
	s.transition(c, func(actor job.Actor) (job.Job, error) {
		return s.jobs.OverrideFinalPrice(c.Request.Context(), c.Param("id"), actor, req.Reason)
	})
}

func (s *Server) transition(c *gin.Context, fn func(actor job.Actor) (job.Job, error)) {
	updated, err := fn(job.ActorFrom(mustIdentity(c)))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(updated))
}

// isParty reports whether the caller may see a job's internals.
func isParty(id auth.Identity, j job.Job) bool {
	switch id.Role {
	case auth.RoleArbitrator:
		return true
	case auth.RoleRequester:
		return j.RequesterID == id.UserID
	case auth.RoleProvider:
		return j.IsAssignedTo(id.ProviderID)
	}
	return false
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
