package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"jobmarket/auth"
	"jobmarket/commission"
	"jobmarket/job"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// listCommissions pins providers to their own records.
func (s *Server) listCommissions(c *gin.Context) {
	id := mustIdentity(c)
	filters := commission.Filters{
		ProviderID: c.Query("provider_id"),
		Status:     commission.Status(strings.ToUpper(c.Query("status"))),
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "page_size", 20),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		badRequest(c, "unknown status filter")
		return
	}
	if id.Role == auth.RoleProvider {
		filters.ProviderID = id.ProviderID
	}
	from, to, ok := dateWindow(c)
	if !ok {
		return
	}
	filters.From, filters.To = from, to

	res, err := s.commissions.List(c.Request.Context(), filters)
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]commissionResponse, 0, len(res.Items))
	for _, r := range res.Items {
		items = append(items, toCommissionResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": res.Total, "page": filters.Page, "page_size": filters.PageSize})
}

func (s *Server) getCommission(c *gin.Context) {
	id := mustIdentity(c)
	rec, err := s.commissions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if id.Role == auth.RoleProvider && rec.ProviderID != id.ProviderID {
		s.writeError(c, commission.ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, toCommissionResponse(rec))
}

// jobCommission is visible to both parties of the job and to arbitrators.
func (s *Server) jobCommission(c *gin.Context) {
	id := mustIdentity(c)
	rec, err := s.commissions.ForJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	switch {
	case id.Role == auth.RoleArbitrator:
	case id.Role == auth.RoleRequester && rec.RequesterID == id.UserID:
	case id.Role == auth.RoleProvider && rec.ProviderID == id.ProviderID:
	default:
		s.writeError(c, job.ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, toCommissionResponse(rec))
}

type waiveRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) waiveCommission(c *gin.Context) {
	var req waiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason is required")
		return
	}
	rec, err := s.commissions.Waive(c.Request.Context(), mustIdentity(c), c.Param("id"), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCommissionResponse(rec))
}

// exportCommissions renders the workbook fully before writing, so a failure
// halfway still yields a proper error response.
func (s *Server) exportCommissions(c *gin.Context) {
	from, to, ok := dateWindow(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	n, err := s.commissions.ExportXLSX(c.Request.Context(), &buf, from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}
	name := fmt.Sprintf("commissions-%s.xlsx", s.now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("X-Record-Count", fmt.Sprint(n))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (s *Server) myProfile(c *gin.Context) {
	id := mustIdentity(c)
	p, err := s.providers.GetByID(c.Request.Context(), id.ProviderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProfileResponse(p))
}

func (s *Server) myTransactions(c *gin.Context) {
	id := mustIdentity(c)
	txs, err := s.providers.Transactions(c.Request.Context(), id.ProviderID, queryInt(c, "limit", 50))
	if err != nil {
		s.writeError(c, err)
		return
	}
	items := make([]creditTxResponse, 0, len(txs))
	for _, t := range txs {
		items = append(items, creditTxResponse{
			ID:           t.ID,
			Kind:         t.Kind,
			Delta:        t.Delta,
			BalanceAfter: t.BalanceAfter,
			JobID:        t.JobID,
			Note:         t.Note,
			CreatedAt:    formatTime(t.CreatedAt),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// dateWindow parses ?from= and ?to= as YYYY-MM-DD or RFC 3339. It writes the
// 400 itself and reports false on a malformed value.
func dateWindow(c *gin.Context) (*time.Time, *time.Time, bool) {
	var out [2]*time.Time
	for i, key := range []string{"from", "to"} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		t, err := parseDate(v)
		if err != nil {
			badRequest(c, fmt.Sprintf("%s must be a date (YYYY-MM-DD) or RFC 3339 timestamp", key))
			return nil, nil, false
		}
		out[i] = &t
	}
	if out[0] != nil && out[1] != nil && out[1].Before(*out[0]) {
		badRequest(c, "to must not be before from")
		return nil, nil, false
	}
	return out[0], out[1], true
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
