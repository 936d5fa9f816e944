// Package httpapi exposes the job lifecycle over HTTP with gin. Handlers only
// decode, resolve the caller and map errors; every rule lives in the services.
package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"jobmarket/auth"
	"jobmarket/commission"
	"jobmarket/dispute"
	"jobmarket/job"
	"jobmarket/ledger"
	"jobmarket/logger"
	"jobmarket/provider"
)

// Accounts is implemented by *auth.Service.
type Accounts interface {
	TokenVerifier
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
}

// Jobs is implemented by *job.Service.
type Jobs interface {
	Post(ctx context.Context, actor job.Actor, params job.PostParams) (job.Job, error)
	Get(ctx context.Context, id string) (job.Job, error)
	List(ctx context.Context, filters job.Filters) (job.ListResult, error)
	Events(ctx context.Context, jobID string) ([]job.Event, error)
	ConfirmWinner(ctx context.Context, jobID string, actor job.Actor, providerID string) (job.Job, error)
	ConfirmStart(ctx context.Context, jobID string, actor job.Actor) (job.Job, error)
	ProposeFinalPrice(ctx context.Context, jobID string, actor job.Actor, amount decimal.Decimal) (job.Job, error)
	ConfirmFinalPrice(ctx context.Context, jobID string, actor job.Actor, accept bool, reason string) (job.Job, error)
	OverrideFinalPrice(ctx context.Context, jobID string, actor job.Actor, reason string) (job.Job, error)
}

// Access is implemented by *ledger.Service.
type Access interface {
	Grant(ctx context.Context, params ledger.GrantParams) (ledger.Grant, error)
	ClaimWin(ctx context.Context, jobID, providerID string) (ledger.Grant, error)
	ListForJob(ctx context.Context, jobID string) ([]ledger.Grant, error)
}

// Disputes is implemented by *dispute.Service.
type Disputes interface {
	Raise(ctx context.Context, actor auth.Identity, params dispute.RaiseParams) (dispute.Record, error)
	Get(ctx context.Context, actor auth.Identity, id string) (dispute.Record, error)
	ListForJob(ctx context.Context, actor auth.Identity, jobID string) ([]dispute.Record, error)
	Respond(ctx context.Context, actor auth.Identity, disputeID string, params dispute.RespondParams) (dispute.Response, error)
	Responses(ctx context.Context, actor auth.Identity, disputeID string) ([]dispute.Response, error)
	Resolve(ctx context.Context, actor auth.Identity, disputeID string, params dispute.ResolveParams) (dispute.Record, error)
}

// Commissions is implemented by *commission.Engine.
type Commissions interface {
	Get(ctx context.Context, id string) (commission.Record, error)
	ForJob(ctx context.Context, jobID string) (commission.Record, error)
	List(ctx context.Context, filters commission.Filters) (commission.ListResult, error)
	Waive(ctx context.Context, actor auth.Identity, id, reason string) (commission.Record, error)
	MarkPaid(ctx context.Context, p commission.Payment) (commission.Record, error)
	ExportXLSX(ctx context.Context, w io.Writer, from, to *time.Time) (int, error)
}

// Providers is implemented by *provider.Service.
type Providers interface {
	GetByID(ctx context.Context, id string) (provider.Profile, error)
	Transactions(ctx context.Context, id string, limit int) ([]provider.CreditTransaction, error)
}

// Deps bundles the services the router dispatches to.
type Deps struct {
	Accounts      Accounts
	Jobs          Jobs
	Access        Access
	Disputes      Disputes
	Commissions   Commissions
	Providers     Providers
	WebhookSecret string
	Log           *slog.Logger
}

type Server struct {
	accounts      Accounts
	jobs          Jobs
	access        Access
	disputes      Disputes
	commissions   Commissions
	providers     Providers
	webhookSecret string
	paymentSchema *jsonschema.Schema
	log           *slog.Logger
	now           func() time.Time
}

func NewServer(deps Deps) (*Server, error) {
	schema, err := compilePaymentSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		accounts:      deps.Accounts,
		jobs:          deps.Jobs,
		access:        deps.Access,
		disputes:      deps.Disputes,
		commissions:   deps.Commissions,
		providers:     deps.Providers,
		webhookSecret: deps.WebhookSecret,
		paymentSchema: schema,
		log:           logger.OrDefault(deps.Log),
		now:           time.Now,
	}, nil
}

// Router builds the gin engine with middleware and every route.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.Use(RequestLogger(s.log))
	router.Use(Recovery(s.log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": s.now().UTC().Format(time.RFC3339),
		})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/register", s.register)
		api.POST("/auth/login", s.login)
		api.POST("/webhooks/payments", s.paymentWebhook)
	}

	protected := api.Group("/")
	protected.Use(Authenticate(s.accounts))
	{
		protected.GET("/auth/me", s.me)

		protected.POST("/jobs", RequireRole(auth.RoleRequester), s.postJob)
		protected.GET("/jobs", s.listJobs)
		protected.GET("/jobs/:id", s.getJob)
		protected.GET("/jobs/:id/events", s.jobEvents)

		protected.POST("/jobs/:id/access", RequireRole(auth.RoleProvider), s.grantAccess)
		protected.GET("/jobs/:id/access", RequireRole(auth.RoleRequester, auth.RoleArbitrator), s.listGrants)
		protected.POST("/jobs/:id/claim", RequireRole(auth.RoleProvider), s.claimWin)
		protected.POST("/jobs/:id/winner", RequireRole(auth.RoleRequester), s.confirmWinner)
		protected.POST("/jobs/:id/start", s.confirmStart)
		protected.POST("/jobs/:id/final-price", RequireRole(auth.RoleProvider), s.proposeFinalPrice)
		protected.POST("/jobs/:id/final-price/confirm", RequireRole(auth.RoleRequester), s.confirmFinalPrice)
		protected.POST("/jobs/:id/final-price/override", RequireRole(auth.RoleArbitrator), s.overrideFinalPrice)
		protected.GET("/jobs/:id/commission", s.jobCommission)

		protected.POST("/jobs/:id/disputes", s.raiseDispute)
		protected.GET("/jobs/:id/disputes", s.listDisputes)
		protected.GET("/disputes/:id", s.getDispute)
		protected.POST("/disputes/:id/responses", s.respondDispute)
		protected.GET("/disputes/:id/responses", s.disputeResponses)
		protected.POST("/disputes/:id/resolve", RequireRole(auth.RoleArbitrator), s.resolveDispute)

		protected.GET("/commissions", RequireRole(auth.RoleProvider, auth.RoleArbitrator), s.listCommissions)
		protected.GET("/commissions/:id", RequireRole(auth.RoleProvider, auth.RoleArbitrator), s.getCommission)
		protected.POST("/commissions/:id/waive", RequireRole(auth.RoleArbitrator), s.waiveCommission)
		protected.GET("/exports/commissions.xlsx", RequireRole(auth.RoleArbitrator), s.exportCommissions)

		protected.GET("/providers/me", RequireRole(auth.RoleProvider), s.myProfile)
		protected.GET("/providers/me/transactions", RequireRole(auth.RoleProvider), s.myTransactions)
	}

	return router
}
