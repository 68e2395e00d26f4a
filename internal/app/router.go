package app

import (
	"database/sql"
	"net/http"

	"cogtest/internal/app/apiresp"
	"cogtest/internal/app/observability"
	"cogtest/internal/assignment"
	"cogtest/internal/auth"
	"cogtest/internal/blob"
	"cogtest/internal/condition"
	internaldb "cogtest/internal/db"
	"cogtest/internal/question"
	"cogtest/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Services is the wired service graph behind the router.
type Services struct {
	Auth        *auth.Service
	Questions   *question.Service
	Conditions  *condition.Service
	Assignments *assignment.Service
	Reports     *report.Service
	Blobs       blob.Store
	Metrics     *observability.Collector
}

func NewServices(cfg Config, db *sql.DB, driver internaldb.Driver, blobs blob.Store, log *zap.Logger) *Services {
	metrics := observability.NewCollector(db, log)
	authSvc := auth.NewService(db, auth.ServiceConfig{
		JWTSecret:  cfg.JWTSecret,
		AccessTTL:  cfg.AccessTTL(),
		SessionTTL: cfg.SessionTTL(),
	})
	questions := question.NewService(db)
	assignments := assignment.NewService(
		assignment.NewSQLRepository(db, driver),
		questions,
		assignment.WithPatientDirectory(authSvc),
		assignment.WithRecorder(metrics),
		assignment.WithLogger(log.Named("assignment")),
		assignment.WithDefaultValidDays(cfg.DefaultValidDays),
	)
	return &Services{
		Auth:        authSvc,
		Questions:   questions,
		Conditions:  condition.NewService(db),
		Assignments: assignments,
		Reports:     report.NewService(assignments, questions, authSvc),
		Blobs:       blobs,
		Metrics:     metrics,
	}
}

func NewRouter(cfg Config, svcs *Services, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(svcs.Metrics.Middleware)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", csrfHeaderName},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	secureCookie := cfg.IsProduction()
	authHandler := auth.NewHandler(svcs.Auth, log.Named("auth"), secureCookie)
	questionHandler := question.NewHandler(svcs.Questions, log.Named("question"))
	conditionHandler := condition.NewHandler(svcs.Conditions, log.Named("condition"))
	assignmentHandler := assignment.NewHandler(svcs.Assignments, log.Named("assignment"))
	reportHandler := report.NewHandler(svcs.Reports, log.Named("report"))
	blobHandler := blob.NewHandler(svcs.Blobs, log.Named("blob"))
	authLimiter := NewKeyRateLimiter(cfg.AuthRateLimitPerMin)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", svcs.Metrics.MetricsHandler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(CSRFMiddleware(cfg.CSRFEnforced))
		api.Get("/auth/csrf", CSRFTokenHandler(secureCookie))
		api.Group(func(public chi.Router) {
			public.Use(RateLimitMiddleware(authLimiter))
			public.Post("/auth/login", authHandler.Login)
			public.Post("/auth/refresh", authHandler.Refresh)
		})

		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth)
			secure.Get("/auth/me", authHandler.Me)
			secure.Post("/auth/logout", authHandler.Logout)
			secure.Get("/question-categories", questionHandler.ListCategories)

			secure.Get("/assignments", assignmentHandler.List)
			secure.Get("/assignments/{id}", assignmentHandler.Get)
			secure.Get("/assignments/{id}/test", assignmentHandler.Test)
			secure.Get("/assignments/{id}/progress", assignmentHandler.Progress)
			secure.Get("/blobs/{ref}", blobHandler.Download)

			secure.Group(func(patient chi.Router) {
				patient.Use(authHandler.RequireRoles(auth.RolePatient))
				patient.Put("/assignments/{id}/answers/{questionID}", assignmentHandler.SaveAnswer)
				patient.Post("/assignments/{id}/submit", assignmentHandler.Submit)
			})

			secure.Group(func(doctor chi.Router) {
				doctor.Use(authHandler.RequireRoles(auth.RoleDoctor))
				doctor.Post("/patients", authHandler.CreatePatient)
				doctor.Get("/patients", authHandler.ListPatients)
				doctor.Post("/patients/import", authHandler.ImportPatients)
				doctor.Get("/patients/export", authHandler.ExportPatients)
				doctor.Put("/patients/{id}", authHandler.UpdatePatient)
				doctor.Delete("/patients/{id}", authHandler.DeletePatient)

				doctor.Get("/doctors/me", authHandler.Profile)
				doctor.Put("/doctors/me", authHandler.UpdateProfile)

				doctor.Get("/conditions", conditionHandler.List)
				doctor.Post("/conditions", conditionHandler.Create)
				doctor.Put("/conditions/{id}", conditionHandler.Update)
				doctor.Delete("/conditions/{id}", conditionHandler.Delete)

				doctor.Post("/tests", questionHandler.CreateTest)
				doctor.Get("/tests", questionHandler.ListTests)
				doctor.Get("/tests/{id}", questionHandler.GetTest)
				doctor.Put("/tests/{id}", questionHandler.UpdateTest)
				doctor.Delete("/tests/{id}", questionHandler.DeleteTest)
				doctor.Get("/tests/{id}/report", reportHandler.Summary)
				doctor.Get("/tests/{id}/report.xlsx", reportHandler.Export)

				doctor.Post("/assignments", assignmentHandler.Create)
				doctor.Get("/assignments/{id}/review", assignmentHandler.Review)
				doctor.Post("/assignments/{id}/review", assignmentHandler.SubmitReview)

				doctor.Post("/blobs", blobHandler.Upload)
			})
		})
	})

	return r
}
