package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drmaatic/backend/internal/infrastructure/db"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	transporthttp "github.com/drmaatic/backend/internal/transport/http"
	httpmw "github.com/drmaatic/backend/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the maintenance scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApplication()
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.log

		if err := db.RunMigrations(a.db); err != nil {
			log.Errorf("failed to run migrations: %v", err)
			return err
		}
		log.Info("database migrations completed")

		app := fiber.New(fiber.Config{
			ReadTimeout:           a.cfg.Server.ReadTimeout,
			WriteTimeout:          a.cfg.Server.WriteTimeout,
			IdleTimeout:           a.cfg.Server.IdleTimeout,
			BodyLimit:             a.cfg.Server.BodyLimitMB * 1024 * 1024,
			ProxyHeader:           a.cfg.Server.ProxyHeader,
			ErrorHandler:          globalErrorHandler(log),
			DisableStartupMessage: true,
		})

		app.Use(recover.New(recover.Config{
			EnableStackTrace: true,
		}))

		allowedOrigins := "*"
		if len(a.cfg.Auth.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(a.cfg.Auth.AllowedOrigins, ",")
		}
		app.Use(cors.New(cors.Config{
			AllowOrigins: allowedOrigins,
			AllowHeaders: strings.Join([]string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Token",
				a.cfg.Auth.UserHeader, a.cfg.Auth.SourceHeader, a.cfg.Features.RequestIDHeader}, ", "),
			AllowMethods: "GET, POST, HEAD, DELETE",
		}))

		app.Use(httpmw.RequestID(a.cfg.Features.RequestIDHeader))
		if a.cfg.Features.EnableRequestLogging {
			app.Use(httpmw.AccessLog(log))
		}

		transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
			Config:   a.cfg,
			Logger:   log,
			Tasks:    a.tasks,
			Scripts:  a.scripts,
			Users:    a.users,
			Notifier: a.notifier,
			Timeline: a.timeline,
		})

		var scheduler interface{ Stop() }
		if a.cfg.Maintenance.Enabled {
			s, err := a.newScheduler()
			if err != nil {
				return err
			}
			s.Start()
			scheduler = s
		}

		go func() {
			if err := app.Listen(a.cfg.Server.Address()); err != nil {
				log.Fatalf("server failed to start: %v", err)
			}
		}()
		log.Infof("server started on %s", a.cfg.Server.Address())

		gracefulShutdown(app, log)
		if scheduler != nil {
			scheduler.Stop()
		}
		return nil
	},
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code < fiber.StatusInternalServerError {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", httpmw.RequestIDFrom(c),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", httpmw.RequestIDFrom(c),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func gracefulShutdown(app *fiber.App, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	log.Info("server exited gracefully")
}
