package web

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"time"

	"taskkeeper/bots/TaskKeeper/db"

	"github.com/gin-gonic/gin"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

//go:embed templates/*.html
var templatesFS embed.FS

// Store is the part of the database the web view uses.
type Store interface {
	ResolveOwnerByToken(ctx context.Context, token string) (int64, error)
	RotateAccessToken(ctx context.Context, usr int64) (string, error)
	GetTZOffset(ctx context.Context, usr int64) (*int, error)
	AddTask(ctx context.Context, owner int64, text string) (*db.Task, error)
	GetTask(ctx context.Context, owner int64, id int) (*db.Task, error)
	ListTasks(ctx context.Context, owner int64) ([]db.Task, error)
	UpdateTask(ctx context.Context, owner int64, id int, upd db.TaskUpdate) error
	MarkDone(ctx context.Context, owner int64, id int) error
	DeleteTask(ctx context.Context, owner int64, id int) error
}

// Server is the companion web view of the tasks. Every page but the health
// check needs the owner's access token.
type Server struct {
	store  Store
	clk    clock.Clock
	logger *zap.SugaredLogger
	router *gin.Engine
}

func NewServer(s Store, clk clock.Clock, l *zap.SugaredLogger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	srv := &Server{
		store:  s,
		clk:    clk,
		logger: l,
		router: router,
	}

	router.Use(srv.logRequests)
	router.SetHTMLTemplate(template.Must(template.New("").ParseFS(templatesFS, "templates/*.html")))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	tasks := router.Group("/", srv.requireToken)
	{
		tasks.GET("/", srv.handleList)
		tasks.POST("/tasks/add", srv.handleAdd)
		tasks.GET("/tasks/:id", srv.handleTask)
		tasks.POST("/tasks/:id/edit", srv.handleEdit)
		tasks.POST("/tasks/:id/done", srv.handleDone)
		tasks.GET("/tasks/:id/delete", srv.handleConfirmDelete)
		tasks.POST("/tasks/:id/delete", srv.handleDelete)
		tasks.POST("/token/rotate", srv.handleRotateToken)
	}

	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Infof("web view is listening on %s", addr)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "failed serving web view")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed shutting web view down")
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := s.clk.Now()
	c.Next()

	s.logger.Debugw("handled request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"took", s.clk.Since(start),
	)
}
