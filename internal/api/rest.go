package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/clipvault/ingest/internal/api/ingests"
	"github.com/clipvault/ingest/internal/api/medias"
	"github.com/clipvault/ingest/internal/event"
	"github.com/clipvault/ingest/internal/http/websocket"
	"github.com/clipvault/ingest/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

const apiRoot = "/api/ingest/v1"

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsbility
	// is to create the routes exposed for submitting and inspecting jobs, serve the read-only
	// catalog view, and manage the activity websocket.
	RestGateway struct {
		*broadcaster
		config           *RestConfig
		ec               *echo.Echo
		socket           *websocket.SocketHub
		ingestController controller
		mediaController  controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(
	config *RestConfig,
	jobStore ingests.Store,
	notifier ingests.Notifier,
	catalog medias.Catalog,
	eventBus event.EventHandler,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:      newBroadcaster(socket, jobStore, eventBus),
		config:           config,
		ec:               ec,
		socket:           socket,
		ingestController: ingests.New(validate, jobStore, notifier),
		mediaController:  medias.New(catalog),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET(apiRoot+"/health/", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	ec.GET(apiRoot+"/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	gateway.ingestController.SetRoutes(ec.Group(apiRoot + "/jobs"))
	gateway.mediaController.SetRoutes(ec.Group(apiRoot + "/catalog"))

	return gateway
}

// ServeHTTP exposes the router directly, without the listener started by Run.
func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
