package medias

import (
	"context"
	"net/http"

	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/pkg/logger"
	"github.com/labstack/echo/v4"
)

var controllerLogger = logger.Get("MediaController")

type (
	Catalog interface {
		Load(ctx context.Context) (*catalog.Document, error)
	}

	// IntegrityDto summarises the consistency of the stored catalog.
	IntegrityDto struct {
		Healthy  bool              `json:"healthy"`
		Problems []catalog.Problem `json:"problems"`
	}

	// Controller exposes a read-only view of the catalog document. All
	// writes go through the ingestion pipeline or the repair tool.
	Controller struct {
		catalog Catalog
	}
)

func New(c Catalog) *Controller {
	return &Controller{catalog: c}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.getDocument)
	eg.GET("/integrity/", controller.getIntegrity)
	eg.GET("/streamers/:id/videos/", controller.listStreamerVideos)
	eg.GET("/videos/:id/", controller.getVideo)
}

func (controller *Controller) getDocument(ec echo.Context) error {
	doc, err := controller.load(ec)
	if err != nil {
		return err
	}

	return ec.JSON(http.StatusOK, doc)
}

func (controller *Controller) getIntegrity(ec echo.Context) error {
	doc, err := controller.load(ec)
	if err != nil {
		return err
	}

	problems := catalog.Validate(doc)
	if problems == nil {
		problems = []catalog.Problem{}
	}

	return ec.JSON(http.StatusOK, IntegrityDto{Healthy: len(problems) == 0, Problems: problems})
}

// listStreamerVideos returns the videos of a streamer, newest first.
func (controller *Controller) listStreamerVideos(ec echo.Context) error {
	doc, err := controller.load(ec)
	if err != nil {
		return err
	}

	if doc.Streamer(ec.Param("id")) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Streamer not found")
	}

	videos := doc.VideosFor(ec.Param("id"))
	if videos == nil {
		videos = []catalog.Video{}
	}

	return ec.JSON(http.StatusOK, videos)
}

func (controller *Controller) getVideo(ec echo.Context) error {
	doc, err := controller.load(ec)
	if err != nil {
		return err
	}

	video := doc.Video(ec.Param("id"))
	if video == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Video not found")
	}

	return ec.JSON(http.StatusOK, video)
}

// load reads the latest catalog document. A catalog that has never been
// written is served as an empty document.
func (controller *Controller) load(ec echo.Context) (*catalog.Document, error) {
	doc, err := controller.catalog.Load(ec.Request().Context())
	if err != nil {
		controllerLogger.Emit(logger.ERROR, "Failed to load catalog: %v\n", err)
		return nil, echo.NewHTTPError(http.StatusBadGateway, "Catalog is unavailable")
	}

	if doc == nil {
		return &catalog.Document{Streamers: []catalog.Streamer{}, Videos: []catalog.Video{}}, nil
	}

	return doc, nil
}
