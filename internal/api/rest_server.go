package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/voxel-core/internal/instance"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/middleware"
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer административный REST API над реестром миров
type RestServer struct {
	router     *gin.Engine
	httpServer *http.Server
	manager    *instance.Manager
	store      storage.WorldStore
	port       string
	metrics    *ServerMetrics
	log        *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port       string                // адрес, например ":8088"
	Manager    *instance.Manager     // реестр миров
	Store      storage.WorldStore    // хранилище для списка сохранённых миров, может быть nil
	Registerer prometheus.Registerer // куда регистрировать HTTP-метрики, nil - дефолтный регистр
	Gatherer   prometheus.Gatherer   // что отдавать на /metrics, nil - дефолтный регистр
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8088"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// otelgin должен стоять раньше логгера, чтобы trace-id брался из спана
	router.Use(otelgin.Middleware("voxel-rest"))
	router.Use(middleware.NewRequestLogger(logging.GetAPILogger()).Handler())

	promMw := middleware.NewPrometheusMiddleware("voxel", config.Registerer)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Gatherer)

	server := &RestServer{
		router:  router,
		manager: config.Manager,
		store:   config.Store,
		port:    config.Port,
		metrics: NewServerMetrics(),
		log:     logging.GetAPILogger(),
	}
	server.setupRoutes()
	server.httpServer = &http.Server{
		Addr:              config.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	api.GET("/stats", rs.handleStats)

	worlds := api.Group("/worlds")
	{
		worlds.GET("", rs.handleListWorlds)
		worlds.POST("", rs.handleCreateWorld)
		worlds.GET("/:id", rs.handleGetWorld)
		worlds.POST("/:id/load", rs.handleLoadWorld)
		worlds.POST("/:id/save", rs.handleSaveWorld)
		worlds.DELETE("/:id", rs.handleUnloadWorld)
		worlds.DELETE("/:id/data", rs.handleDeleteWorldData)
		worlds.GET("/:id/block", rs.handleGetBlock)

		worlds.POST("/:id/players", rs.handleJoin)
		worlds.DELETE("/:id/players/:player", rs.handleLeave)
		worlds.PUT("/:id/players/:player/position", rs.handlePosition)
	}
}

// Handler http.Handler сервера, используется в тестах
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CreateWorldRequest тело POST /api/worlds
type CreateWorldRequest struct {
	Name          string `json:"name" binding:"required"`
	OwnerID       string `json:"owner_id"`
	Seed          int64  `json:"seed"`
	Public        bool   `json:"public"`
	MaxPlayers    int    `json:"max_players"`
	AllowBuilding bool   `json:"allow_building"`
	Generator     string `json:"generator"`
}

// JoinRequest тело POST /api/worlds/:id/players
type JoinRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

// PositionRequest тело PUT .../position, мировые координаты в блоках
type PositionRequest struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// BlockResponse содержимое блока
type BlockResponse struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	ID       uint16 `json:"id"`
	Name     string `json:"name"`
	Metadata uint8  `json:"metadata"`
}

func (rs *RestServer) fail(c *gin.Context, status int, message string) {
	c.JSON(status, GenericResponse{Success: false, Message: message})
}

func (rs *RestServer) ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, GenericResponse{Success: true, Message: message, Data: data})
}

// failErr переводит ошибку реестра в HTTP статус
func (rs *RestServer) failErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, instance.ErrWorldNotLoaded), errors.Is(err, storage.ErrWorldNotFound):
		status = http.StatusNotFound
	case errors.Is(err, instance.ErrCapacityExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, instance.ErrWorldHasPlayers), errors.Is(err, instance.ErrWorldLoaded):
		status = http.StatusConflict
	case errors.Is(err, instance.ErrAccessDenied):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		rs.log.Error("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	rs.fail(c, status, err.Error())
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
		"uptime": rs.metrics.GetUptime(),
	}
	if rss, err := rs.metrics.GetResidentMemory(); err == nil {
		resp["rss_mb"] = rss
	}
	c.JSON(http.StatusOK, resp)
}

// handleStats счётчики реестра и процесса
func (rs *RestServer) handleStats(c *gin.Context) {
	data := gin.H{
		"registry": rs.manager.Stats(),
		"memory":   rs.metrics.GetDetailedMemoryStats(),
		"uptime":   rs.metrics.GetUptime(),
	}
	if cpu, err := rs.metrics.GetCPUUsage(); err == nil {
		data["cpu_percent"] = cpu
	}
	rs.ok(c, http.StatusOK, "Статистика сервера", data)
}

// handleListWorlds загруженные миры или, при ?stored=true, все сохранённые
func (rs *RestServer) handleListWorlds(c *gin.Context) {
	if stored, _ := strconv.ParseBool(c.Query("stored")); stored {
		if rs.store == nil {
			rs.fail(c, http.StatusNotImplemented, "Хранилище не подключено")
			return
		}
		metas, err := rs.store.ListWorlds(c.Request.Context())
		if err != nil {
			rs.failErr(c, err)
			return
		}
		rs.ok(c, http.StatusOK, fmt.Sprintf("Сохранённых миров: %d", len(metas)), metas)
		return
	}

	worlds := rs.manager.ListWorlds()
	rs.ok(c, http.StatusOK, fmt.Sprintf("Загруженных миров: %d", len(worlds)), worlds)
}

func (rs *RestServer) handleCreateWorld(c *gin.Context) {
	var req CreateWorldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rs.fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}

	inst, err := rs.manager.CreateWorld(c.Request.Context(), storage.WorldMetadata{
		Name:          req.Name,
		OwnerID:       req.OwnerID,
		Seed:          req.Seed,
		Public:        req.Public,
		MaxPlayers:    req.MaxPlayers,
		AllowBuilding: req.AllowBuilding,
		GeneratorType: req.Generator,
	})
	if err != nil {
		rs.failErr(c, err)
		return
	}
	info, err := rs.manager.WorldInfo(inst.ID())
	if err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusCreated, "Мир создан", info)
}

func (rs *RestServer) handleGetWorld(c *gin.Context) {
	info, err := rs.manager.WorldInfo(c.Param("id"))
	if err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusOK, "", info)
}

func (rs *RestServer) handleLoadWorld(c *gin.Context) {
	id := c.Param("id")
	if _, err := rs.manager.GetWorld(c.Request.Context(), id, nil); err != nil {
		rs.failErr(c, err)
		return
	}
	info, err := rs.manager.WorldInfo(id)
	if err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusOK, "Мир загружен", info)
}

func (rs *RestServer) handleSaveWorld(c *gin.Context) {
	if err := rs.manager.SaveWorld(c.Request.Context(), c.Param("id")); err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusOK, "Мир сохранён", nil)
}

// handleUnloadWorld выгружает мир; ?force=true сохраняет даже без изменений
func (rs *RestServer) handleUnloadWorld(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	if err := rs.manager.UnloadWorld(c.Request.Context(), c.Param("id"), force); err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusOK, "Мир выгружен", nil)
}

// handleDeleteWorldData удаляет мир из хранилища; загруженный мир удалить нельзя
func (rs *RestServer) handleDeleteWorldData(c *gin.Context) {
	if err := rs.manager.DeleteWorld(c.Request.Context(), c.Param("id")); err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusOK, "Мир удалён", nil)
}

// handleGetBlock читает блок из загруженного чанка, не подгружая новые
func (rs *RestServer) handleGetBlock(c *gin.Context) {
	coords := make([]int, 3)
	for i, name := range []string{"x", "y", "z"} {
		v, err := strconv.Atoi(c.Query(name))
		if err != nil {
			rs.fail(c, http.StatusBadRequest, fmt.Sprintf("Параметр %s должен быть целым числом", name))
			return
		}
		coords[i] = v
	}

	var (
		resp   BlockResponse
		loaded bool
	)
	err := rs.manager.WithWorld(c.Param("id"), func(inst *instance.WorldInstance) error {
		var id block.BlockID
		id, resp.Metadata, loaded = inst.World.PeekBlock(coords[0], coords[1], coords[2])
		resp.ID = uint16(id)
		resp.Name = block.Name(id)
		return nil
	})
	if err != nil {
		rs.failErr(c, err)
		return
	}
	if !loaded {
		rs.fail(c, http.StatusNotFound, "Чанк не загружен")
		return
	}
	resp.X, resp.Y, resp.Z = coords[0], coords[1], coords[2]
	rs.ok(c, http.StatusOK, "", resp)
}

func (rs *RestServer) handleJoin(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rs.fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	if err := rs.manager.AddPlayerToWorld(c.Param("id"), req.PlayerID); err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusOK, "Игрок добавлен", nil)
}

func (rs *RestServer) handleLeave(c *gin.Context) {
	if err := rs.manager.RemovePlayerFromWorld(c.Param("id"), c.Param("player")); err != nil {
		rs.failErr(c, err)
		return
	}
	rs.ok(c, http.StatusOK, "Игрок удалён", nil)
}

func (rs *RestServer) handlePosition(c *gin.Context) {
	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rs.fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	err := rs.manager.UpdateViewer(c.Param("id"), c.Param("player"), req.X, req.Z)
	if err != nil {
		if errors.Is(err, instance.ErrWorldNotLoaded) {
			rs.failErr(c, err)
			return
		}
		rs.fail(c, http.StatusNotFound, err.Error())
		return
	}
	rs.ok(c, http.StatusOK, "Позиция обновлена", nil)
}

// Start запускает REST сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.log.Info("REST API слушает %s", rs.port)
	if err := rs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("REST сервер: %w", err)
	}
	return nil
}

// Stop корректно останавливает REST сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.httpServer.Shutdown(ctx)
}
