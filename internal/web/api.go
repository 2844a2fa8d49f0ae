package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/rastreo/internal/tracker/event"
	"nuha.dev/rastreo/internal/tracker/hub"
	"nuha.dev/rastreo/internal/tracker/ingest"
	"nuha.dev/rastreo/internal/tracker/registry"
	"nuha.dev/rastreo/internal/util"
)

type ApiConfig struct {
	ListenAddr string
}

type Api struct {
	r        chi.Router
	s        *http.Server
	config   *ApiConfig
	log      zerolog.Logger
	reg      *registry.Registry
	ing      *ingest.Handler
	hub      *hub.Hub
	ev       *event.Bus
	validate *validator.Validate
	started  time.Time
}

func NewApi(reg *registry.Registry, ing *ingest.Handler, h *hub.Hub, ev *event.Bus, ws http.Handler, config *ApiConfig) *Api {
	api := &Api{config: config, reg: reg, ing: ing, hub: h, ev: ev}
	api.log = log.With().Str("module", "api").Logger()
	api.validate = validator.New()
	api.started = time.Now().UTC()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/api/ubicacion", api.postUbicacion)
	r.Get("/api/ubicacion/ultima", api.getUltimaUbicacion)
	r.Get("/api/dispositivos", api.getDispositivos)
	r.Get("/api/dispositivos/{deviceId}", api.getDispositivo)
	r.Put("/api/dispositivos/{deviceId}", api.putDispositivo)
	r.Get("/api/ubicaciones", api.getUbicaciones)
	r.Get("/api/stats", api.getStats)
	if ws != nil {
		r.Handle("/ws", ws)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errorJSON(w, http.StatusNotFound, "Endpoint no encontrado")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errorJSON(w, http.StatusMethodNotAllowed, "Método no permitido")
	})

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// StatsHandler exposes the stats endpoint on its own, so it can be
// mounted on a separate monitoring listener.
func (api *Api) StatsHandler() http.Handler {
	return http.HandlerFunc(api.getStats)
}

func (api *Api) Run() {
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

// Serve runs the server on a prepared listener, e.g. one wrapped for
// PROXY protocol support.
func (api *Api) Serve(ln net.Listener) error {
	err := api.s.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

type ubicacionRequest struct {
	Lat       interface{}     `json:"lat"`
	Lon       interface{}     `json:"lon"`
	Accuracy  interface{}     `json:"accuracy"`
	Timestamp json.RawMessage `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
}

type ubicacionResponse struct {
	Mensaje   string            `json:"mensaje"`
	Ubicacion registry.Location `json:"ubicacion"`
}

func (api *Api) postUbicacion(w http.ResponseWriter, r *http.Request) {
	var req ubicacionRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	ua := r.UserAgent()
	if ua == "" {
		ua = "No especificado"
	}
	acc, err := api.ing.Ingest(r.Context(), ingest.Report{
		Lat:        req.Lat,
		Lon:        req.Lon,
		Accuracy:   req.Accuracy,
		Timestamp:  req.Timestamp,
		DeviceID:   req.DeviceID,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  ua,
	})
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			errorJSON(w, http.StatusBadRequest, verr.Msg)
			return
		}
		api.log.Err(err).Msg("error while processing ubicacion")
		errorJSON(w, http.StatusInternalServerError, "Error interno del servidor")
		return
	}
	util.JsonWrite(w, ubicacionResponse{Mensaje: "Ubicación recibida correctamente", Ubicacion: acc.Location})
}

func (api *Api) getUltimaUbicacion(w http.ResponseWriter, r *http.Request) {
	loc, ok := api.reg.LastUbicacion()
	if !ok {
		jsonStatus(w, http.StatusNotFound, map[string]string{"mensaje": "No hay ubicaciones disponibles"})
		return
	}
	util.JsonWrite(w, loc)
}

type dispositivosResponse struct {
	Dispositivos []registry.Device `json:"dispositivos"`
	Total        int               `json:"total"`
}

func (api *Api) getDispositivos(w http.ResponseWriter, r *http.Request) {
	devs := api.reg.List()
	util.JsonWrite(w, dispositivosResponse{Dispositivos: devs, Total: len(devs)})
}

func (api *Api) getDispositivo(w http.ResponseWriter, r *http.Request) {
	dev, err := api.reg.Get(chi.URLParam(r, "deviceId"))
	if err != nil {
		errorJSON(w, http.StatusNotFound, "Dispositivo no encontrado")
		return
	}
	util.JsonWrite(w, dev)
}

type updateRequest struct {
	Nombre *string `json:"nombre" validate:"omitempty,min=1,max=64"`
	Activo *bool   `json:"activo"`
}

func (api *Api) putDispositivo(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	err = api.validate.Struct(&req)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Nombre inválido")
		return
	}
	dev, err := api.reg.Update(chi.URLParam(r, "deviceId"), registry.Update{Nombre: req.Nombre, Activo: req.Activo})
	if err != nil {
		errorJSON(w, http.StatusNotFound, "Dispositivo no encontrado")
		return
	}
	api.ev.EmitDevicesChanged(r.Context())
	util.JsonWrite(w, dev)
}

type ubicacionActiva struct {
	DeviceID  string            `json:"deviceId"`
	Nombre    string            `json:"nombre"`
	Color     string            `json:"color"`
	Ubicacion registry.Location `json:"ubicacion"`
}

type ubicacionesResponse struct {
	Ubicaciones []ubicacionActiva `json:"ubicaciones"`
	Total       int               `json:"total"`
}

func (api *Api) getUbicaciones(w http.ResponseWriter, r *http.Request) {
	ubicaciones := make([]ubicacionActiva, 0)
	for _, dev := range api.reg.List() {
		if !dev.Activo || dev.LastLocation == nil {
			continue
		}
		ubicaciones = append(ubicaciones, ubicacionActiva{
			DeviceID:  dev.ID,
			Nombre:    dev.Nombre,
			Color:     dev.Color,
			Ubicacion: *dev.LastLocation,
		})
	}
	util.JsonWrite(w, ubicacionesResponse{Ubicaciones: ubicaciones, Total: len(ubicaciones)})
}

type deviceStats struct {
	Total   int `json:"total"`
	Activos int `json:"activos"`
}

type ultimaResumen struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Recibido  time.Time       `json:"recibido"`
}

type serverStats struct {
	Iniciado time.Time `json:"iniciado"`
}

type statsResponse struct {
	ClientesConectados int            `json:"clientesConectados"`
	Dispositivos       deviceStats    `json:"dispositivos"`
	UltimaUbicacion    *ultimaResumen `json:"ultimaUbicacion"`
	Servidor           serverStats    `json:"servidor"`
}

func (api *Api) getStats(w http.ResponseWriter, r *http.Request) {
	total, activos := api.reg.Stats()
	res := statsResponse{
		ClientesConectados: api.hub.Count(),
		Dispositivos:       deviceStats{Total: total, Activos: activos},
		Servidor:           serverStats{Iniciado: api.started},
	}
	if loc, ok := api.reg.LastUbicacion(); ok {
		res.UltimaUbicacion = &ultimaResumen{Timestamp: loc.Timestamp, Recibido: loc.Recibido}
	}
	util.JsonWrite(w, res)
}

func jsonStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	jsonStatus(w, status, map[string]string{"error": msg})
}
