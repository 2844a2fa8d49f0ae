package monitoring

import (
	"net/http"
	"time"
)

// MonitoringServer serves the stats endpoint on its own listener, so
// operational polling stays off the public API address.
type MonitoringServer struct {
	server *http.Server
}

type MonitoringConfig struct {
	ListenAddr string
}

func NewMonApi(stats http.Handler, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{}
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        stats,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) Run() {
	err := m.server.ListenAndServe()
	if err != nil {
		panic(err)
	}
}
