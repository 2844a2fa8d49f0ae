package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	plog "github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"nuha.dev/rastreo/internal/store"
	"nuha.dev/rastreo/internal/store/impl/logstore"
	"nuha.dev/rastreo/internal/store/impl/pgstore"
	"nuha.dev/rastreo/internal/tracker"
	"nuha.dev/rastreo/internal/tracker/event"
	"nuha.dev/rastreo/internal/tracker/export"
	"nuha.dev/rastreo/internal/tracker/hub"
	"nuha.dev/rastreo/internal/tracker/ingest"
	"nuha.dev/rastreo/internal/tracker/registry"
	"nuha.dev/rastreo/internal/web"
	"nuha.dev/rastreo/internal/web/monitoring"
	"nuha.dev/rastreo/internal/web/webstream"
)

func main() {
	viper.SetDefault("listen_addr", ":3000")
	viper.SetDefault("mon_addr", "")
	viper.SetDefault("db_url", "")
	viper.SetDefault("nats_url", "")
	viper.SetDefault("proxy_protocol", false)
	viper.SetDefault("log_level", "info")
	viper.SetEnvPrefix("rastreo")
	viper.AutomaticEnv()

	lvl := viper.GetString("log_level")
	plog.DefaultLogger.Level = plog.ParseLevel(lvl)
	if zl, err := zerolog.ParseLevel(lvl); err == nil {
		zerolog.SetGlobalLevel(zl)
	}

	var st store.DeviceStore = logstore.NewStore()
	var pg *pgstore.Store
	if dbURL := viper.GetString("db_url"); dbURL != "" {
		pool, err := pgxpool.Connect(context.Background(), dbURL)
		if err != nil {
			panic(err.Error())
		}
		pg = pgstore.NewStore(pool, "dispositivos", &pgstore.StoreConfig{
			BufSize:     32,
			TickerDur:   5 * time.Second,
			MaxAgeFlush: 5 * time.Second,
		})
		err = pg.EnsureSchema(context.Background())
		if err != nil {
			panic(err.Error())
		}
		pg.Run()
		st = pg
	}

	reg := registry.New(st)
	if pg != nil {
		recs, err := pg.LoadAll(context.Background())
		if err != nil {
			panic(err.Error())
		}
		reg.Restore(recs)
	}

	ev, err := event.New()
	if err != nil {
		panic(err.Error())
	}
	h := hub.New(reg.List)
	tracker.Wire(ev, h)

	if natsURL := viper.GetString("nats_url"); natsURL != "" {
		x, err := export.NewNats(natsURL)
		if err != nil {
			panic(err.Error())
		}
		x.Register(ev, reg.List)
		defer x.Close()
	}

	ing := ingest.New(reg, ev)
	ws := webstream.NewHandler(h)
	api := web.NewApi(reg, ing, h, ev, ws, &web.ApiConfig{ListenAddr: viper.GetString("listen_addr")})

	var ln net.Listener
	ln, err = net.Listen("tcp", viper.GetString("listen_addr"))
	if err != nil {
		panic(err.Error())
	}
	if viper.GetBool("proxy_protocol") {
		ln = &proxyproto.Listener{Listener: ln}
	}

	if mon := viper.GetString("mon_addr"); mon != "" {
		ms := monitoring.NewMonApi(api.StatsHandler(), &monitoring.MonitoringConfig{ListenAddr: mon})
		go ms.Run()
	}

	go func() {
		err := api.Serve(ln)
		if err != nil {
			panic(err.Error())
		}
	}()
	zlog.Info().Str("addr", viper.GetString("listen_addr")).Msg("rastreo server started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zlog.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = api.Shutdown(ctx)
}
