package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"permit_server/server/chat/app"
	commonlog "permit_server/server/common/log"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		commonlog.Warnf("event=server_init action=load_env status=failed error=%v", err)
	}

	cfg := app.LoadConfig()
	server, err := app.NewServer(cfg)
	if err != nil {
		commonlog.Exceptionf("event=server_init action=build status=failed error=%v", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		commonlog.Exceptionf("event=server_init action=start_workers status=failed error=%v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("event=server_start action=listen status=ok port=%s env=%s store=%s", cfg.Port, cfg.Env, cfg.StoreDriver)
		if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			commonlog.Exceptionf("event=server_start action=listen status=failed error=%v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("event=server_shutdown action=graceful status=failed error=%v", err)
		return
	}
	commonlog.Infof("event=server_shutdown action=graceful status=ok")
}
