// Command notes serves the markdown notes app as a long-lived process: the
// protocol endpoint, the realtime channel upgrade path, and the metrics
// endpoint all hang off one chi router.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-apps"
	"github.com/MegaGrindStone/go-apps/servers/notes"
	"github.com/go-chi/chi/v5"
)

var port = "8080"

func main() {
	transport := apps.NewHTTPTransport()
	channels := apps.NewChannelManager(fmt.Sprintf("ws://localhost:%s/channels", port))
	metrics := apps.NewMetrics()

	app, err := apps.NewApp(
		apps.Info{Name: "notes", Version: "0.1.0"},
		transport,
		apps.WithChannelManager(channels),
		apps.WithMetrics(metrics),
		apps.WithAppInstructions("A markdown notes board. Use write_note to add notes, search_notes with glob patterns to find them."),
	)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}

	if err := notes.Register(app); err != nil {
		log.Fatalf("failed to register notes app: %v", err)
	}

	r := chi.NewRouter()
	r.Handle("/mcp", transport.Handler())
	r.Handle("/channels/{instanceID}", channels.HandleUpgrade())
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go app.Serve()

	go func() {
		fmt.Printf("Server starting on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		fmt.Printf("App forced to shutdown: %v\n", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
		return
	}

	fmt.Println("Server exited gracefully")
}
