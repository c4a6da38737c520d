// Command stdio serves the markdown notes app over stdin/stdout, for hosts
// that spawn the app as a subprocess. Realtime channels are unavailable on
// this transport; everything else behaves as on HTTP.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/MegaGrindStone/go-apps"
	"github.com/MegaGrindStone/go-apps/servers/notes"
)

func main() {
	transport := apps.NewStdIO(os.Stdin, os.Stdout)

	app, err := apps.NewApp(apps.Info{Name: "notes", Version: "0.1.0"}, transport)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}

	if err := notes.Register(app); err != nil {
		log.Fatalf("failed to register notes app: %v", err)
	}

	// Serve returns when stdin reaches EOF and the single session ends.
	app.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
