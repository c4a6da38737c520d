// Command serverless runs the markdown notes app in per-invocation mode: an
// HTTP shim that feeds one protocol message per request to the serverless
// handler, the way a function platform would. With APPS_STATE_BUCKET set,
// state and bindings persist to S3 and survive process restarts.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/MegaGrindStone/go-apps"
	"github.com/MegaGrindStone/go-apps/servers/notes"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	s3store "github.com/MegaGrindStone/go-apps/stores/s3"
)

var port = "8081"

func main() {
	opts := []apps.ServerlessOption{
		apps.WithServerlessInstructions("A markdown notes board."),
	}

	if bucket := os.Getenv("APPS_STATE_BUCKET"); bucket != "" {
		client := awss3.New(awss3.Options{
			Region: os.Getenv("AWS_REGION"),
		})
		opts = append(opts, apps.WithStateAdapter(s3store.New(client, bucket)))
	}

	handler, err := apps.NewServerless(apps.Info{Name: "notes", Version: "0.1.0"}, opts...)
	if err != nil {
		log.Fatalf("failed to create serverless handler: %v", err)
	}

	if err := notes.Register(handler); err != nil {
		log.Fatalf("failed to register notes app: %v", err)
	}

	http.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		var msg apps.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		identity := r.Header.Get("X-Client-Identity")
		res, ok := handler.HandleMessage(r.Context(), identity, msg)
		if !ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			log.Printf("failed to write response: %v", err)
		}
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		ReadHeaderTimeout: 15 * time.Second,
	}

	fmt.Printf("Serverless shim starting on %s\n", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
