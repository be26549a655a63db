// Command example shows the minimum wiring needed to run izi against a
// local Postgres instance: build a Config, register a worker, migrate,
// and start.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"izi"
	"izi/internal/isolation"
	"izi/internal/model"
	"izi/internal/telemetry"
	"izi/internal/worker"
)

func main() {
	if os.Getenv(isolation.ContextEnv) != "" {
		runChild()
		return
	}

	dsn := os.Getenv("IZI_POSTGRES_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=postgres password=postgres dbname=izi sslmode=disable"
	}

	cfg, err := izi.NewConfig("example-instance",
		izi.WithDriver(izi.Postgres, dsn),
		izi.WithQueue("default", 10),
		izi.WithQueue("reports", 2),
	)
	if err != nil {
		log.Fatal(err)
	}

	q, err := izi.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	if err := q.Register(sendEmailWorker()); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := q.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	if err := q.Start(ctx); err != nil {
		log.Fatal(err)
	}

	q.On("job:complete", func(ev telemetry.Event) {
		log.Printf("completed: queue=%s", ev.Queue)
	})

	if _, err := q.Insert(ctx, "SendEmail", map[string]any{"to": "user@example.com"}, izi.InsertOptions{
		Queue: "default",
	}); err != nil {
		log.Println("insert failed:", err)
	}

	<-ctx.Done()
	log.Println("shutting down...")
	if err := q.Shutdown(5 * time.Second); err != nil {
		log.Println(err)
	}
}

// sendEmailWorker is defined once and registered by both the parent
// process and any re-exec'd isolation context, so a job routed through
// the isolation pool finds the same handler the parent registered.
func sendEmailWorker() worker.Def {
	return worker.Def{
		Name:        "SendEmail",
		Queue:       "default",
		MaxAttempts: 10,
		Perform: func(ctx context.Context, job *model.Job) (worker.Result, error) {
			to, _ := job.Args["to"].(string)
			fmt.Printf("sending email to %s\n", to)
			return worker.OK(nil), nil
		},
	}
}

// runChild is the entrypoint for a re-exec'd isolation context: it
// registers the same workers the parent process did and speaks the
// newline-delimited JSON protocol over stdin/stdout until the parent
// closes the pipe.
func runChild() {
	reg := worker.NewRegistry()
	if err := reg.Register(sendEmailWorker()); err != nil {
		log.Fatal(err)
	}
	if err := isolation.RunChild(reg); err != nil {
		log.Fatal(err)
	}
}
