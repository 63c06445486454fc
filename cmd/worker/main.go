package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"librarydesk/internal/calendar"
	"librarydesk/internal/config"
	"librarydesk/internal/mailclient"
	"librarydesk/internal/notify"
	"librarydesk/internal/pcsession"
	"librarydesk/internal/queue"
	"librarydesk/internal/store"
)

// Worker runs the periodic session-expiry sweep and delivers queued
// decision notifications through the mail gateway.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "library:notifications")
	}

	clock := calendar.NewClock(cfg.TZOffsetHours)
	pcRepo := pcsession.NewRepository(db.Client)
	pcs := pcsession.NewService(pcRepo, clock, cfg.SessionMinutes)

	mail := mailclient.New(cfg.MailServiceURL, cfg.MailSkip)
	if !cfg.MailSkip {
		if err := mail.Health(ctx); err != nil {
			log.Printf("WARNING: mail gateway not available: %v", err)
			log.Println("Worker will retry delivery when events arrive")
		} else {
			log.Println("Mail gateway connected")
		}
	}

	go runExpirySweep(ctx, pcs, cfg.SweepInterval)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "request_decided" {
			continue
		}

		var evt notify.DecisionEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("decode decision event failed: %v", err)
			continue
		}

		subject := "Library request " + evt.Decision
		body := "Your request " + evt.RequestID + " was " + evt.Decision + "."
		if err := mail.Send(ctx, evt.StudentID, subject, body); err != nil {
			log.Printf("mail send failed for request %s: %v", evt.RequestID, err)
			continue
		}
		log.Printf("notified student %s about request %s", evt.StudentID, evt.RequestID)
	}

	log.Println("worker stopped")
}

// runExpirySweep expires stale PC sessions on a fixed interval. The sweep is
// idempotent, so overlapping runs across instances are harmless.
func runExpirySweep(ctx context.Context, pcs *pcsession.Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pcs.ExpireStale(ctx)
			if err != nil {
				log.Printf("expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expired %d stale pc sessions", n)
			}
		}
	}
}
