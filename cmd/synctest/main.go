// Package main provides a load testing tool that drives sync engines
// against a running relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"lectern/internal/api"
	"lectern/internal/cache"
	"lectern/internal/call"
	"lectern/internal/config"
	"lectern/internal/engine"
	"lectern/internal/media"
	"lectern/internal/messaging"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"
	"lectern/internal/relay"
	"lectern/internal/seed"
	"lectern/internal/transport"

	"github.com/brianvoe/gofakeit/v6"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesConfirmed    int64
	MessagesFailed       int64
	MessagesReceived     int64
	ServerCloses         int64
	Errors               int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) observe(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

var metrics Metrics

var errNoMedia = errors.New("calls are not exercised by the load test")

func main() {
	host := flag.String("host", "", "Relay host, overrides SYNC_URL and API_URL")
	secret := flag.String("secret", "your-secret-key-change-in-production", "Relay JWT secret used to mint credentials")
	pairs := flag.Int("pairs", 10, "Number of conversing participant pairs")
	interval := flag.Duration("interval", time.Second, "Delay between messages of one participant")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	seedValue := flag.Int64("seed", time.Now().UnixNano(), "Seed for generated participants and text")
	flag.Parse()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}
	if *host != "" {
		cfg.SyncURL = fmt.Sprintf("ws://%s/ws", *host)
		cfg.APIURL = fmt.Sprintf("http://%s", *host)
	}

	log.Printf("🚀 Starting Sync Load Test")
	log.Printf("Target: %s", cfg.SyncURL)
	log.Printf("Pairs: %d", *pairs)
	log.Printf("Duration: %v", *duration)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	participants := seed.FakeParticipants(*pairs*2, *seedValue)
	engines := make([]*engine.Engine, len(participants))

	var runners sync.WaitGroup
	for i, p := range participants {
		atomic.AddInt64(&metrics.ConnectionsAttempted, 1)
		e, err := startEngine(ctx, cfg, *secret, p, &runners)
		if err != nil {
			log.Printf("❌ %s: %v", p.ID, err)
			atomic.AddInt64(&metrics.ConnectionsFailed, 1)
			continue
		}
		atomic.AddInt64(&metrics.ConnectionsSuccess, 1)
		engines[i] = e
		time.Sleep(20 * time.Millisecond) // Stagger connections
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	stopChan := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i+1 < len(participants); i += 2 {
		a, b := engines[i], engines[i+1]
		if a == nil || b == nil {
			continue
		}
		conv, err := a.StartConversation(ctx, participants[i+1].Ref())
		if err != nil {
			log.Printf("❌ start conversation %s → %s: %v", participants[i].ID, participants[i+1].ID, err)
			atomic.AddInt64(&metrics.Errors, 1)
			continue
		}
		faker := gofakeit.New(*seedValue + int64(i))
		wg.Add(2)
		go converse(ctx, a, conv.ID, participants[i+1].Ref(), *interval, faker, stopChan, &wg)
		go converse(ctx, b, conv.ID, participants[i].Ref(), *interval, gofakeit.New(*seedValue-int64(i)), stopChan, &wg)
	}

	// Wait for duration or interrupt
	select {
	case <-time.After(*duration):
		log.Println("⏱️  Test duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	wg.Wait()

	// Give in-flight acks a chance to land.
	time.Sleep(2 * time.Second)
	for _, e := range engines {
		if e != nil {
			_ = e.Close()
		}
	}
	cancel()
	runners.Wait()

	printMetrics()
}

func startEngine(ctx context.Context, cfg *config.ClientConfig, secret string, p models.Participant, runners *sync.WaitGroup) (*engine.Engine, error) {
	token, err := relay.IssueToken(secret, p, time.Hour, time.Now())
	if err != nil {
		return nil, err
	}

	logger := observability.Discard()
	tc := transport.DefaultConfig(cfg.SyncURL)
	tc.AckTimeout = cfg.AckTimeout()
	tr := transport.New(tc, transport.WithLogger(logger))
	records := api.New(api.Config{BaseURL: cfg.APIURL, Logger: logger}, nil)

	opts := engine.FromConfig(cfg, p, tr, records)
	opts.Sessions = func(string, media.Hooks) (call.MediaSession, error) {
		return nil, errNoMedia
	}
	opts.Logger = logger
	opts.OnError = func(error) {
		atomic.AddInt64(&metrics.Errors, 1)
	}
	var e *engine.Engine
	// The relay closed the channel: mint a fresh credential and come back.
	opts.OnServerClosed = func(d protocol.Disconnect) {
		atomic.AddInt64(&metrics.ServerCloses, 1)
		go func() {
			fresh, err := relay.IssueToken(secret, p, time.Hour, time.Now())
			if err == nil {
				err = e.Connect(ctx, fresh)
			}
			if err != nil && ctx.Err() == nil {
				log.Printf("❌ %s: reconnect after %q: %v", p.ID, d.Reason, err)
				atomic.AddInt64(&metrics.Errors, 1)
			}
		}()
	}
	e, err = engine.New(opts)
	if err != nil {
		return nil, err
	}
	track(e, p.ID)

	runners.Add(1)
	go func() {
		defer runners.Done()
		_ = e.Run(ctx)
	}()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := e.Connect(connectCtx, token); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// track measures ack latency from the cache: an entry is sent when it turns
// visible and settles when it is promoted or marked failed.
func track(e *engine.Engine, localID string) {
	var sentAt sync.Map
	var seen sync.Map
	store := e.Cache()
	store.Subscribe(func(ch cache.Change) {
		if ch.Kind != cache.ChangeMessage {
			return
		}
		if ch.TempID != "" {
			m, ok := store.MessageByTempID(ch.TempID)
			if !ok || m.Sender.ID != localID {
				return
			}
			switch m.Status {
			case models.StatusSending:
				sentAt.LoadOrStore(ch.TempID, time.Now())
			case models.StatusError:
				if _, ok := sentAt.LoadAndDelete(ch.TempID); ok {
					atomic.AddInt64(&metrics.MessagesFailed, 1)
				}
			default:
				if at, ok := sentAt.LoadAndDelete(ch.TempID); ok {
					atomic.AddInt64(&metrics.MessagesConfirmed, 1)
					metrics.observe(time.Since(at.(time.Time)))
				}
			}
			return
		}
		if ch.MessageID == "" {
			return
		}
		if m, ok := store.Message(ch.MessageID); ok && m.Sender.ID != localID {
			if _, dup := seen.LoadOrStore(ch.MessageID, struct{}{}); !dup {
				atomic.AddInt64(&metrics.MessagesReceived, 1)
			}
		}
	})
}

func converse(ctx context.Context, e *engine.Engine, convID string, peer models.Ref, interval time.Duration, faker *gofakeit.Faker, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			_, err := e.SendMessage(ctx, messaging.SendRequest{
				ConversationID: convID,
				Recipient:      peer,
				Content:        faker.Sentence(10),
			})
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printMetrics() {
	metrics.mu.Lock()
	lat := append([]time.Duration(nil), metrics.latencies...)
	metrics.mu.Unlock()
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	log.Println("\n📊 Test Results")
	log.Println("===============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Confirmed: %d", atomic.LoadInt64(&metrics.MessagesConfirmed))
	log.Printf("Messages Failed: %d", atomic.LoadInt64(&metrics.MessagesFailed))
	log.Printf("Messages Received: %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("Server Closes: %d", atomic.LoadInt64(&metrics.ServerCloses))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
	if len(lat) > 0 {
		parts := []string{
			"p50=" + percentile(lat, 0.50).String(),
			"p95=" + percentile(lat, 0.95).String(),
			"p99=" + percentile(lat, 0.99).String(),
			"max=" + lat[len(lat)-1].String(),
		}
		log.Printf("Ack Latency: %s", strings.Join(parts, " "))
	}
}
