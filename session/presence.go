package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/room4-2/live-relay/config"
)

const (
	activeSessionsKey  = "active_sessions"
	redisOpTimeout     = 500 * time.Millisecond
	presenceBufferSize = 1024
)

func sessionKey(id string) string {
	return "session:" + id
}

type presenceOp int

const (
	presenceRegister presenceOp = iota
	presenceState
	presenceRemove
)

type presenceUpdate struct {
	op        presenceOp
	id        string
	state     State
	createdAt time.Time
	at        time.Time
}

// presence mirrors session lifecycle into Redis from a single goroutine.
// Callers never wait on Redis: updates are queued and dropped when the queue is full.
type presence struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	updates chan presenceUpdate
	quit    chan struct{}
	done    chan struct{}
	stop    sync.Once

	// owned by the writer goroutine
	live map[string]bool
}

func newPresence(client *redis.Client, ttl time.Duration, logger *slog.Logger) *presence {
	p := &presence{
		client:  client,
		ttl:     ttl,
		logger:  logger,
		updates: make(chan presenceUpdate, presenceBufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		live:    make(map[string]bool),
	}
	go p.run()
	return p
}

// enqueue never blocks
func (p *presence) enqueue(u presenceUpdate) {
	u.at = time.Now()
	select {
	case p.updates <- u:
	default:
		p.logger.Debug("presence queue full, dropping update", slog.String("session", u.id))
	}
}

func (p *presence) run() {
	defer close(p.done)
	for {
		select {
		case u := <-p.updates:
			p.apply(u)
		case <-p.quit:
			for {
				select {
				case u := <-p.updates:
					p.apply(u)
				default:
					return
				}
			}
		}
	}
}

func (p *presence) apply(u presenceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	key := sessionKey(u.id)
	pipe := p.client.TxPipeline()

	switch u.op {
	case presenceRegister:
		p.live[u.id] = true
		pipe.HSet(ctx, key, map[string]interface{}{
			"created_at": u.createdAt.Format(time.RFC3339),
			"state":      u.state.String(),
			"updated_at": u.at.Format(time.RFC3339),
		})
		pipe.Expire(ctx, key, p.ttl)
		pipe.SAdd(ctx, activeSessionsKey, u.id)
	case presenceState:
		// Late transitions of a removed session must not resurrect its key
		if !p.live[u.id] {
			return
		}
		pipe.HSet(ctx, key, "state", u.state.String(), "updated_at", u.at.Format(time.RFC3339))
		pipe.Expire(ctx, key, p.ttl)
	case presenceRemove:
		delete(p.live, u.id)
		pipe.Del(ctx, key)
		pipe.SRem(ctx, activeSessionsKey, u.id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Debug("redis presence update failed", slog.String("session", u.id), slog.Any("error", err))
	}
}

// close flushes queued updates, waiting at most until ctx is done
func (p *presence) close(ctx context.Context) {
	p.stop.Do(func() { close(p.quit) })
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}

// newRedisClient applies the relay's timeouts. Context deadlines are honoured so a
// stalled server cannot hold a caller past redisOpTimeout.
func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisURL,
		Password:              cfg.RedisPassword,
		DB:                    0,
		DialTimeout:           2 * time.Second,
		ReadTimeout:           redisOpTimeout,
		WriteTimeout:          redisOpTimeout,
		ContextTimeoutEnabled: true,
		MaxRetries:            1,
	})
}
