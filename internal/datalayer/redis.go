package datalayer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis server and key namespace.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// RedisStore writes the status into a hash, raised events into a set and
// notifies changes on a pub/sub channel named after the prefix.
//
// Keys, with the default prefix "bms":
//
//	bms            hash of status fields
//	bms:events     set of raised event names
//	bms:event:data hash of event name -> value
//	bms:settings   hash; field "equipment-stop" = "true" stops updates
type RedisStore struct {
	client *redis.Client
	prefix string

	previous  Status
	published bool
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "bms"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Publish writes every field and announces the fields consumers react to
// when they changed.
func (r *RedisStore) Publish(ctx context.Context, s Status) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(), statusFields(s))
	for _, name := range changedFields(r.previous, s, r.published) {
		pipe.Publish(ctx, r.key(), name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish status: %w", err)
	}
	r.previous, r.published = s, true
	return nil
}

func (r *RedisStore) SetEvent(ctx context.Context, ev Event, data uint16) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.key("events"), ev.String())
	pipe.HSet(ctx, r.key("event", "data"), ev.String(), strconv.Itoa(int(data)))
	pipe.Publish(ctx, r.key(), "event")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set event %s: %w", ev, err)
	}
	return nil
}

func (r *RedisStore) ClearEvent(ctx context.Context, ev Event) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.key("events"), ev.String())
	pipe.HDel(ctx, r.key("event", "data"), ev.String())
	pipe.Publish(ctx, r.key(), "event")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis clear event %s: %w", ev, err)
	}
	return nil
}

func (r *RedisStore) EquipmentStop(ctx context.Context) (bool, error) {
	v, err := r.client.HGet(ctx, r.key("settings"), "equipment-stop").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis read equipment stop: %w", err)
	}
	return v == "true" || v == "1", nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func statusFields(s Status) map[string]interface{} {
	return map[string]interface{}{
		"real-soc":            strconv.Itoa(int(s.RealSOC)),
		"reported-soc":        strconv.Itoa(int(s.ReportedSOC)),
		"soh":                 strconv.Itoa(int(s.SOH)),
		"voltage":             strconv.Itoa(int(s.Voltage)),
		"current":             strconv.Itoa(int(s.Current)),
		"max-charge-power":    strconv.FormatUint(uint64(s.MaxChargePower), 10),
		"max-discharge-power": strconv.FormatUint(uint64(s.MaxDischargePower), 10),
		"temperature-min":     strconv.Itoa(int(s.TempMin)),
		"temperature-max":     strconv.Itoa(int(s.TempMax)),
		"cell-min":            strconv.Itoa(int(s.CellMin)),
		"cell-max":            strconv.Itoa(int(s.CellMax)),
		"cell-count":          strconv.Itoa(s.CellCount),
		"max-design-voltage":  strconv.Itoa(int(s.MaxDesignVoltage)),
		"min-design-voltage":  strconv.Itoa(int(s.MinDesignVoltage)),
		"max-cell-voltage":    strconv.Itoa(int(s.MaxCellVoltage)),
		"min-cell-voltage":    strconv.Itoa(int(s.MinCellVoltage)),
		"max-cell-deviation":  strconv.Itoa(int(s.MaxCellDeviation)),
		"contactor-allowed":   strconv.FormatBool(s.ContactorAllowed),
		"bms-status":          s.BMSStatus.String(),
		"still-alive":         strconv.Itoa(int(s.StillAlive)),
	}
}

// changedFields names the notifications to send for a transition from prev
// to cur. The first publish announces everything.
func changedFields(prev, cur Status, havePrev bool) []string {
	if !havePrev {
		return []string{"soc", "bms-status", "contactor-allowed"}
	}
	var out []string
	if prev.RealSOC != cur.RealSOC || prev.ReportedSOC != cur.ReportedSOC {
		out = append(out, "soc")
	}
	if prev.BMSStatus != cur.BMSStatus {
		out = append(out, "bms-status")
	}
	if prev.ContactorAllowed != cur.ContactorAllowed {
		out = append(out, "contactor-allowed")
	}
	return out
}
