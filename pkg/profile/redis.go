package profile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mdstack-network/mdstack/pkg/model"
)

// Redis layout: one hash per profile at key "DATA_PROFILE|<name>", fields
// apn, protocol, auth_type, enabled, apn_types, network_types,
// enterprise_id, traffic_descriptor, last_setup (unix ms).
const redisKeyPrefix = "DATA_PROFILE|"

// RedisStore reads data profiles from the carrier provisioning database.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the provisioning database. The connection is
// verified eagerly so a misconfigured address fails at startup, not at the
// first evaluation pass.
func NewRedisStore(addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to profile store %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Load reads every DATA_PROFILE hash.
func (s *RedisStore) Load(ctx context.Context) ([]*Profile, error) {
	keys, err := s.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}

	var out []*Profile
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		name := strings.TrimPrefix(key, redisKeyPrefix)
		out = append(out, parseProfileFields(name, fields))
	}
	return out, nil
}

// parseProfileFields is tolerant: absent or malformed fields fall back to
// usable defaults rather than failing the load.
func parseProfileFields(name string, fields map[string]string) *Profile {
	p := &Profile{
		Name:           name,
		APN:            fields["apn"],
		Protocol:       fields["protocol"],
		AuthType:       fields["auth_type"],
		CarrierEnabled: fields["enabled"] != "false",
		ApnTypes:       model.ParseApnTypes(fields["apn_types"]),
		NetworkTypes:   model.ParseNetworkTypeBitmask(fields["network_types"]),
	}
	if v, err := strconv.Atoi(fields["enterprise_id"]); err == nil {
		p.EnterpriseID = v
	}
	if td := fields["traffic_descriptor"]; td != "" {
		p.Descriptor = &TrafficDescriptor{DNN: td}
	}
	if ms, err := strconv.ParseInt(fields["last_setup"], 10, 64); err == nil && ms > 0 {
		p.LastSetup = time.UnixMilli(ms)
	}
	return p
}

// UpdateLastSetup persists the setup timestamp as unix milliseconds.
func (s *RedisStore) UpdateLastSetup(ctx context.Context, name string, ts time.Time) error {
	key := redisKeyPrefix + name
	if err := s.client.HSet(ctx, key, "last_setup", strconv.FormatInt(ts.UnixMilli(), 10)).Err(); err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	return nil
}

// Put writes a full profile hash. Used by tests and seeding tools.
func (s *RedisStore) Put(ctx context.Context, p *Profile) error {
	key := redisKeyPrefix + p.Name
	fields := map[string]interface{}{
		"apn":           p.APN,
		"protocol":      p.Protocol,
		"auth_type":     p.AuthType,
		"enabled":       strconv.FormatBool(p.CarrierEnabled),
		"apn_types":     p.ApnTypes.String(),
		"network_types": p.NetworkTypes.String(),
		"enterprise_id": strconv.Itoa(p.EnterpriseID),
	}
	if p.Descriptor != nil {
		fields["traffic_descriptor"] = p.Descriptor.DNN
	}
	if !p.LastSetup.IsZero() {
		fields["last_setup"] = strconv.FormatInt(p.LastSetup.UnixMilli(), 10)
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Close releases the connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
