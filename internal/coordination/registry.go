package coordination

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey = "instances"

	// instances without a heartbeat for this long are considered gone
	instanceStaleAfter = 60 * time.Second
)

// InstanceRegistry tracks live service instances in Redis. Each instance
// writes periodic heartbeats into a shared hash; stale entries are ignored
// by readers.
type InstanceRegistry struct {
	rdb        *goredis.Client
	instanceID string
	heartbeat  time.Duration
	version    string
}

// InstanceInfo holds metadata about one instance.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

// NewInstanceRegistry creates a registry participant. instanceID must be
// unique per instance; heartbeat controls the registration refresh rate.
func NewInstanceRegistry(rdb *goredis.Client, instanceID string, heartbeat time.Duration, version string) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:        rdb,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
	}
}

// Start registers immediately and then heartbeats until ctx is cancelled,
// unregistering on the way out.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  time.Now().Unix(),
		Version:    r.version,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	r.rdb.HSet(ctx, instancesKey, r.instanceID, data)
}

func (r *InstanceRegistry) unregister() {
	r.rdb.HDel(context.Background(), instancesKey, r.instanceID)
}

// ActiveInstances returns instance ids with a recent heartbeat.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]string, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	active := []string{}
	for instanceID, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(instanceStaleAfter.Seconds()) {
			active = append(active, instanceID)
		}
	}
	return active, nil
}
