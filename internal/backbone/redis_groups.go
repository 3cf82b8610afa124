package backbone

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// groupTTL bounds how long membership of a crashed instance can linger.
const groupTTL = 24 * time.Hour

// The member set and its version counter share a hash tag so both land on
// the same cluster slot and can be updated by one script.
func groupKeys(group string) []string {
	return []string{
		"relay:group:{" + group + "}:members",
		"relay:group:{" + group + "}:version",
	}
}

var addMemberScript = redis.NewScript(`
local version
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
	version = redis.call('INCR', KEYS[2])
else
	version = tonumber(redis.call('GET', KEYS[2]) or '0')
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return {version, redis.call('SMEMBERS', KEYS[1])}
`)

// SREM of the last member deletes the set, which prunes the group.
var removeMemberScript = redis.NewScript(`
local version
if redis.call('SREM', KEYS[1], ARGV[1]) == 1 then
	version = redis.call('INCR', KEYS[2])
	redis.call('EXPIRE', KEYS[2], ARGV[2])
else
	version = tonumber(redis.call('GET', KEYS[2]) or '0')
end
return {version, redis.call('SMEMBERS', KEYS[1])}
`)

var readMembersScript = redis.NewScript(`
return {tonumber(redis.call('GET', KEYS[2]) or '0'), redis.call('SMEMBERS', KEYS[1])}
`)

// RedisGroups is the cluster-wide Groups implementation. Every operation is
// a single Lua script, so the membership change and the snapshot returned
// for it are atomic.
type RedisGroups struct {
	rdb redis.UniversalClient
}

func NewRedisGroups(rdb redis.UniversalClient) *RedisGroups {
	return &RedisGroups{rdb: rdb}
}

func (g *RedisGroups) Add(ctx context.Context, group, member string) (Members, error) {
	return g.run(ctx, addMemberScript, group, member, int(groupTTL.Seconds()))
}

func (g *RedisGroups) Remove(ctx context.Context, group, member string) (Members, error) {
	return g.run(ctx, removeMemberScript, group, member, int(groupTTL.Seconds()))
}

func (g *RedisGroups) Members(ctx context.Context, group string) (Members, error) {
	return g.run(ctx, readMembersScript, group)
}

func (g *RedisGroups) Contains(ctx context.Context, group, member string) (bool, error) {
	return g.rdb.SIsMember(ctx, groupKeys(group)[0], member).Result()
}

func (g *RedisGroups) run(ctx context.Context, script *redis.Script, group string, args ...interface{}) (Members, error) {
	res, err := script.Run(ctx, g.rdb, groupKeys(group), args...).Slice()
	if err != nil {
		return Members{}, fmt.Errorf("group %s: %w", group, err)
	}
	return parseMembers(res)
}

func parseMembers(res []interface{}) (Members, error) {
	if len(res) != 2 {
		return Members{}, fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	version, ok := res[0].(int64)
	if !ok {
		return Members{}, fmt.Errorf("unexpected version type %T", res[0])
	}
	raw, ok := res[1].([]interface{})
	if !ok {
		return Members{}, fmt.Errorf("unexpected members type %T", res[1])
	}

	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			return Members{}, fmt.Errorf("unexpected member type %T", v)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Members{IDs: ids, Version: uint64(version)}, nil
}
