package recents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"yuim/im-chat/pkg/chat"
)

/*
Redis layout (the {owner} hash tag keeps one owner's keys in one slot):
  - im:recent:{owner}      HASH peer -> entry JSON
  - im:recent:ver:{owner}  HASH peer -> "%020d:%020d" (last_at µs, msg id)
  - im:recent:idx:{owner}  ZSET score=last_at µs, member=peer
*/
type Redis struct {
	cli *redis.Client
}

func NewRedis(cli *redis.Client) *Redis { return &Redis{cli: cli} }

// Fixed-width versions compare correctly as strings.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if cur and cur > ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

func entryKey(owner chat.UserID) string   { return fmt.Sprintf("im:recent:{%s}", owner) }
func versionKey(owner chat.UserID) string { return fmt.Sprintf("im:recent:ver:{%s}", owner) }
func indexKey(owner chat.UserID) string   { return fmt.Sprintf("im:recent:idx:{%s}", owner) }

func version(e chat.RecentEntry) string {
	return fmt.Sprintf("%020d:%020d", e.LastMessageAt.UnixMicro(), int64(e.LastMessageID))
}

func (r *Redis) Upsert(ctx context.Context, e chat.RecentEntry) (bool, error) {
	if err := validate(e); err != nil {
		return false, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	keys := []string{entryKey(e.OwnerID), versionKey(e.OwnerID), indexKey(e.OwnerID)}
	n, err := upsertScript.Run(ctx, r.cli, keys, e.PeerID, version(e), string(b), e.LastMessageAt.UnixMicro()).Int()
	if err != nil {
		return false, &chat.WriteError{Op: "upsert recent " + e.OwnerID + "/" + e.PeerID, Err: err}
	}
	return n == 1, nil
}

func (r *Redis) List(ctx context.Context, owner chat.UserID) ([]chat.RecentEntry, error) {
	peers, err := r.cli.ZRevRange(ctx, indexKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list recents %s: %w", owner, err)
	}
	if len(peers) == 0 {
		return nil, nil
	}
	vals, err := r.cli.HMGet(ctx, entryKey(owner), peers...).Result()
	if err != nil {
		return nil, fmt.Errorf("load recents %s: %w", owner, err)
	}
	out := make([]chat.RecentEntry, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e chat.RecentEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}
