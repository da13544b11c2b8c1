package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	answerCacheTTL     = 5 * time.Minute
	answerCacheTimeout = 300 * time.Millisecond
)

// answerCache keeps recent answers per tenant so repeated questions skip
// retrieval and completion entirely.
type answerCache struct {
	client *redis.Client
}

func newAnswerCache(client *redis.Client) *answerCache {
	if client == nil {
		return nil
	}
	return &answerCache{client: client}
}

func (a *answerCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), answerCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= answerCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, answerCacheTimeout)
}

func (a *answerCache) key(tenantID, question, promptName string, promptVersion int) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", tenantID, question, promptName, promptVersion)))
	return "chat:answer:" + tenantID + ":" + hex.EncodeToString(digest[:16])
}

func (a *answerCache) get(ctx context.Context, key string) (*Answer, error) {
	if a == nil || a.client == nil {
		return nil, redis.Nil
	}
	ctx, cancel := a.cacheContext(ctx)
	defer cancel()

	data, err := a.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var answer Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

func (a *answerCache) store(ctx context.Context, key string, answer Answer) {
	if a == nil || a.client == nil {
		return
	}
	payload, err := json.Marshal(answer)
	if err != nil {
		log.Printf("chat: marshal answer cache payload failed: %v", err)
		return
	}

	ctx, cancel := a.cacheContext(ctx)
	defer cancel()

	if err := a.client.Set(ctx, key, payload, answerCacheTTL).Err(); err != nil {
		log.Printf("chat: store answer cache failed: %v", err)
	}
}
