package consolehistory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript only deletes the lock key if it still holds the token this
// caller wrote, so a holder whose lease already expired and was claimed by
// someone else can never release the new holder's lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// namedLock is a Redis SET-NX-EX mutex keyed by name, used to serialize
// prepend/archival against a single server's hot console history.
type namedLock struct {
	client *redis.Client
	ttl    time.Duration
}

func newNamedLock(client *redis.Client, ttl time.Duration) *namedLock {
	return &namedLock{client: client, ttl: ttl}
}

// acquire blocks, retrying every 25ms, until the lock is held or ctx is
// cancelled. It returns a token that must be passed to release.
func (l *namedLock) acquire(ctx context.Context, key string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// release performs the compare-and-delete; it is a no-op (not an error) if
// the lease already expired and was claimed by another holder.
func (l *namedLock) release(ctx context.Context, key, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
