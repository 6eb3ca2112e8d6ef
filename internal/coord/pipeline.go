package coord

import (
	"time"

	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/replay"
)

type lockFragment struct {
	Key       string    `json:"key"`
	Acquired  bool      `json:"acquired"`
	Owner     string    `json:"owner,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type idempotencyFragment struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

type operationFragment struct {
	OperationID string           `json:"operation_id"`
	Status      operation.Status `json:"status"`
	PollURL     string           `json:"poll_url,omitempty"`
}

type replayFragment struct {
	ReplayID  string        `json:"replay_id"`
	Status    replay.Status `json:"status"`
	QueuedAt  time.Time     `json:"queued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// fragments collects what each manager contributes to the response. They
// are attached in a fixed order whatever order the steps ran in.
type fragments struct {
	lock   *lockFragment
	idem   *idempotencyFragment
	op     *operationFragment
	replay *replayFragment
}

func (f *fragments) attach(resp *protocol.Response) {
	if f.lock != nil {
		resp.Attach(protocol.URNAtomicLock, f.lock)
	}
	if f.idem != nil {
		resp.Attach(protocol.URNIdempotency, f.idem)
	}
	if f.op != nil {
		resp.Attach(protocol.URNAsync, f.op)
	}
	if f.replay != nil {
		resp.Attach(protocol.URNReplay, f.replay)
	}
}
