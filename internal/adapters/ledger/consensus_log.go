package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
	"github.com/ff4f/yieldharvest-sub002/internal/ports"
)

// ConsensusLogClient implements ports.ConsensusLog over the gateway's topic
// endpoints. A successful append is durably totally ordered at the returned
// sequence number; a timed-out append leaves delivery state unknown, which is
// inherent to the log and reported as such rather than retried here.
type ConsensusLogClient struct {
	gw *Gateway
}

func NewConsensusLogClient(gw *Gateway) *ConsensusLogClient {
	return &ConsensusLogClient{gw: gw}
}

type createTopicRequest struct {
	Memo string `json:"memo"`
}

type createTopicResponse struct {
	TopicID string `json:"topic_id"`
}

type appendRequest struct {
	Message string `json:"message"` // base64
}

type appendResponse struct {
	SequenceNumber uint64    `json:"sequence_number"`
	TxRef          string    `json:"tx_ref"`
	ConsensusAt    time.Time `json:"consensus_at"`
}

func (c *ConsensusLogClient) CreateTopic(ctx context.Context, memo string) (string, error) {
	var out createTopicResponse
	if err := c.gw.postSigned(ctx, "/v1/topics", createTopicRequest{Memo: memo}, &out); err != nil {
		return "", classifyAppend(err)
	}
	if out.TopicID == "" {
		return "", fmt.Errorf("%w: gateway returned empty topic id", domain.ErrTransient)
	}
	return out.TopicID, nil
}

func (c *ConsensusLogClient) Append(ctx context.Context, topicID string, message []byte) (ports.AppendAck, error) {
	if len(message) == 0 {
		return ports.AppendAck{}, fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
	}
	var out appendResponse
	err := c.gw.postSigned(ctx, "/v1/topics/"+url.PathEscape(topicID)+"/messages", appendRequest{
		Message: base64.StdEncoding.EncodeToString(message),
	}, &out)
	if err != nil {
		return ports.AppendAck{}, classifyAppend(err)
	}
	return ports.AppendAck{
		SequenceNumber: out.SequenceNumber,
		TxRef:          out.TxRef,
		ConsensusAt:    out.ConsensusAt,
	}, nil
}

func classifyAppend(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("append: %w", domain.ErrOutcomeUnknown)
	}
	var ge *gatewayError
	if errors.As(err, &ge) {
		return fmt.Errorf("%w: %s", domain.ErrLedgerRejected, ge.Message)
	}
	return err
}
