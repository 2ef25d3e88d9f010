package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"feedoracle/core/events"
	"feedoracle/core/exec"
	"feedoracle/core/types"
	"feedoracle/deploy"
	"feedoracle/native/consumer"
	"feedoracle/native/datanode"
	"feedoracle/native/oracle"
	"feedoracle/observability"
	telemetry "feedoracle/observability/otel"
)

// Config tunes delivery attempts.
type Config struct {
	Timeout       time.Duration
	RetryInterval time.Duration
	MaxAttempts   int
}

// Worker answers asynchronous pay-per-use requests. For every committed
// request it reads the current value as the oracle and delivers it with
// Response, signed off by the responder address.
type Worker struct {
	deployment *deploy.Deployment
	from       common.Address
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// Request is the decoded form of an oracle.request.created event.
type Request struct {
	ID          string
	Oracle      common.Address
	FeedID      uint32
	Consumer    common.Address
	RequestedAt time.Time
}

// New constructs a worker delivering from the responder address from.
func New(d *deploy.Deployment, from common.Address, cfg Config, logger *slog.Logger) (*Worker, error) {
	if d == nil || d.PayPerUse == nil {
		return nil, errors.New("responder: deployment required")
	}
	if from == (common.Address{}) {
		return nil, errors.New("responder: responder address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Worker{deployment: d, from: from, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Run processes request events from ch until ctx is done or ch closes.
func (w *Worker) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			payload, ok := evt.(events.Payload)
			if !ok || evt.EventType() != oracle.EventTypeRequestCreated {
				continue
			}
			req, err := ParseRequest(payload.Event())
			if err != nil {
				w.logger.Warn("responder: malformed request event", "error", err)
				observability.Responder().RecordFailure("malformed")
				continue
			}
			if req.Oracle != w.deployment.PayPerUse.Address() {
				continue
			}
			if err := w.Deliver(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("responder: delivery failed",
					"requestId", req.ID,
					"feedId", req.FeedID,
					"consumer", req.Consumer.Hex(),
					"error", err)
			}
		}
	}
}

// Deliver answers req, retrying transient failures. A request that is no
// longer pending is treated as already answered.
func (w *Worker) Deliver(ctx context.Context, req Request) error {
	ctx, span := telemetry.Tracer("responder").Start(ctx, "responder.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int64("feed.id", int64(req.FeedID)),
		attribute.String("consumer", strings.ToLower(req.Consumer.Hex())),
	)

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		err = w.attempt(ctx, req)
		if err == nil {
			if !req.RequestedAt.IsZero() {
				observability.Responder().ObserveDelivery(w.now().Sub(req.RequestedAt))
			}
			w.logger.Info("responder: response delivered", "requestId", req.ID, "feedId", req.FeedID, "consumer", req.Consumer.Hex())
			return nil
		}
		if errors.Is(err, oracle.ErrNoPendingRequest) {
			observability.Responder().RecordFailure("not_pending")
			return nil
		}
		observability.Responder().RecordFailure(observability.Outcome(err))
		if attempt == w.cfg.MaxAttempts || !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RetryInterval):
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (w *Worker) attempt(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	value, err := w.ReadValue(ctx, req.FeedID)
	if err != nil {
		return err
	}
	return w.deployment.PayPerUse.Response(ctx, w.from, req.FeedID, req.Consumer, value)
}

// ReadValue reads the current numeric value of feedID the way the
// pay-per-use oracle does: through the data node the controller assigns.
func (w *Worker) ReadValue(ctx context.Context, feedID uint32) (*big.Int, error) {
	d := w.deployment
	nodeAddr, err := d.Controller.GetDataNodeFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if nodeAddr == (common.Address{}) {
		return nil, fmt.Errorf("%w: feed %d", oracle.ErrFeedNotAssigned, feedID)
	}
	node := d.DataNode
	if nodeAddr != node.Address() {
		if node, err = datanode.Attach(ctx, d.Host(), nodeAddr); err != nil {
			return nil, err
		}
	}
	_, value, err := node.ReadInt(ctx, d.PayPerUse.Address(), feedID)
	return value, err
}

// retryable reports whether another attempt may succeed. Authorization and
// pause failures need an operator and are not retried.
func retryable(err error) bool {
	switch {
	case errors.Is(err, oracle.ErrUnauthorized),
		errors.Is(err, exec.ErrNotContract),
		errors.Is(err, consumer.ErrUnauthorized):
		return false
	}
	switch observability.Outcome(err) {
	case "paused", "unauthorized", "unassigned":
		return false
	}
	return true
}

// ParseRequest decodes an oracle.request.created event.
func ParseRequest(evt *types.Event) (Request, error) {
	if evt == nil || evt.Type != oracle.EventTypeRequestCreated {
		return Request{}, errors.New("not a request event")
	}
	attrs := evt.Attributes
	feedID, err := strconv.ParseUint(attrs["feedId"], 10, 32)
	if err != nil {
		return Request{}, fmt.Errorf("feedId: %w", err)
	}
	if !common.IsHexAddress(attrs["oracle"]) || !common.IsHexAddress(attrs["consumer"]) {
		return Request{}, errors.New("oracle and consumer addresses required")
	}
	req := Request{
		ID:       attrs["requestId"],
		Oracle:   common.HexToAddress(attrs["oracle"]),
		FeedID:   uint32(feedID),
		Consumer: common.HexToAddress(attrs["consumer"]),
	}
	if raw := attrs["requestedAt"]; raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			req.RequestedAt = time.Unix(secs, 0)
		}
	}
	return req, nil
}
