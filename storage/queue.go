package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const defaultExportBuffer = 4096

// DeltaQueue exports committed deltas to an Azure queue for downstream read
// models. Deltas are queued in memory and sent by a single worker; export
// failures are logged and never reach the mutation that produced them.
type DeltaQueue struct {
	send    func(ctx context.Context, msg string) error
	pending chan domain.Delta
	timeout time.Duration
	log     *log.Logger
}

// NewDeltaQueue creates an exporter for the named queue.
func NewDeltaQueue(connStr, queueName string, buffer int, logger *log.Logger) (*DeltaQueue, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 1,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	send := func(ctx context.Context, msg string) error {
		_, err := qc.EnqueueMessage(ctx, msg, nil)
		return err
	}
	return newDeltaQueue(send, buffer, logger), nil
}

func newDeltaQueue(send func(ctx context.Context, msg string) error, buffer int, logger *log.Logger) *DeltaQueue {
	if buffer <= 0 {
		buffer = defaultExportBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &DeltaQueue{send: send, pending: make(chan domain.Delta, buffer), timeout: 30 * time.Second, log: logger}
}

// Broadcast queues d for export without blocking.
func (q *DeltaQueue) Broadcast(boardID string, d domain.Delta) {
	select {
	case q.pending <- d:
	default:
		q.log.WithFields(log.Fields{"board": boardID, "sequence": d.Sequence}).Error("export buffer full, delta dropped")
	}
}

// Run sends queued deltas until ctx is done, then flushes what is left.
func (q *DeltaQueue) Run(ctx context.Context) {
	for {
		select {
		case d := <-q.pending:
			q.export(d)
		case <-ctx.Done():
			for {
				select {
				case d := <-q.pending:
					q.export(d)
				default:
					return
				}
			}
		}
	}
}

func (q *DeltaQueue) export(d domain.Delta) {
	data, err := sonic.Marshal(d)
	if err != nil {
		q.log.WithError(err).Error("marshal delta")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := q.send(ctx, string(data)); err != nil {
		q.log.WithError(err).WithFields(log.Fields{
			"board":    d.BoardID,
			"sequence": d.Sequence,
		}).Error("export delta")
	}
}
