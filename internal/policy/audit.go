package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/jsonx"
)

// AuditNamespace holds the audit trail, outside every tenant namespace.
const AuditNamespace = "system_audit"

// AuditSubject is the NATS subject audit records fan out on.
const AuditSubject = "rmk.audit"

// AuditRecord captures one policy check.
type AuditRecord struct {
	Time      time.Time `json:"time"`
	Principal string    `json:"principal"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Namespace string    `json:"namespace,omitempty"`
	Decision  string    `json:"decision"`
	PolicyID  string    `json:"policy_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
}

// AuditLog persists audit records to the graph store and, when a NATS
// connection is configured, publishes them fire-and-forget for external
// consumers. Records are written by a background drainer so Check never
// blocks on store latency.
type AuditLog struct {
	store  graph.Store
	nc     *nats.Conn
	logger *zap.Logger

	queue chan AuditRecord
	done  chan struct{}
	once  sync.Once
}

// NewAuditLog starts the audit drainer. nc may be nil.
func NewAuditLog(store graph.Store, nc *nats.Conn, logger *zap.Logger) *AuditLog {
	a := &AuditLog{
		store:  store,
		nc:     nc,
		logger: logger.Named("audit"),
		queue:  make(chan AuditRecord, 4096),
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

// Record implements Auditor. A full queue drops the record rather than
// stalling the caller; the drop is logged.
func (a *AuditLog) Record(ctx context.Context, rec AuditRecord) {
	select {
	case a.queue <- rec:
	default:
		a.logger.Warn("audit queue full, record dropped",
			zap.String("principal", rec.Principal),
			zap.String("resource", rec.Resource))
	}
}

func (a *AuditLog) drain() {
	defer close(a.done)
	for rec := range a.queue {
		a.write(rec)
	}
}

func (a *AuditLog) write(rec AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := jsonx.Marshal(rec)
	if err != nil {
		a.logger.Error("audit record marshal failed", zap.Error(err))
		return
	}

	node := &graph.Node{
		Name:        "audit-" + uuid.NewString(),
		Kind:        graph.KindEvent,
		Description: fmt.Sprintf("%s %s %s: %s", rec.Principal, rec.Action, rec.Resource, rec.Decision),
		Namespace:   AuditNamespace,
		Tags:        []string{"audit", rec.Decision},
		Attributes: map[string]string{
			"principal": rec.Principal,
			"action":    rec.Action,
			"resource":  rec.Resource,
			"decision":  rec.Decision,
			"policy_id": rec.PolicyID,
			"reason":    rec.Reason,
			"payload":   string(payload),
		},
		CreatedAt: rec.Time,
	}
	if _, err := a.store.Upsert(ctx, node); err != nil {
		a.logger.Error("audit record write failed", zap.Error(err))
	}

	if a.nc != nil {
		if err := a.nc.Publish(AuditSubject, payload); err != nil {
			a.logger.Debug("audit publish failed", zap.Error(err))
		}
	}
}

// Close flushes queued records and stops the drainer.
func (a *AuditLog) Close() {
	a.once.Do(func() {
		close(a.queue)
		<-a.done
	})
}

// Recent returns the latest audit records, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	nodes, err := a.store.OrderBy(ctx, AuditNamespace, "created_at", true, limit, graph.Filter{
		Tag: "audit",
	})
	if err != nil {
		return nil, err
	}
	records := make([]AuditRecord, 0, len(nodes))
	for _, n := range nodes {
		var rec AuditRecord
		if raw, ok := n.Attributes["payload"]; ok {
			if err := jsonx.UnmarshalFromString(raw, &rec); err == nil {
				records = append(records, rec)
				continue
			}
		}
		records = append(records, AuditRecord{
			Time:      n.CreatedAt,
			Principal: n.Attributes["principal"],
			Action:    n.Attributes["action"],
			Resource:  n.Attributes["resource"],
			Decision:  n.Attributes["decision"],
			PolicyID:  n.Attributes["policy_id"],
			Reason:    n.Attributes["reason"],
		})
	}
	return records, nil
}
