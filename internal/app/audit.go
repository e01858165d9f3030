package app

import (
	"context"
	"encoding/json"
	"time"

	"castbot/internal/bridge"
	"castbot/internal/campaign"
	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/optout"
	"castbot/internal/rolenotify"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// auditEntry maps a bus event to an audit row. Events with no audit meaning
// (config reloads, skipped campaigns) report false.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	row := storage.AuditEntry{At: e.Time, Action: e.Type, Target: e.Subject}
	switch d := e.Data.(type) {
	case bridge.OperationEvent:
		row.Actor = "console"
		row.Action = string(d.Kind)
		row.TookMS = d.Duration.Milliseconds()
		if d.Success {
			row.OK = 1
		} else {
			row.Fail = 1
			row.Error = d.Error
		}
	case campaign.FireEvent:
		row.Actor = "scheduler"
		row.Target = d.JobID
		row.OK = d.Report.Delivered
		row.Fail = d.Report.Failed + d.Report.Unreachable
		row.TookMS = d.Done.Sub(d.Started).Milliseconds()
		row.Meta = meta(map[string]any{"one_shot": d.OneShot, "skipped": d.Report.Skipped, "total": d.Report.Total})
	case rolenotify.Notified:
		row.Actor = "gateway"
		row.Target = d.RecipientID
		if d.Status == delivery.Delivered.String() {
			row.OK = 1
		} else {
			row.Fail = 1
			row.Error = d.Error
		}
		row.Meta = meta(map[string]any{"role_id": d.RoleID, "status": d.Status})
	case rolenotify.ClaimEvent:
		row.Actor = d.RecipientID
		row.Target = d.RoleID
		if e.Type == eventbus.ClaimGranted {
			row.OK = 1
		} else {
			row.Fail = 1
			row.Error = d.Reason
		}
	case optout.Change:
		row.Actor = d.RecipientID
		row.Target = d.Kind
		row.OK = 1
	default:
		return storage.AuditEntry{}, false
	}
	if row.At.IsZero() {
		row.At = time.Now()
	}
	return row, true
}

func meta(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// runAudit appends every audited event to the store until ctx ends.
func runAudit(ctx context.Context, bus eventbus.Bus, store storage.AuditStore, log logx.Logger) {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			log.Trace("event", logx.String("type", e.Type), logx.String("subject", e.Subject))
			row, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := store.AppendAudit(wctx, row); err != nil {
				log.Warn("audit append failed", logx.String("action", row.Action), logx.Err(err))
			}
			cancel()
		}
	}
}
