// Package events appends rows to the build event log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	BuildCreated   = "build.created"
	BuildStarted   = "build.started"
	StageStarted   = "build.stage.started"
	StageFinished  = "build.stage.finished"
	StageFailed    = "build.stage.failed"
	BatchGenerated = "build.batch"
	BuildArchived  = "build.archived"
	BuildSucceeded = "build.succeeded"
	BuildFailed    = "build.failed"
	BuildResumed   = "build.resumed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event. A nil tx writes outside any transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, buildID, actorID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,build_id,actor_id,payload_json) VALUES (?,?,?,?,?)`
	var res sql.Result
	if tx != nil {
		res, err = tx.ExecContext(ctx, q, ts, evtType, nullable(buildID), actorID, string(data))
	} else {
		res, err = w.DB.ExecContext(ctx, q, ts, evtType, nullable(buildID), actorID, string(data))
	}
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", evtType, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
