package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/studytrack/internal/realtime"
	"go.uber.org/zap"
)

type tableClient[R any] struct {
	client *HTTPClient
	table  string
}

// Table binds one table of client as a typed Client.
func Table[R any](client *HTTPClient, name string) Client[R] {
	return &tableClient[R]{client: client, table: name}
}

func (t *tableClient[R]) FetchAll(ctx context.Context, userID string) ([]R, error) {
	if userID == "" {
		return nil, nil
	}
	raw, err := t.client.fetchRows(ctx, t.table)
	if err != nil {
		return nil, err
	}
	rows := make([]R, 0)
	if len(raw) == 0 || string(raw) == "null" {
		return rows, nil
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &RequestError{Op: opFetch, Table: t.table, Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}
	return rows, nil
}

func (t *tableClient[R]) Upsert(ctx context.Context, userID string, rows []R) error {
	if userID == "" || len(rows) == 0 {
		return nil
	}
	return t.client.upsertRows(ctx, t.table, rows)
}

func (t *tableClient[R]) Delete(ctx context.Context, userID, key string) error {
	if userID == "" {
		return nil
	}
	return t.client.deleteRow(ctx, t.table, key)
}

func (t *tableClient[R]) Subscribe(ctx context.Context, userID string, handlers Handlers[R]) (Unsubscribe, error) {
	if userID == "" {
		return func() {}, nil
	}
	logger := t.client.logger.With(zap.String("table", t.table))
	deliver := func(message realtime.Message) {
		var row R
		if err := json.Unmarshal(message.Row, &row); err != nil {
			logger.Warn("change feed row decode failed", zap.String("type", message.EventType), zap.Error(err))
			return
		}
		var handler func(R)
		switch message.EventType {
		case realtime.EventInsert:
			handler = handlers.OnInsert
		case realtime.EventUpdate:
			handler = handlers.OnUpdate
		case realtime.EventDelete:
			handler = handlers.OnDelete
		}
		if handler != nil {
			handler(row)
		}
	}
	return t.client.subscribe(ctx, userID, t.table, deliver), nil
}
