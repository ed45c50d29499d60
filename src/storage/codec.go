package storage

import (
	"encoding/hex"
	"hash/fnv"
	"time"

	"market-feeder/src/interfaces"
	"market-feeder/src/logger"
	"market-feeder/src/models"

	"github.com/goccy/go-json"
)

// storedEvent is one row: close time, content digest and JSON payload.
type storedEvent struct {
	timeNs  int64
	digest  string
	payload []byte
}

// -----------------------------------------------------------------------------

// encodeEvents drops in-progress bars and invalid events.
func encodeEvents(events []models.BaseData) ([]storedEvent, error) {
	out := make([]storedEvent, 0, len(events))
	for _, ev := range events {
		if !ev.Valid() || !ev.IsClosed() {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		h := fnv.New64a()
		_, _ = h.Write(payload)
		out = append(out, storedEvent{
			timeNs:  ev.TimeClosedUTC().UnixNano(),
			digest:  hex.EncodeToString(h.Sum(nil)),
			payload: payload,
		})
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func decodeEvent(payload []byte) (models.BaseData, error) {
	var ev models.BaseData
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// -----------------------------------------------------------------------------

// monthStart truncates t to the first instant of its UTC month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// -----------------------------------------------------------------------------

// New opens the store selected by cfg.Storage.DBType.
func New(cfg *models.MConfig, log *logger.Logger) (interfaces.IHistoricalStore, error) {
	switch cfg.Storage.DBType {
	case "postgres":
		return NewPostgresDB(cfg, log)
	default:
		return NewSQLiteStore(cfg, log), nil
	}
}
