package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/observ"
)

const (
	AnomalyAlert      = "TRADE_DEVIATION_ALERT"
	AnomalyEscalation = "TRADE_DEVIATION_ESCALATION"
)

// AnomalyRecord is one line of the anomaly log.
type AnomalyRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Alert     deviation.Alert `json:"alert"`
}

// AlertLog is the append-only history of every deviation alert and
// escalation. Unlike the engine's alert ring it is never trimmed.
type AlertLog struct {
	mu   sync.Mutex
	path string
}

func NewAlertLog(path string) *AlertLog { return &AlertLog{path: path} }

func (l *AlertLog) Append(ctx context.Context, r AnomalyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendJSONLine(l.path, r)
}

// AlertHandler is for deviation.Engine.OnAlert. Write failures are logged;
// the engine's snapshot still holds the alert.
func (l *AlertLog) AlertHandler() func(deviation.Alert) {
	return func(a deviation.Alert) {
		l.record(AnomalyRecord{Timestamp: a.Timestamp, Type: AnomalyAlert, Alert: a})
	}
}

func (l *AlertLog) EscalationHandler() func(deviation.Escalation) {
	return func(esc deviation.Escalation) {
		l.record(AnomalyRecord{Timestamp: esc.Timestamp, Type: AnomalyEscalation, Alert: esc.Alert})
	}
}

func (l *AlertLog) record(r AnomalyRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Append(ctx, r); err != nil {
		observ.PersistFailures.WithLabelValues("anomaly_log").Inc()
		observ.Critical("anomaly_log_append_failed", map[string]any{
			"type":     r.Type,
			"alert_id": r.Alert.ID,
			"error":    err.Error(),
		})
	}
}

// ReadAll returns every parseable record in file order.
func (l *AlertLog) ReadAll() ([]AnomalyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []AnomalyRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r AnomalyRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}
