// Package ingestion is the feed side of the log store: it generates
// synthetic resource-event records and moves them through their on-disk CSV
// form. The indexing layers consume these records; nothing here touches the
// page cache.
package ingestion

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronolog-db/chronolog/pkg/logger"
)

// LogRecord is one resource event.
type LogRecord struct {
	Timestamp    time.Time
	ResourceID   int64
	ResourceName string
	EventType    string
}

// Key returns the index key for the record: the resource name.
func (r LogRecord) Key() string { return r.ResourceName }

// Value returns the indexed payload: "event@unix_nanos".
func (r LogRecord) Value() string {
	return fmt.Sprintf("%s@%d", r.EventType, r.Timestamp.UnixNano())
}

// fields serializes the record to its CSV shape:
// timestamp_ns,resource_id,resource_name,event_type
func (r LogRecord) fields() []string {
	return []string{
		strconv.FormatInt(r.Timestamp.UnixNano(), 10),
		strconv.FormatInt(r.ResourceID, 10),
		r.ResourceName,
		r.EventType,
	}
}

// Batch is one generation run, tagged so downstream stages can attribute
// records to their ingestion pass.
type Batch struct {
	ID      uuid.UUID
	Records []LogRecord
}

// eventTypes cycles through the common cloud resource events.
var eventTypes = []string{"START", "STOP", "RESTART", "ERROR", "WARNING", "DEPLOY"}

// uniqueResources is the number of distinct resources the generator cycles
// over, so that repeated events land on existing keys and exercise index
// updates rather than only inserts.
const uniqueResources = 50

// LogManager generates synthetic logs and parses log files.
type LogManager struct {
	logger *zap.Logger
}

// NewLogManager creates an ingestion manager.
func NewLogManager(lg *zap.Logger) *LogManager {
	return &LogManager{logger: logger.Component(lg, logger.ComponentIngestion)}
}

// GenerateSyntheticLogs produces count records. Timestamps increase by
// timeStep per record starting from now; resource ids cycle over
// uniqueResources distinct resources starting at startResourceID, with
// names aligned to the ids.
func (lm *LogManager) GenerateSyntheticLogs(count int, startResourceID int64, timeStep time.Duration) Batch {
	batch := Batch{
		ID:      uuid.New(),
		Records: make([]LogRecord, 0, count),
	}

	base := time.Now()
	for i := 0; i < count; i++ {
		batch.Records = append(batch.Records, LogRecord{
			Timestamp:    base.Add(time.Duration(i) * timeStep),
			ResourceID:   startResourceID + int64(i%uniqueResources),
			ResourceName: fmt.Sprintf("vm-node-%d", i%uniqueResources),
			EventType:    eventTypes[i%len(eventTypes)],
		})
	}

	lm.logger.Info("generated synthetic logs",
		zap.String("batch_id", batch.ID.String()),
		zap.Int("count", count),
	)
	return batch
}

// WriteLogsToFile writes records as CSV, one per line.
func (lm *LogManager) WriteLogsToFile(records []LogRecord, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating log file %s: %w", filename, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, r := range records {
		if err := w.Write(r.fields()); err != nil {
			return fmt.Errorf("writing log record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing log file %s: %w", filename, err)
	}

	lm.logger.Info("wrote log file",
		zap.String("file", filename),
		zap.Int("records", len(records)),
	)
	return nil
}

// ReadLogsFromFile parses a CSV log file. Malformed lines are logged and
// skipped; parsing continues with the next line.
func (lm *LogManager) ReadLogsFromFile(filename string) ([]LogRecord, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", filename, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var records []LogRecord
	line := 0
	for {
		fields, err := r.Read()
		if _, ok := err.(*csv.ParseError); ok {
			line++
			lm.logger.Warn("skipping malformed log line",
				zap.String("file", filename),
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			break
		}
		line++
		record, perr := parseFields(fields)
		if perr != nil {
			lm.logger.Warn("skipping malformed log line",
				zap.String("file", filename),
				zap.Int("line", line),
				zap.Error(perr),
			)
			continue
		}
		records = append(records, record)
	}

	lm.logger.Info("read log file",
		zap.String("file", filename),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func parseFields(fields []string) (LogRecord, error) {
	if len(fields) != 4 {
		return LogRecord{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	ns, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return LogRecord{}, fmt.Errorf("bad timestamp %q: %w", fields[0], err)
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return LogRecord{}, fmt.Errorf("bad resource id %q: %w", fields[1], err)
	}
	if fields[2] == "" {
		return LogRecord{}, fmt.Errorf("empty resource name")
	}
	return LogRecord{
		Timestamp:    time.Unix(0, ns),
		ResourceID:   id,
		ResourceName: fields[2],
		EventType:    fields[3],
	}, nil
}
