// Package usecase contains application business logic.
package usecase

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// CSVTimeLayout is the timestamp format used by ExportCSV.
const CSVTimeLayout = "2006-01-02 15:04:05"

var infectedFilesPattern = regexp.MustCompile(`Infected files: (\d+)`)

// HistoryFilter selects events. An empty Type or "All" matches every type.
// Text matches case-insensitively against the type and the details.
type HistoryFilter struct {
	Type string
	Text string
}

// Match reports whether e passes the filter.
func (f HistoryFilter) Match(e domain.HistoryEvent) bool {
	if f.Type != "" && !strings.EqualFold(f.Type, "All") && !strings.EqualFold(f.Type, e.EventType) {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(f.Text))
	if text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Details), text) ||
		strings.Contains(strings.ToLower(e.EventType), text)
}

// Dashboard aggregates history for the status view.
type Dashboard struct {
	TotalScans         int
	TotalInfectedFiles int
	LastUpdate         *time.Time
}

// HistoryService records activity events and answers queries over them.
type HistoryService struct {
	store  domain.HistoryStore
	logger *zap.Logger
	now    func() time.Time
}

// NewHistoryService creates a history service over store.
func NewHistoryService(store domain.HistoryStore, logger *zap.Logger) *HistoryService {
	return &HistoryService{store: store, logger: logger, now: time.Now}
}

// Record appends an event. A store failure is logged and returned.
func (h *HistoryService) Record(eventType, details string) error {
	event := domain.HistoryEvent{
		ID:        uuid.NewString(),
		Timestamp: h.now(),
		EventType: eventType,
		Details:   details,
	}
	if err := h.store.Append(event); err != nil {
		h.logger.Warn("failed to record history event",
			zap.String("type", eventType),
			zap.Error(err))
		return err
	}
	h.logger.Debug("history event recorded", zap.String("type", eventType), zap.String("details", details))
	return nil
}

// List returns matching events, newest first.
func (h *HistoryService) List(filter HistoryFilter) ([]domain.HistoryEvent, error) {
	events, err := h.store.List()
	if err != nil {
		return nil, err
	}
	matched := make([]domain.HistoryEvent, 0, len(events))
	for _, e := range events {
		if filter.Match(e) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Delete removes one event.
func (h *HistoryService) Delete(id string) error {
	return h.store.Delete(id)
}

// Clear removes every event.
func (h *HistoryService) Clear() error {
	return h.store.Clear()
}

// ExportJSON writes matching events as an indented JSON array.
func (h *HistoryService) ExportJSON(w io.Writer, filter HistoryFilter) error {
	events, err := h.List(filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

// ExportCSV writes matching events with an Id,Timestamp,EventType,Details header.
func (h *HistoryService) ExportCSV(w io.Writer, filter HistoryFilter) error {
	events, err := h.List(filter)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Id", "Timestamp", "EventType", "Details"}); err != nil {
		return err
	}
	for _, e := range events {
		row := []string{e.ID, e.Timestamp.Format(CSVTimeLayout), e.EventType, e.Details}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Dashboard counts finished scans, sums their "Infected files: N" and
// reports the most recent Update event.
func (h *HistoryService) Dashboard() (Dashboard, error) {
	events, err := h.store.List()
	if err != nil {
		return Dashboard{}, err
	}

	var d Dashboard
	for _, e := range events {
		switch e.EventType {
		case domain.EventScan:
			// Only the closing event of a scan carries the infected count.
			if m := infectedFilesPattern.FindStringSubmatch(e.Details); m != nil {
				n, _ := strconv.Atoi(m[1])
				d.TotalScans++
				d.TotalInfectedFiles += n
			}
		case domain.EventUpdate:
			if d.LastUpdate == nil || e.Timestamp.After(*d.LastUpdate) {
				ts := e.Timestamp
				d.LastUpdate = &ts
			}
		}
	}
	return d, nil
}
